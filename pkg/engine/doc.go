// Package engine provides the core records and collaborator interfaces of the
// Marquee policy activation pipeline.
//
// # Overview
//
// A policy version is rolled out in two phases:
//
//  1. Prepare - create a Run and re-evaluate every ready catalog item in the background
//  2. Promote - once coverage and error thresholds hold, atomically activate the policy
//
// A Run can also be cancelled while it is running or prepared, and the watchdog
// marks it failed if it stalls.
//
// # Core Records
//
//   - Policy: an immutable, versioned eligibility configuration
//   - Run: one attempt to re-evaluate the catalog against a policy version
//   - MediaCatalogEvaluation: the persisted evaluation of one item under one version
//   - DiffCounts / DiffSample: the derived comparison between two evaluation snapshots
//
// # Run Lifecycle
//
//	running -> prepared -> promoted
//	running -> prepared -> cancelled
//	running -> cancelled
//	running -> failed
//
// Promoted, cancelled and failed runs are terminal. Legacy status spellings
// found in older rows are translated by NormalizeRunStatus whenever a run is read.
//
// # Collaborators
//
// The activation workflow depends only on the narrow interfaces declared in
// interfaces.go (PolicyStore, RunStore, EvaluationStore, ItemSource, Queue and
// Locker). The SQLite store in pkg/stores implements the persistence side, and
// pkg/queue and pkg/lock provide the rest.
//
// # Errors
//
// Infrastructure and lookup failures are returned as *EngineError values
// classified for retry logic. Business-rule failures are never errors; the
// activation workflow reports them as structured results instead.
package engine
