// Package report archives activation diff reports.
//
// Two archivers are provided: MinIOArchiver writes JSON reports to an
// S3-compatible bucket and FileArchiver writes them under a local directory.
// Both satisfy activation.Archiver. New selects one from a Config.
package report
