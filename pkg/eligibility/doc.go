// Package eligibility implements the pure catalog eligibility evaluator.
//
// Evaluate turns one catalog item and one policy configuration into a status,
// an ordered list of reason codes and, when a breakout rule admitted an
// otherwise-blocked item, the id of that rule. The evaluator performs no I/O
// and is deterministic: the same inputs always produce an identical Evaluation,
// which lets background workers retry freely and keeps snapshot diffs
// reproducible.
//
// The decision procedure runs in a fixed order and the first matching step wins:
//
//  1. Missing identity data (origin countries, then original language) -> pending
//  2. Blocked check on countries (ANY or MAJORITY) and on language
//  3. Blocked items pass the global gate and then try breakout rules by priority
//  4. Unblocked items that fail the global gate -> MISSING_GLOBAL_SIGNALS
//  5. Neutral dimensions are resolved by the STRICT or RELAXED mode
//  6. Both dimensions allowed -> eligible
//
// RelevanceScore computes the 0..100 ranking score used by downstream consumers,
// and ValidatePolicyConfig guards the policy-creation boundary.
package eligibility
