// Package learning persists the outcome of every validated candidate and a
// rolling quality score for each fix generator model.
//
// Examples are written in batches after a session's outcomes are known and
// pruned by age and per-category cap on every ingest. Model performance is a
// decayed confusion matrix: each batch scales the previous counts by the
// decay factor before adding the new observations, so a record never grows
// and recent behaviour dominates.
package learning
