// Package similarity models cache semantic-similarity matching as an
// injected capability. The deterministic question_hash path in capstore is
// the authoritative match; Func is an optional refinement a mini hub may
// run over a small candidate set sharing a hash bucket, never required for
// correctness.
package similarity

// Func scores how similar two questions are, in [0,1]. 1 means identical
// intent; 0 means unrelated.
type Func func(q1, q2 string) float64

// DefaultThreshold is the similarity score above which a candidate counts
// as a match, per the component contract in the capsule store description.
const DefaultThreshold = 0.78
