// Package answer models the LLM/answer-generator the mesh calls on a cache
// miss as an opaque capability, per the design note that it is out of
// scope: the mesh only needs to invoke it and handle failure, never to know
// how it produces text.
package answer

import "context"

// Func answers a question, returning the text a main hub binds into a
// capsule, or an error if generation failed (surfaced as an ERROR capsule).
type Func func(ctx context.Context, question string) (string, error)
