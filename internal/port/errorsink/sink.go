// Package errorsink defines the port for surfacing recording failures that
// exhausted their retry budget. A lost cost record is a silent under-billing
// bug, so exhausted records are handed here rather than dropped.
package errorsink

import "context"

// Sink receives a permanently failed operation together with the payload
// needed to replay it later.
type Sink interface {
	Report(ctx context.Context, opErr error, attempts int, payload []byte)
}
