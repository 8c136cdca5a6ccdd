package chain

import "context"

type ctxKey int

const (
	chainIDKey ctxKey = iota
	callIDKey
)

// WithIDs returns a context carrying the chain and call identifiers so
// transports can stamp them onto outbound requests.
func WithIDs(ctx context.Context, chainID, callID string) context.Context {
	ctx = context.WithValue(ctx, chainIDKey, chainID)
	return context.WithValue(ctx, callIDKey, callID)
}

// ChainIDFrom returns the chain id carried by ctx, or "".
func ChainIDFrom(ctx context.Context) string {
	v, _ := ctx.Value(chainIDKey).(string)
	return v
}

// CallIDFrom returns the call id carried by ctx, or "".
func CallIDFrom(ctx context.Context) string {
	v, _ := ctx.Value(callIDKey).(string)
	return v
}
