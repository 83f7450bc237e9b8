package minter

import "context"

// BroadcastHook runs after a transaction is signed and before it is sent. A non-nil
// error aborts the send, so callers can refuse to broadcast anything they could not
// record first.
type BroadcastHook func(ctx context.Context, txHash string) error

type broadcastHookKey struct{}

// WithBroadcastHook attaches hook to ctx for the Mint or Burn call made with it.
func WithBroadcastHook(ctx context.Context, hook BroadcastHook) context.Context {
	if hook == nil {
		return ctx
	}
	return context.WithValue(ctx, broadcastHookKey{}, hook)
}

// NotifyBroadcast runs the hook carried by ctx, if any.
func NotifyBroadcast(ctx context.Context, txHash string) error {
	hook, ok := ctx.Value(broadcastHookKey{}).(BroadcastHook)
	if !ok || hook == nil {
		return nil
	}
	return hook(ctx, txHash)
}
