package core

import (
	"context"
	"sync"
)

// Token is the ephemeral, process-local cooperative-stop signal tied to a
// running job. It has no persisted representation, which is why startup
// recovery can only mark orphaned jobs interrupted, never resume them.
//
// Cancellation is advisory: handlers poll the token between sequential
// steps and are never pre-empted mid-call.
type Token struct {
	done chan struct{}
	once sync.Once
}

// NewToken creates an uncancelled token.
func NewToken() *Token {
	return &Token{done: make(chan struct{})}
}

// Cancel signals the token. Idempotent.
func (t *Token) Cancel() {
	t.once.Do(func() { close(t.done) })
}

// Done returns a channel closed when the token is cancelled.
func (t *Token) Done() <-chan struct{} {
	return t.done
}

// Cancelled reports whether the token has been signalled, without blocking.
func (t *Token) Cancelled() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Context derives a context that is cancelled when either the parent is
// done or the token is signalled. The returned stop func releases the
// watcher goroutine and must be called when the handler returns.
func (t *Token) Context(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	go func() {
		select {
		case <-t.done:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
