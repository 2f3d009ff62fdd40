package runtime

import "sync"

// CancelToken is the cross-goroutine cancellation signal shared between a
// supervisor and the runtime it owns. It is single-writer (the supervising
// side cancels, at most once in effect) and safe for concurrent observation.
//
// Every ServeForever implementation must honor its token, either by blocking
// on Done in a select or by polling Cancelled between units of work.
// Busy-waiting without the token defeats blocking cancellation and is not
// supported.
//
// Example:
//
//	for {
//	    select {
//	    case <-token.Done():
//	        return nil
//	    case unit := <-work:
//	        handle(unit)
//	    }
//	}
type CancelToken struct {
	once sync.Once
	done chan struct{}
}

// NewCancelToken creates an unsignalled token.
func NewCancelToken() *CancelToken {
	return &CancelToken{done: make(chan struct{})}
}

// Cancel signals the token. It is idempotent and safe to call from any
// goroutine; all current and future Done waiters are released.
func (t *CancelToken) Cancel() {
	t.once.Do(func() { close(t.done) })
}

// Done returns a channel that is closed once the token has been cancelled.
func (t *CancelToken) Done() <-chan struct{} {
	return t.done
}

// Cancelled reports whether Cancel has been called.
func (t *CancelToken) Cancelled() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}
