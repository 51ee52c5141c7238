package core

import (
	"sync"

	"github.com/SimplyPrint/nfc-wedge/internal/logging"
)

// Transport owns the PC/SC context for the lifetime of the process.
// Release may be called any number of times; only the first call
// releases the context.
type Transport struct {
	ctx  SmartCardContext
	once sync.Once
	err  error
}

// Acquire establishes the PC/SC context. A nil factory uses real PC/SC.
func Acquire(factory ContextFactory) (*Transport, error) {
	if factory == nil {
		factory = DefaultContextFactory{}
	}

	ctx, err := factory.EstablishContext()
	if err != nil {
		// Log the error for diagnostics - this usually means pcscd is not running
		logging.Error(logging.CatReader, "Failed to establish PC/SC context - is pcscd running?", map[string]any{
			"error": err.Error(),
			"hint":  "On Linux, ensure pcscd is installed and running: sudo systemctl status pcscd",
		})
		return nil, &ContextError{Op: "establish", Err: err}
	}

	logging.Debug(logging.CatReader, "PC/SC context established", nil)
	return &Transport{ctx: ctx}, nil
}

// Context returns the underlying PC/SC context.
func (t *Transport) Context() SmartCardContext {
	return t.ctx
}

// Release releases the PC/SC context exactly once and returns the result
// of that release on every call.
func (t *Transport) Release() error {
	t.once.Do(func() {
		if err := t.ctx.Release(); err != nil {
			logging.Error(logging.CatReader, "Failed to release PC/SC context", map[string]any{
				"error": err.Error(),
			})
			t.err = &ContextError{Op: "release", Err: err}
			return
		}
		logging.Debug(logging.CatReader, "PC/SC context released", nil)
	})
	return t.err
}
