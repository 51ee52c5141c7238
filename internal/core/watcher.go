package core

import (
	"context"
	"errors"
	"time"

	"github.com/SimplyPrint/nfc-wedge/internal/logging"
	"github.com/ebfe/scard"
)

const (
	// DefaultBackoff is the pause between enumerations while no reader is attached.
	DefaultBackoff = 15 * time.Second
	// DefaultWaitTimeout bounds each status-change wait.
	DefaultWaitTimeout = 15 * time.Second
)

// Watcher polls PC/SC readers and invokes a CardHandler once per card
// insertion. It runs on a single goroutine and is not safe for
// concurrent use.
type Watcher struct {
	ctx         SmartCardContext
	handler     CardHandler
	backoff     time.Duration
	waitTimeout time.Duration
	sleep       func(context.Context, time.Duration) error
	observe     func([]string)

	readers       []string
	watchList     []scard.ReaderState
	needEnumerate bool
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithBackoff sets the pause between enumerations while no reader is attached.
func WithBackoff(d time.Duration) Option {
	return func(w *Watcher) { w.backoff = d }
}

// WithWaitTimeout sets the bound on each status-change wait.
func WithWaitTimeout(d time.Duration) Option {
	return func(w *Watcher) { w.waitTimeout = d }
}

// WithSleeper replaces the backoff sleep.
func WithSleeper(sleep func(context.Context, time.Duration) error) Option {
	return func(w *Watcher) { w.sleep = sleep }
}

// WithObserver registers fn to receive the reader list after every enumeration.
func WithObserver(fn func(readers []string)) Option {
	return func(w *Watcher) { w.observe = fn }
}

// NewWatcher creates a Watcher over ctx delivering insertions to handler.
func NewWatcher(ctx SmartCardContext, handler CardHandler, opts ...Option) *Watcher {
	w := &Watcher{
		ctx:         ctx,
		handler:     handler,
		backoff:     DefaultBackoff,
		waitTimeout: DefaultWaitTimeout,
		sleep:       sleepContext,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run polls until ctx is cancelled or a fatal error occurs. It returns
// ctx.Err() on cancellation, otherwise an *EnumerationError or *WaitError.
func (w *Watcher) Run(ctx context.Context) error {
	// Interrupt a blocking GetStatusChange when the caller gives up.
	stop := context.AfterFunc(ctx, func() {
		_ = w.ctx.Cancel()
	})
	defer stop()

	w.needEnumerate = true
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if w.needEnumerate {
			if err := w.syncReaders(ctx); err != nil {
				return err
			}
		}
		if err := w.poll(ctx); err != nil {
			return err
		}
	}
}

// syncReaders enumerates readers, backing off while none are attached,
// and rebuilds the watch list when the set of readers changed.
func (w *Watcher) syncReaders(ctx context.Context) error {
	readers, err := w.listReaders()
	if err != nil {
		return err
	}

	if len(readers) == 0 {
		logging.Info(logging.CatReader, "No readers attached, waiting", map[string]any{
			"retryIn": w.backoff.String(),
		})
		// Forget the old watch list so a reader that comes back starts
		// from a fresh state.
		w.readers = nil
		w.watchList = nil
	}
	for len(readers) == 0 {
		if err := w.sleep(ctx, w.backoff); err != nil {
			return err
		}
		if readers, err = w.listReaders(); err != nil {
			return err
		}
	}

	if !sameReaders(readers, w.readers) {
		w.rebuild(readers)
	}
	w.needEnumerate = false
	return nil
}

func (w *Watcher) listReaders() ([]string, error) {
	readers, err := ListReaders(w.ctx)
	if err != nil {
		return nil, err
	}
	if w.observe != nil {
		w.observe(readers)
	}
	return readers, nil
}

func (w *Watcher) rebuild(readers []string) {
	w.readers = append([]string(nil), readers...)
	w.watchList = make([]scard.ReaderState, len(readers))
	for i, name := range readers {
		w.watchList[i] = scard.ReaderState{
			Reader:       name,
			CurrentState: scard.StateUnaware,
		}
	}
	logging.Info(logging.CatReader, "Watching readers", map[string]any{
		"readers": readers,
	})
}

// poll performs one bounded status-change wait and runs the handler for
// every reader whose card was newly inserted, in watch list order.
func (w *Watcher) poll(ctx context.Context) error {
	err := w.ctx.GetStatusChange(w.watchList, w.waitTimeout)
	switch {
	case err == nil:
	case errors.Is(err, scard.ErrTimeout):
		// Re-enumerate in case a reader was plugged in during the wait.
		w.needEnumerate = true
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	default:
		return &WaitError{Readers: append([]string(nil), w.readers...), Err: err}
	}

	var inserted []string
	for i := range w.watchList {
		rs := &w.watchList[i]
		if isRisingEdge(rs.CurrentState, rs.EventState) {
			inserted = append(inserted, rs.Reader)
		}
		rs.CurrentState = rs.EventState &^ scard.StateChanged
		if rs.CurrentState&(scard.StateUnknown|scard.StateUnavailable) != 0 {
			w.needEnumerate = true
		}
	}

	for _, reader := range inserted {
		logging.Debug(logging.CatCard, "Card inserted", map[string]any{
			"reader": reader,
		})
		if err := w.handler.Transact(w.ctx, reader); err != nil {
			logging.Warn(logging.CatCard, "Failed to read card ID", map[string]any{
				"reader": reader,
				"error":  err.Error(),
			})
		}
	}
	return nil
}

// isRisingEdge reports whether a reader moved into "card present". The
// first observation of a reader (StateUnaware) is a baseline and never
// triggers, so a card already lying on a reader is not re-read. A changed
// PC/SC event counter (upper 16 bits) with the card still present means
// it was removed and reinserted between two waits.
func isRisingEdge(prev, event scard.StateFlag) bool {
	if prev == scard.StateUnaware {
		return false
	}
	if event&scard.StatePresent == 0 {
		return false
	}
	if prev&scard.StatePresent == 0 {
		return true
	}
	return eventCount(prev) != eventCount(event)
}

func eventCount(s scard.StateFlag) uint16 {
	return uint16(s >> 16)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
