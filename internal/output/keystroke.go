package output

import (
	"errors"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/SimplyPrint/nfc-wedge/internal/logging"
)

// MinInjectInterval is the minimum spacing between two injections. Some
// platforms drop or reorder keystrokes that arrive faster.
const MinInjectInterval = 100 * time.Millisecond

// ErrInvalidText is returned for text other than letters, digits, spaces,
// newlines, colons and §.
var ErrInvalidText = errors.New("keystroke text must be alphanumeric (spaces/newlines/colon allowed)")

// KeystrokeSink types each identifier followed by a newline.
type KeystrokeSink struct {
	injector TextInjector

	mu    sync.Mutex
	last  time.Time
	now   func() time.Time
	sleep func(time.Duration)
}

// NewKeystrokeSink creates a sink typing through injector.
func NewKeystrokeSink(injector TextInjector) *KeystrokeSink {
	return &KeystrokeSink{
		injector: injector,
		now:      time.Now,
		sleep:    time.Sleep,
	}
}

func (k *KeystrokeSink) Deliver(id string) error {
	return k.Type(id + "\n")
}

// Type validates text and injects it, waiting MinInjectInterval if the
// previous injection was too recent.
func (k *KeystrokeSink) Type(text string) error {
	if err := ValidateText(text); err != nil {
		return err
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	if !k.last.IsZero() && k.now().Sub(k.last) < MinInjectInterval {
		k.sleep(MinInjectInterval)
	}
	err := k.injector.Inject(text)
	k.last = k.now()

	if err != nil {
		logging.Warn(logging.CatOutput, "Failed to simulate keypress", map[string]any{
			"injector": k.injector.Name(),
			"error":    err.Error(),
		})
		return err
	}
	logging.Debug(logging.CatOutput, "Keystrokes injected", map[string]any{
		"injector": k.injector.Name(),
		"length":   len(text),
	})
	return nil
}

// ValidateText checks that text only contains characters every backend
// can type verbatim.
func ValidateText(text string) error {
	stripped := strings.NewReplacer("\n", "", " ", "", ":", "", "§", "").Replace(text)
	for _, r := range stripped {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			return ErrInvalidText
		}
	}
	return nil
}
