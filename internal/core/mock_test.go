package core

import (
	"encoding/hex"
	"errors"
	"sync"
	"time"

	"github.com/ebfe/scard"
)

// errScriptDone ends a watcher test once the scripted waits run out.
var errScriptDone = errors.New("mock: status script exhausted")

// listResult is one scripted ListReaders answer.
type listResult struct {
	names []string
	err   error
}

// statusStep scripts one GetStatusChange call.
type statusStep func(states []scard.ReaderState) error

// MockSmartCardContext implements SmartCardContext for testing
type MockSmartCardContext struct {
	mu sync.Mutex

	lists []listResult // consumed in order, the last one repeats
	steps []statusStep // consumed in order, errScriptDone afterwards

	cards      map[string]*MockSmartCard
	connectErr error
	releaseErr error

	calls    []string              // "list", "wait", "connect:<reader>"
	waits    [][]scard.ReaderState // watch list as passed to each wait
	timeouts []time.Duration
	connects []string
	modes    []scard.ShareMode
	protos   []scard.Protocol
	releases int

	cancelOnce sync.Once
	cancelled  chan struct{}
}

// NewMockContext creates a new mock context with predefined readers
func NewMockContext(readers ...string) *MockSmartCardContext {
	return &MockSmartCardContext{
		lists:     []listResult{{names: readers}},
		cards:     make(map[string]*MockSmartCard),
		cancelled: make(chan struct{}),
	}
}

// WithReaderScript replaces the ListReaders answers
func (m *MockSmartCardContext) WithReaderScript(results ...listResult) *MockSmartCardContext {
	m.lists = results
	return m
}

// WithSteps sets the scripted GetStatusChange behaviour
func (m *MockSmartCardContext) WithSteps(steps ...statusStep) *MockSmartCardContext {
	m.steps = steps
	return m
}

// WithCard adds a mock card to a specific reader
func (m *MockSmartCardContext) WithCard(readerName string, card *MockSmartCard) *MockSmartCardContext {
	m.cards[readerName] = card
	return m
}

func (m *MockSmartCardContext) ListReaders() ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, "list")
	r := m.lists[0]
	if len(m.lists) > 1 {
		m.lists = m.lists[1:]
	}
	if r.err != nil {
		return nil, r.err
	}
	return append([]string(nil), r.names...), nil
}

func (m *MockSmartCardContext) GetStatusChange(states []scard.ReaderState, timeout time.Duration) error {
	m.mu.Lock()
	m.calls = append(m.calls, "wait")
	snapshot := make([]scard.ReaderState, len(states))
	copy(snapshot, states)
	m.waits = append(m.waits, snapshot)
	m.timeouts = append(m.timeouts, timeout)

	if len(m.steps) == 0 {
		m.mu.Unlock()
		return errScriptDone
	}
	step := m.steps[0]
	m.steps = m.steps[1:]
	m.mu.Unlock()

	// Unchanged readers report their current state back
	for i := range states {
		states[i].EventState = states[i].CurrentState
	}
	return step(states)
}

func (m *MockSmartCardContext) Cancel() error {
	m.cancelOnce.Do(func() { close(m.cancelled) })
	return nil
}

func (m *MockSmartCardContext) Connect(reader string, mode scard.ShareMode, proto scard.Protocol) (SmartCard, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, "connect:"+reader)
	m.connects = append(m.connects, reader)
	m.modes = append(m.modes, mode)
	m.protos = append(m.protos, proto)

	if m.connectErr != nil {
		return nil, m.connectErr
	}
	card, ok := m.cards[reader]
	if !ok {
		return nil, scard.ErrNoSmartcard
	}
	return card, nil
}

func (m *MockSmartCardContext) Release() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.releases++
	return m.releaseErr
}

func (m *MockSmartCardContext) callLog() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

// events sets the given readers to state|StateChanged for one wait.
func events(changes map[string]scard.StateFlag) statusStep {
	return func(states []scard.ReaderState) error {
		for i := range states {
			if s, ok := changes[states[i].Reader]; ok {
				states[i].EventState = s | scard.StateChanged
			}
		}
		return nil
	}
}

// timeoutStep makes a wait expire without changes.
func timeoutStep() statusStep {
	return func([]scard.ReaderState) error { return scard.ErrTimeout }
}

// failStep makes a wait fail with err.
func failStep(err error) statusStep {
	return func([]scard.ReaderState) error { return err }
}

// withCount stores a PC/SC event counter in the upper 16 bits.
func withCount(s scard.StateFlag, count uint16) scard.StateFlag {
	return s | scard.StateFlag(count)<<16
}

// MockSmartCard implements SmartCard for testing
type MockSmartCard struct {
	mu            sync.Mutex
	responses     map[string][]byte // command hex -> response
	transmitErr   error
	disconnectErr error
	transmits     int
	disconnects   int
	disposition   scard.Disposition
}

// NewMockCard creates a mock card answering GET UID with uid and 90 00
func NewMockCard(uid []byte) *MockSmartCard {
	card := &MockSmartCard{
		responses: make(map[string][]byte),
	}
	rsp := append(append([]byte{}, uid...), 0x90, 0x00)
	card.responses[hex.EncodeToString(GetUIDCommand)] = rsp
	return card
}

// WithResponse overrides the raw response to the GET UID command
func (m *MockSmartCard) WithResponse(rsp []byte) *MockSmartCard {
	m.responses[hex.EncodeToString(GetUIDCommand)] = rsp
	return m
}

func (m *MockSmartCard) Transmit(cmd []byte) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.transmits++
	if m.transmitErr != nil {
		return nil, m.transmitErr
	}
	rsp, ok := m.responses[hex.EncodeToString(cmd)]
	if !ok {
		return []byte{0x6D, 0x00}, nil // INS not supported
	}
	return append([]byte(nil), rsp...), nil
}

func (m *MockSmartCard) Disconnect(d scard.Disposition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disconnects++
	m.disposition = d
	return m.disconnectErr
}

func (m *MockSmartCard) disconnectCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.disconnects
}

// recordingSink collects delivered identifiers
type recordingSink struct {
	mu  sync.Mutex
	ids []string
	err error
}

func (s *recordingSink) Deliver(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ids = append(s.ids, id)
	return s.err
}

func (s *recordingSink) delivered() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.ids...)
}

// mockFactory returns a prepared context or an error
type mockFactory struct {
	ctx *MockSmartCardContext
	err error
}

func (f mockFactory) EstablishContext() (SmartCardContext, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.ctx, nil
}
