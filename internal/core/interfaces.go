package core

import (
	"time"

	"github.com/ebfe/scard"
)

// SmartCardContext represents a PC/SC context for listing readers,
// waiting on reader state changes and connecting to cards.
type SmartCardContext interface {
	ListReaders() ([]string, error)
	GetStatusChange(states []scard.ReaderState, timeout time.Duration) error
	Cancel() error
	Connect(reader string, mode scard.ShareMode, proto scard.Protocol) (SmartCard, error)
	Release() error
}

// SmartCard represents a connected smart card for transmitting commands
type SmartCard interface {
	Transmit(cmd []byte) ([]byte, error)
	Disconnect(d scard.Disposition) error
}

// ContextFactory creates SmartCardContext instances
// This allows for dependency injection and mocking in tests
type ContextFactory interface {
	EstablishContext() (SmartCardContext, error)
}

// DefaultContextFactory is the production factory that uses real PC/SC
type DefaultContextFactory struct{}

// CardHandler is invoked by the Watcher for every newly inserted card.
type CardHandler interface {
	Transact(ctx SmartCardContext, reader string) error
}

// IdentifierSink receives card identifiers from the Transactor.
type IdentifierSink interface {
	Deliver(id string) error
}
