package core

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/SimplyPrint/nfc-wedge/internal/logging"
	"github.com/ebfe/scard"
)

// GetUIDCommand is the PC/SC pseudo-APDU that returns the card UID.
var GetUIDCommand = []byte{0xFF, 0xCA, 0x00, 0x00, 0x00}

const cardProtocols = scard.ProtocolT0 | scard.ProtocolT1

// Transactor reads the identifier of a freshly inserted card and hands it
// to a sink. Each call opens and closes exactly one card session.
type Transactor struct {
	sink IdentifierSink
}

// NewTransactor creates a Transactor delivering to sink.
func NewTransactor(sink IdentifierSink) *Transactor {
	return &Transactor{sink: sink}
}

// Transact connects to the card in reader, queries its UID and delivers
// it. Every returned error is a *CardError; none of them are fatal. Once
// connected, the card is always disconnected before Transact returns.
func (t *Transactor) Transact(ctx SmartCardContext, reader string) error {
	card, err := ctx.Connect(reader, scard.ShareShared, cardProtocols)
	if err != nil {
		return &CardError{Reader: reader, Op: "connect", Err: err}
	}
	defer func() {
		if err := card.Disconnect(scard.LeaveCard); err != nil {
			logging.Warn(logging.CatCard, "Failed to disconnect card", map[string]any{
				"reader": reader,
				"error":  err.Error(),
			})
		}
	}()

	uid, err := QueryIdentifier(card)
	if err != nil {
		op := "transmit"
		var se *StatusError
		if errors.As(err, &se) || errors.Is(err, ErrEmptyIdentifier) {
			op = "query"
		}
		return &CardError{Reader: reader, Op: op, Err: err}
	}

	logging.Debug(logging.CatCard, "Card identified", map[string]any{
		"reader": reader,
		"uid":    uid,
	})

	if err := t.sink.Deliver(uid); err != nil {
		return &CardError{Reader: reader, Op: "deliver", Err: err}
	}
	return nil
}

// QueryIdentifier sends GetUIDCommand to a connected card and returns the
// UID as uppercase hex.
func QueryIdentifier(card SmartCard) (string, error) {
	rsp, err := card.Transmit(GetUIDCommand)
	if err != nil {
		return "", fmt.Errorf("failed to transmit get UID command: %w", err)
	}

	// Check response - should end with 90 00 (success)
	if len(rsp) < 2 {
		return "", fmt.Errorf("%w: %d bytes", ErrShortResponse, len(rsp))
	}

	sw1 := rsp[len(rsp)-2]
	sw2 := rsp[len(rsp)-1]
	if sw1 != 0x90 || sw2 != 0x00 {
		return "", &StatusError{SW1: sw1, SW2: sw2}
	}

	// UID is everything except the last 2 bytes (status words)
	uid := rsp[:len(rsp)-2]
	if len(uid) == 0 {
		return "", ErrEmptyIdentifier
	}
	return strings.ToUpper(hex.EncodeToString(uid)), nil
}
