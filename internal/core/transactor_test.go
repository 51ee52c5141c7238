package core

import (
	"errors"
	"testing"

	"github.com/ebfe/scard"
)

const testReader = "ACS ACR122U PICC Interface"

func TestTransact_DeliversUppercaseHex(t *testing.T) {
	card := NewMockCard([]byte{0x04, 0xA1, 0xB2, 0xC3})
	ctx := NewMockContext(testReader).WithCard(testReader, card)
	sink := &recordingSink{}

	if err := NewTransactor(sink).Transact(ctx, testReader); err != nil {
		t.Fatalf("Transact returned error: %v", err)
	}

	got := sink.delivered()
	if len(got) != 1 || got[0] != "04A1B2C3" {
		t.Errorf("expected [04A1B2C3], got %v", got)
	}
	if ctx.modes[0] != scard.ShareShared {
		t.Errorf("expected shared mode, got %v", ctx.modes[0])
	}
	if ctx.protos[0] != scard.ProtocolT0|scard.ProtocolT1 {
		t.Errorf("expected T=0|T=1, got %v", ctx.protos[0])
	}
	if card.disconnectCount() != 1 {
		t.Errorf("expected 1 disconnect, got %d", card.disconnectCount())
	}
	if card.disposition != scard.LeaveCard {
		t.Errorf("expected LeaveCard disposition, got %v", card.disposition)
	}
}

func TestTransact_StatusTrailerFailure(t *testing.T) {
	card := NewMockCard(nil).WithResponse([]byte{0x6A, 0x82})
	ctx := NewMockContext(testReader).WithCard(testReader, card)
	sink := &recordingSink{}

	err := NewTransactor(sink).Transact(ctx, testReader)
	if err == nil {
		t.Fatal("expected error for 6A 82 trailer")
	}

	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("expected StatusError, got %T: %v", err, err)
	}
	if se.SW1 != 0x6A || se.SW2 != 0x82 {
		t.Errorf("expected 6A 82, got %02X %02X", se.SW1, se.SW2)
	}
	if len(sink.delivered()) != 0 {
		t.Errorf("expected no delivery, got %v", sink.delivered())
	}
	if card.disconnectCount() != 1 {
		t.Errorf("expected 1 disconnect, got %d", card.disconnectCount())
	}
}

func TestTransact_FailureBranches(t *testing.T) {
	errTransmit := errors.New("transmit failed")
	errSink := errors.New("injector exploded")

	tests := []struct {
		name            string
		setup           func(ctx *MockSmartCardContext, card *MockSmartCard, sink *recordingSink)
		wantOp          string
		wantErr         error
		wantDisconnects int
		wantDelivered   int
	}{
		{
			name: "connect failure",
			setup: func(ctx *MockSmartCardContext, _ *MockSmartCard, _ *recordingSink) {
				ctx.connectErr = scard.ErrNoSmartcard
			},
			wantOp:          "connect",
			wantErr:         scard.ErrNoSmartcard,
			wantDisconnects: 0,
		},
		{
			name: "transmit failure",
			setup: func(_ *MockSmartCardContext, card *MockSmartCard, _ *recordingSink) {
				card.transmitErr = errTransmit
			},
			wantOp:          "transmit",
			wantErr:         errTransmit,
			wantDisconnects: 1,
		},
		{
			name: "short response",
			setup: func(_ *MockSmartCardContext, card *MockSmartCard, _ *recordingSink) {
				card.WithResponse([]byte{0x90})
			},
			wantOp:          "transmit",
			wantErr:         ErrShortResponse,
			wantDisconnects: 1,
		},
		{
			name: "empty identifier",
			setup: func(_ *MockSmartCardContext, card *MockSmartCard, _ *recordingSink) {
				card.WithResponse([]byte{0x90, 0x00})
			},
			wantOp:          "query",
			wantErr:         ErrEmptyIdentifier,
			wantDisconnects: 1,
		},
		{
			name: "delivery failure",
			setup: func(_ *MockSmartCardContext, _ *MockSmartCard, sink *recordingSink) {
				sink.err = errSink
			},
			wantOp:          "deliver",
			wantErr:         errSink,
			wantDisconnects: 1,
			wantDelivered:   1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			card := NewMockCard([]byte{0x04, 0x42, 0x48, 0x8A})
			ctx := NewMockContext(testReader).WithCard(testReader, card)
			sink := &recordingSink{}
			tt.setup(ctx, card, sink)

			err := NewTransactor(sink).Transact(ctx, testReader)

			var ce *CardError
			if !errors.As(err, &ce) {
				t.Fatalf("expected CardError, got %T: %v", err, err)
			}
			if ce.Op != tt.wantOp {
				t.Errorf("expected op %q, got %q", tt.wantOp, ce.Op)
			}
			if ce.Reader != testReader {
				t.Errorf("expected reader %q, got %q", testReader, ce.Reader)
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v in chain, got %v", tt.wantErr, err)
			}
			if IsFatal(err) {
				t.Error("card errors must not be fatal")
			}
			if got := card.disconnectCount(); got != tt.wantDisconnects {
				t.Errorf("expected %d disconnects, got %d", tt.wantDisconnects, got)
			}
			if got := len(sink.delivered()); got != tt.wantDelivered {
				t.Errorf("expected %d deliveries, got %d", tt.wantDelivered, got)
			}
		})
	}
}

func TestTransact_DisconnectFailureIsNotRaised(t *testing.T) {
	card := NewMockCard([]byte{0x93, 0x2B, 0xAE, 0x0E})
	card.disconnectErr = scard.ErrRemovedCard
	ctx := NewMockContext(testReader).WithCard(testReader, card)
	sink := &recordingSink{}

	if err := NewTransactor(sink).Transact(ctx, testReader); err != nil {
		t.Fatalf("disconnect failure should not be returned, got %v", err)
	}
	if got := sink.delivered(); len(got) != 1 || got[0] != "932BAE0E" {
		t.Errorf("expected [932BAE0E], got %v", got)
	}
	if card.disconnectCount() != 1 {
		t.Errorf("expected 1 disconnect, got %d", card.disconnectCount())
	}
}

func TestQueryIdentifier_Idempotent(t *testing.T) {
	card := NewMockCard([]byte{0x04, 0x63, 0x5D, 0x6B, 0xC2, 0x2A, 0x81})

	first, err := QueryIdentifier(card)
	if err != nil {
		t.Fatalf("first query failed: %v", err)
	}
	second, err := QueryIdentifier(card)
	if err != nil {
		t.Fatalf("second query failed: %v", err)
	}

	if first != second {
		t.Errorf("queries differ: %q vs %q", first, second)
	}
	if first != "04635D6BC22A81" {
		t.Errorf("expected 04635D6BC22A81, got %q", first)
	}
	if card.transmits != 2 {
		t.Errorf("expected 2 transmits, got %d", card.transmits)
	}
}

func TestGetUIDCommand(t *testing.T) {
	want := []byte{0xFF, 0xCA, 0x00, 0x00, 0x00}
	if string(GetUIDCommand) != string(want) {
		t.Errorf("GetUIDCommand = % X, want % X", GetUIDCommand, want)
	}
}
