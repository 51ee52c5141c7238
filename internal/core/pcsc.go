package core

import (
	"time"

	"github.com/ebfe/scard"
)

// pcscContext adapts *scard.Context to SmartCardContext.
type pcscContext struct {
	ctx *scard.Context
}

// EstablishContext opens a PC/SC context with the platform card service.
func (DefaultContextFactory) EstablishContext() (SmartCardContext, error) {
	ctx, err := scard.EstablishContext()
	if err != nil {
		return nil, err
	}
	return &pcscContext{ctx: ctx}, nil
}

func (c *pcscContext) ListReaders() ([]string, error) {
	return c.ctx.ListReaders()
}

func (c *pcscContext) GetStatusChange(states []scard.ReaderState, timeout time.Duration) error {
	return c.ctx.GetStatusChange(states, timeout)
}

func (c *pcscContext) Cancel() error {
	return c.ctx.Cancel()
}

func (c *pcscContext) Connect(reader string, mode scard.ShareMode, proto scard.Protocol) (SmartCard, error) {
	card, err := c.ctx.Connect(reader, mode, proto)
	if err != nil {
		return nil, err
	}
	return card, nil
}

func (c *pcscContext) Release() error {
	return c.ctx.Release()
}
