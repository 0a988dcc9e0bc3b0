// Package gateway delivers fired calls to their owners. The engine only
// knows the Gateway interface; concrete transports live behind it.
package gateway

import (
	"context"
	"errors"

	"callbot/pkg/logx"
)

// ErrNotConfigured means the owner has no usable delivery target yet.
var ErrNotConfigured = errors.New("owner has no delivery target configured")

// Gateway pushes one notification to one owner. Implementations must be
// safe for concurrent use.
type Gateway interface {
	Send(ctx context.Context, ownerID int64, message string) error
}

// Func adapts a plain function to Gateway. Handy in tests.
type Func func(ctx context.Context, ownerID int64, message string) error

func (f Func) Send(ctx context.Context, ownerID int64, message string) error {
	return f(ctx, ownerID, message)
}

// Composite sends through the voice gateway and optionally mirrors the
// message as a chat text. Voice is the primary channel: its error is the
// result. A text mirror failure is only logged.
type Composite struct {
	Voice Gateway
	Text  Gateway
	// WantText reports whether the owner opted into the text copy.
	WantText func(ctx context.Context, ownerID int64) bool
	Log      logx.Logger
}

func (c *Composite) Send(ctx context.Context, ownerID int64, message string) error {
	err := c.Voice.Send(ctx, ownerID, message)

	if c.Text != nil && c.WantText != nil && c.WantText(ctx, ownerID) {
		if terr := c.Text.Send(ctx, ownerID, message); terr != nil {
			c.Log.Warn("text copy failed",
				logx.Int64("owner_id", ownerID), logx.Err(terr))
		}
	}
	return err
}
