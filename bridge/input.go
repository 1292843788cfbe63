package bridge

import (
	"context"
	"errors"

	"github.com/projecteru2/core/log"

	"github.com/projecteru2/vmbridge/control"
	"github.com/projecteru2/vmbridge/protocol"
	"github.com/projecteru2/vmbridge/types"
)

// input relays keyboard and pointer events. Relay failures never change the
// session state unless they reveal that the VMM is gone.
func (b *Bridge) input(ctx context.Context, s *Session, ev types.Event) types.AckRecord {
	logger := log.WithFunc("bridge.input")
	b.observe(ctx, s)
	if !s.State.Running() || s.Process == nil {
		return types.Err(ev, ReasonNotRunning)
	}

	socket := s.Process.SocketPath
	var err error
	switch ev.Kind {
	case types.EventSendText:
		if _, kerr := control.TextToKeys(ev.Text); kerr != nil {
			return types.Err(ev, protocol.ReasonInvalidPayload)
		}
		err = b.Control.SendText(ctx, socket, ev.Text, false)
	case types.EventSendKey:
		if _, kerr := control.NormalizeKey(ev.Key); kerr != nil {
			return types.Err(ev, protocol.ReasonInvalidArgs)
		}
		err = b.Control.SendKey(ctx, socket, ev.Key)
	case types.EventPointerMove:
		err = b.Control.PointerMove(ctx, socket, ev.X, ev.Y)
	case types.EventClick:
		err = b.Control.Click(ctx, socket, ev.Button)
	default:
		return types.Err(ev, ReasonInternal)
	}
	if err == nil {
		return types.OK(ev, DetailSent)
	}

	logger.Warnf(ctx, "%s: %v", ev.Operation(), err)
	switch {
	case errors.Is(err, control.ErrTimeout):
		return types.Err(ev, ReasonControlTimeout)
	case errors.Is(err, control.ErrRejected):
		return types.Err(ev, ReasonControlRejected)
	case errors.Is(err, control.ErrUnreachable):
		if !s.alive() {
			b.teardown(ctx, s)
			return types.Err(ev, ReasonNotRunning)
		}
		return types.Err(ev, ReasonControlUnreachable)
	default:
		return types.Err(ev, ReasonInternal)
	}
}
