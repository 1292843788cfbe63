// Package ack writes one acknowledgment line per handled event.
package ack

import (
	"context"
	"sync"

	"github.com/projecteru2/core/log"

	"github.com/projecteru2/vmbridge/config"
	"github.com/projecteru2/vmbridge/protocol"
	"github.com/projecteru2/vmbridge/types"
	"github.com/projecteru2/vmbridge/utils"
)

// Relay delivers short acks into the requesting guest.
// control.Client satisfies it.
type Relay interface {
	RingbufWrite(ctx context.Context, socket, chardev, data string) error
}

// Emitter appends ack lines to the ack log and optionally relays them.
type Emitter struct {
	codec *protocol.Codec
	path  string

	relay   Relay
	relayTo config.RelayConfig

	mu sync.Mutex
}

// New creates an Emitter. relay may be nil.
func New(conf *config.Config, codec *protocol.Codec, relay Relay) *Emitter {
	return &Emitter{codec: codec, path: conf.AckLog, relay: relay, relayTo: conf.Relay}
}

// Emit records rec. Only the ack log write can fail; relay errors are logged.
func (e *Emitter) Emit(ctx context.Context, rec types.AckRecord) error {
	logger := log.WithFunc("ack.Emit")
	line := e.codec.FormatAck(rec)

	e.mu.Lock()
	err := utils.AppendLine(e.path, line)
	e.mu.Unlock()
	if err != nil {
		logger.Warnf(ctx, "write ack %q: %v", line, err)
		return err
	}
	logger.Infof(ctx, "%s", line)

	if e.relay != nil && e.relayTo.Enabled() {
		if rerr := e.relay.RingbufWrite(ctx, e.relayTo.Socket, e.relayTo.Chardev, protocol.ShortAck(rec)+"\n"); rerr != nil {
			logger.Warnf(ctx, "relay ack %s to %s: %v", protocol.ShortAck(rec), e.relayTo.Socket, rerr)
		}
	}
	return nil
}
