package core

import (
	"context"
	"fmt"
	"strings"

	units "github.com/docker/go-units"
	"github.com/spf13/cobra"

	"github.com/projecteru2/vmbridge/config"
	"github.com/projecteru2/vmbridge/control"
	"github.com/projecteru2/vmbridge/protocol"
	"github.com/projecteru2/vmbridge/types"
	"github.com/projecteru2/vmbridge/utils"
)

// BaseHandler provides shared config access for all command handlers.
type BaseHandler struct {
	ConfProvider func() *config.Config
}

// Init returns the command context and validated config in one call.
func (h BaseHandler) Init(cmd *cobra.Command) (context.Context, *config.Config, error) {
	conf, err := h.Conf()
	if err != nil {
		return nil, nil, err
	}
	return CommandContext(cmd), conf, nil
}

// Conf validates and returns the config. All handlers call this first.
func (h BaseHandler) Conf() (*config.Config, error) {
	if h.ConfProvider == nil {
		return nil, fmt.Errorf("config provider is nil")
	}
	conf := h.ConfProvider()
	if conf == nil {
		return nil, fmt.Errorf("config not initialized")
	}
	return conf, nil
}

// CommandContext returns command context, falling back to Background.
func CommandContext(cmd *cobra.Command) context.Context {
	if cmd != nil && cmd.Context() != nil {
		return cmd.Context()
	}
	return context.Background()
}

// Codec builds the line codec from the protocol settings.
func Codec(conf *config.Config) *protocol.Codec {
	p := conf.Protocol
	return protocol.NewCodec(p.EventPrefix, p.LegacyPrefix, p.AckPrefix, p.MaxTextLen)
}

// Control builds the HMP client from the timing settings.
func Control(conf *config.Config) *control.Client {
	return control.New(control.Options{
		DialTimeout: conf.Timing.ControlDial,
		Timeout:     conf.Timing.ControlTimeout,
		Retries:     conf.Timing.ControlRetries,
	})
}

// Target parses a CLI target name and checks that a profile exists for it.
func Target(conf *config.Config, arg string) (types.Target, error) {
	t := types.ParseTarget(arg)
	if _, ok := conf.Profile(t); !ok {
		names := make([]string, 0, len(conf.Profiles))
		for _, n := range conf.Targets() {
			names = append(names, string(n))
		}
		return "", fmt.Errorf("unknown target %q (configured: %s)", arg, strings.Join(names, ", "))
	}
	return t, nil
}

// ReconcileState checks process liveness to flag stale "running" records.
func ReconcileState(rec *types.SessionRecord) string {
	if rec.State.Running() && !utils.IsProcessAlive(rec.PID) {
		return "stopped (stale)"
	}
	return string(rec.State)
}

func FormatSize(bytes int64) string {
	return units.HumanSize(float64(bytes))
}
