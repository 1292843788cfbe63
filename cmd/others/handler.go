package others

import (
	"fmt"

	"github.com/projecteru2/core/log"
	"github.com/spf13/cobra"

	"github.com/projecteru2/vmbridge/bridge"
	cmdcore "github.com/projecteru2/vmbridge/cmd/core"
	"github.com/projecteru2/vmbridge/gc"
	"github.com/projecteru2/vmbridge/version"
)

type Handler struct {
	cmdcore.BaseHandler
}

func (h Handler) GC(cmd *cobra.Command, _ []string) error {
	ctx, conf, err := h.Init(cmd)
	if err != nil {
		return err
	}
	logger := log.WithFunc("cmd.gc")

	o := gc.New()
	bridge.RegisterGC(o, conf)
	collected, err := o.Run(ctx)
	for module, ids := range collected {
		for _, id := range ids {
			logger.Infof(ctx, "%s: removed %s", module, id)
		}
	}
	if err != nil {
		return fmt.Errorf("gc: %w", err)
	}
	if len(collected) == 0 {
		fmt.Println("Nothing to collect.")
	}
	return nil
}

func (Handler) Version(cmd *cobra.Command, _ []string) error {
	if short, _ := cmd.Flags().GetBool("short"); short {
		fmt.Println(version.Version)
		return nil
	}
	fmt.Print(version.String())
	return nil
}
