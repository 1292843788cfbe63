package bridge

import (
	"encoding/json"
	"fmt"
	"os"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/projecteru2/core/log"
	"github.com/spf13/cobra"

	"github.com/projecteru2/vmbridge/ack"
	"github.com/projecteru2/vmbridge/bridge"
	cmdcore "github.com/projecteru2/vmbridge/cmd/core"
	"github.com/projecteru2/vmbridge/disk"
	"github.com/projecteru2/vmbridge/eventlog"
	"github.com/projecteru2/vmbridge/hypervisor/qemu"
	"github.com/projecteru2/vmbridge/lock/launch"
	"github.com/projecteru2/vmbridge/presenter"
	storejson "github.com/projecteru2/vmbridge/storage/json"
	"github.com/projecteru2/vmbridge/types"
	"github.com/projecteru2/vmbridge/utils"
)

type Handler struct {
	cmdcore.BaseHandler
}

func (h Handler) Run(cmd *cobra.Command, _ []string) error {
	ctx, conf, err := h.Init(cmd)
	if err != nil {
		return err
	}
	logger := log.WithFunc("cmd.run")
	if err := conf.EnsureDirs(); err != nil {
		return err
	}

	codec := cmdcore.Codec(conf)
	ctl := cmdcore.Control(conf)
	owner := uuid.NewString()
	b, err := bridge.New(conf, bridge.Deps{
		Disks:     disk.New(conf),
		Launcher:  qemu.New(conf),
		Control:   ctl,
		Presenter: presenter.New(conf),
		Acks:      ack.New(conf, codec, ctl),
		Locks:     launch.New(conf, owner),
	})
	if err != nil {
		return err
	}
	defer b.Close()

	fromStart, _ := cmd.Flags().GetBool("from-start")
	reader := eventlog.New(conf, codec)
	if err := reader.Open(ctx, fromStart); err != nil {
		return fmt.Errorf("open event log: %w", err)
	}
	defer reader.Close() //nolint:errcheck

	logger.Infof(ctx, "bridge %s watching %s from offset %d, targets %v", owner, conf.EventLog, reader.Offset(), conf.Targets())
	if err := b.Run(ctx, reader); err != nil {
		return fmt.Errorf("run: %w", err)
	}
	logger.Infof(ctx, "bridge %s stopped", owner)
	return nil
}

func (h Handler) Status(cmd *cobra.Command, args []string) error {
	ctx, conf, err := h.Init(cmd)
	if err != nil {
		return err
	}
	var target types.Target
	if len(args) == 1 {
		if target, err = cmdcore.Target(conf, args[0]); err != nil {
			return err
		}
	}

	var recs []types.SessionRecord
	store := storejson.New[types.SessionIndex](conf.SessionsLock(), conf.SessionsFile())
	if err := store.With(ctx, func(idx *types.SessionIndex) error {
		if target == "" {
			recs = utils.SortedValues(idx.Sessions)
			return nil
		}
		rec, err := utils.LookupCopy(idx.Sessions, string(target))
		if err != nil {
			return fmt.Errorf("session %w", err)
		}
		recs = []types.SessionRecord{rec}
		return nil
	}); err != nil {
		return fmt.Errorf("read sessions: %w", err)
	}

	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(recs)
	}
	if len(recs) == 0 {
		fmt.Println("No sessions recorded.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0) //nolint:mnd
	fmt.Fprintln(w, "TARGET\tSTATE\tPID\tDISPLAY\tDISK\tSIZE\tLAUNCHES\tUPDATED")
	for i := range recs {
		rec := &recs[i]
		pid, display := "-", "-"
		if rec.PID > 0 {
			pid = fmt.Sprint(rec.PID)
			display = rec.DisplayEndpoint
		}
		diskName, size := "-", "-"
		if rec.DiskPath != "" {
			diskName = string(rec.DiskFormat)
			if !rec.Persistent {
				diskName += " (ephemeral)"
			}
			if fi, err := os.Stat(rec.DiskPath); err == nil {
				size = cmdcore.FormatSize(fi.Size())
			}
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
			rec.Target,
			cmdcore.ReconcileState(rec),
			pid,
			display,
			diskName,
			size,
			rec.LaunchCount,
			rec.UpdatedAt.Local().Format(time.DateTime),
		)
	}
	return w.Flush()
}

func (h Handler) Emit(cmd *cobra.Command, args []string) error {
	ctx, conf, err := h.Init(cmd)
	if err != nil {
		return err
	}
	kind := types.EventKind(strings.ToUpper(args[0]))
	if !slices.Contains(types.EventKinds, kind) {
		return fmt.Errorf("unknown event kind %q", args[0])
	}
	target := types.ParseTarget(args[1])
	if target == "" {
		return fmt.Errorf("empty target")
	}

	line := cmdcore.Codec(conf).FormatEvent(target, kind, args[2:]...)
	if err := utils.AppendLine(conf.EventLog, line); err != nil {
		return err
	}
	log.WithFunc("cmd.emit").Infof(ctx, "appended %q to %s", line, conf.EventLog)
	return nil
}

func (h Handler) CursorShow(cmd *cobra.Command, _ []string) error {
	ctx, conf, err := h.Init(cmd)
	if err != nil {
		return err
	}
	cur, err := eventlog.LoadCursor(ctx, conf)
	if err != nil {
		return fmt.Errorf("load cursor: %w", err)
	}
	if cur.Path == "" {
		fmt.Println("No cursor saved; the next run starts at the end of the event log.")
		return nil
	}
	fmt.Printf("path:    %s\noffset:  %d\ninode:   %d\nupdated: %s\n",
		cur.Path, cur.Offset, cur.Inode, cur.UpdatedAt.Local().Format(time.DateTime))
	return nil
}

func (h Handler) CursorReset(cmd *cobra.Command, _ []string) error {
	ctx, conf, err := h.Init(cmd)
	if err != nil {
		return err
	}
	if err := eventlog.ResetCursor(ctx, conf); err != nil {
		return fmt.Errorf("reset cursor: %w", err)
	}
	log.WithFunc("cmd.cursor").Infof(ctx, "cursor reset to the start of %s", conf.EventLog)
	return nil
}
