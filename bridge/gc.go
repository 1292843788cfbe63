package bridge

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/projecteru2/vmbridge/config"
	"github.com/projecteru2/vmbridge/gc"
	"github.com/projecteru2/vmbridge/lock/flock"
	storejson "github.com/projecteru2/vmbridge/storage/json"
	"github.com/projecteru2/vmbridge/types"
	"github.com/projecteru2/vmbridge/utils"
)

const (
	gcModule     = "sessions"
	orphanPrefix = "orphan/"
	stalePrefix  = "stale/"
)

type gcSnapshot struct {
	configured map[string]struct{}
	sessions   map[string]types.SessionRecord
	dirs       []string            // subdirectories of RunDir and LogDir
	leftovers  map[string][]string // configured target -> runtime files present
}

// GCModule returns the GC module that cleans runtime leftovers: directories of
// targets no longer configured, and sockets, pidfiles and ephemeral disks of
// targets whose VMM is gone. It holds the sessions DB lock for the cycle, so
// a running bridge cannot change session state underneath it.
func GCModule(conf *config.Config) gc.Module[gcSnapshot] {
	store := storejson.New[types.SessionIndex](conf.SessionsLock(), conf.SessionsFile())
	return gc.Module[gcSnapshot]{
		Name:   gcModule,
		Locker: flock.New(conf.SessionsLock()),
		ReadDB: func(context.Context) (gcSnapshot, error) {
			snap := gcSnapshot{
				configured: make(map[string]struct{}),
				sessions:   make(map[string]types.SessionRecord),
				leftovers:  make(map[string][]string),
			}
			if err := store.Read(func(idx *types.SessionIndex) error {
				for k, v := range idx.Sessions {
					if v != nil {
						snap.sessions[k] = *v
					}
				}
				return nil
			}); err != nil {
				return snap, err
			}
			for _, t := range conf.Targets() {
				snap.configured[string(t)] = struct{}{}
				snap.leftovers[string(t)] = runtimeFiles(conf, t)
			}
			snap.dirs = append(utils.ScanSubdirs(conf.RunDir), utils.ScanSubdirs(conf.LogDir)...)
			return snap, nil
		},
		Resolve: func(snap gcSnapshot, _ map[string]any) []string {
			// db and disks live under RootDir, which may double as RunDir.
			reserved := map[string]struct{}{"db": {}, "disks": {}}
			var ids []string
			for _, d := range snap.dirs {
				_, known := snap.configured[d]
				_, res := reserved[d]
				if !known && !res {
					ids = append(ids, orphanPrefix+d)
				}
			}
			for t := range snap.configured {
				if len(snap.leftovers[t]) > 0 && vmmGone(snap.sessions, t) {
					ids = append(ids, stalePrefix+t)
				}
			}
			slices.Sort(ids)
			return slices.Compact(ids)
		},
		Collect: func(_ context.Context, ids []string) error {
			var errs []error
			for _, id := range ids {
				if name, ok := strings.CutPrefix(id, orphanPrefix); ok {
					errs = append(errs, removeOrphan(conf, name))
					continue
				}
				if t, ok := strings.CutPrefix(id, stalePrefix); ok {
					for _, f := range runtimeFiles(conf, types.Target(t)) {
						errs = append(errs, utils.RemoveIfExists(f))
					}
				}
			}
			errs = append(errs, store.Write(func(idx *types.SessionIndex) error {
				for _, id := range ids {
					if name, ok := strings.CutPrefix(id, orphanPrefix); ok {
						delete(idx.Sessions, name)
					} else if t, ok := strings.CutPrefix(id, stalePrefix); ok {
						markStopped(idx.Sessions[t])
					}
				}
				return nil
			}))
			return errors.Join(errs...)
		},
	}
}

// RegisterGC registers the bridge's GC module with the given Orchestrator.
func RegisterGC(o *gc.Orchestrator, conf *config.Config) {
	gc.Register(o, GCModule(conf))
}

// runtimeFiles lists the per-launch files of target that currently exist.
func runtimeFiles(conf *config.Config, t types.Target) []string {
	candidates := []string{conf.MonitorSocket(t), conf.PIDFile(t)}
	if prof, ok := conf.Profile(t); ok && !prof.Persistent {
		candidates = append(candidates, conf.DiskPath(t, types.DiskFormat(prof.DiskFormat), false))
	}
	var out []string
	for _, f := range candidates {
		if _, err := os.Lstat(f); err == nil {
			out = append(out, f)
		}
	}
	return out
}

// vmmGone reports whether t has no VMM that could still own its runtime files.
// Sessions caught mid launch or mid stop are left alone.
func vmmGone(sessions map[string]types.SessionRecord, t string) bool {
	rec, ok := sessions[t]
	if !ok {
		return true
	}
	switch {
	case rec.State == types.SessionStopped:
		return true
	case rec.State.Running():
		return !utils.IsProcessAlive(rec.PID)
	default:
		return false
	}
}

func markStopped(rec *types.SessionRecord) {
	if rec == nil || !rec.State.Running() {
		return
	}
	rec.State = types.SessionStopped
	rec.PID, rec.ViewerPID = 0, 0
	rec.ViewerName = ""
	rec.SocketPath, rec.DisplayEndpoint = "", ""
	rec.Visible = false
	if !rec.Persistent {
		rec.DiskPath = ""
	}
}

func removeOrphan(conf *config.Config, name string) error {
	var errs []error
	for _, dir := range []string{filepath.Join(conf.RunDir, name), filepath.Join(conf.LogDir, name)} {
		if err := os.RemoveAll(dir); err != nil {
			errs = append(errs, fmt.Errorf("remove %s: %w", dir, err))
		}
	}
	return errors.Join(errs...)
}
