// Package bridge is the lifecycle controller. It owns one session per
// configured target, applies debounce, launch locking and runaway protection,
// drives the disk, launcher, control and presenter components, and answers
// every event with exactly one acknowledgment.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/projecteru2/core/log"
	"golang.org/x/sync/errgroup"

	"github.com/projecteru2/vmbridge/config"
	"github.com/projecteru2/vmbridge/disk"
	"github.com/projecteru2/vmbridge/hypervisor"
	"github.com/projecteru2/vmbridge/presenter"
	"github.com/projecteru2/vmbridge/storage"
	storejson "github.com/projecteru2/vmbridge/storage/json"
	"github.com/projecteru2/vmbridge/types"
)

const (
	laneDepth       = 64
	shutdownTimeout = 2 * time.Minute
)

// Source yields events; eventlog.Reader implements it.
type Source interface {
	Next(ctx context.Context) (types.Event, error)
}

// Provisioner prepares guest disks; disk.Provisioner implements it.
type Provisioner interface {
	Ensure(ctx context.Context, spec disk.Spec) (*disk.Result, error)
	HasSnapshot(ctx context.Context, spec disk.Spec, tag string) (bool, error)
	Remove(path string) error
}

// Controller drives a VMM through its control socket; control.Client implements it.
type Controller interface {
	SendKey(ctx context.Context, socket, spec string) error
	SendText(ctx context.Context, socket, text string, enter bool) error
	PointerMove(ctx context.Context, socket string, x, y float64) error
	Click(ctx context.Context, socket, button string) error
	PowerDown(ctx context.Context, socket string) error
	SaveState(ctx context.Context, socket, tag string) error
	Quit(ctx context.Context, socket string) error
}

// Presenter attaches viewers; presenter.Manager implements it.
type Presenter interface {
	Available() bool
	Attach(ctx context.Context, target types.Target, endpoint string) (*presenter.Viewer, error)
	Detach(ctx context.Context, v *presenter.Viewer) error
	Adopt(pid int, name, endpoint string) *presenter.Viewer
}

// Acker records acknowledgments; ack.Emitter implements it.
type Acker interface {
	Emit(ctx context.Context, rec types.AckRecord) error
}

// LaunchLocker serializes launches per target; launch.Lock implements it.
type LaunchLocker interface {
	Acquire(ctx context.Context, target types.Target) error
	Release(ctx context.Context, target types.Target) error
}

// Deps are the components a Bridge drives.
type Deps struct {
	Disks     Provisioner
	Launcher  hypervisor.Launcher
	Control   Controller
	Presenter Presenter
	Acks      Acker
	Locks     LaunchLocker
}

// Bridge is the lifecycle controller.
type Bridge struct {
	conf *config.Config
	Deps
	store storage.Store[types.SessionIndex]
	pool  *ants.Pool
	now   func() time.Time

	// sessions is fixed at construction; each Session guards itself.
	sessions map[types.Target]*Session
}

// New creates a Bridge with one stopped session per configured profile.
func New(conf *config.Config, deps Deps) (*Bridge, error) {
	pool, err := ants.NewPool(conf.PoolSize)
	if err != nil {
		return nil, fmt.Errorf("create ants pool: %w", err)
	}
	b := &Bridge{
		conf:     conf,
		Deps:     deps,
		store:    storejson.New[types.SessionIndex](conf.SessionsLock(), conf.SessionsFile()),
		pool:     pool,
		now:      time.Now,
		sessions: make(map[types.Target]*Session),
	}
	for _, t := range conf.Targets() {
		prof, _ := conf.Profile(t)
		b.sessions[t] = newSession(t, prof)
	}
	return b, nil
}

// Close releases the worker pool.
func (b *Bridge) Close() {
	_ = b.pool.ReleaseTimeout(time.Second)
}

// Run reconciles leftovers from a previous run, prewarms hidden instances and
// then serves events until ctx is done. Events for one target are handled in
// order on that target's lane; different targets proceed in parallel. On exit
// every running VM is stopped.
func (b *Bridge) Run(ctx context.Context, src Source) error {
	logger := log.WithFunc("bridge.Run")

	if err := b.Reconcile(ctx); err != nil {
		logger.Warnf(ctx, "reconcile: %v", err)
	}
	b.Prewarm(ctx)

	g, gctx := errgroup.WithContext(ctx)
	lanes := make(map[types.Target]chan types.Event)
	readErr := b.read(gctx, src, func(ev types.Event) {
		lane, ok := lanes[ev.Target]
		if !ok {
			lane = make(chan types.Event, laneDepth)
			lanes[ev.Target] = lane
			g.Go(func() error {
				b.drain(gctx, lane)
				return nil
			})
		}
		select {
		case lane <- ev:
		case <-gctx.Done():
			b.emit(context.WithoutCancel(gctx), types.Err(ev, ReasonShuttingDown))
		}
	})
	for _, lane := range lanes {
		close(lane)
	}
	_ = g.Wait()

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := b.StopAll(stopCtx); err != nil {
		logger.Warnf(stopCtx, "stop all: %v", err)
	}
	if readErr != nil && !errors.Is(readErr, context.Canceled) {
		return readErr
	}
	return nil
}

// read pulls events until src fails. Events for unknown targets are answered
// here since no lane will ever serve them.
func (b *Bridge) read(ctx context.Context, src Source, route func(types.Event)) error {
	for {
		ev, err := src.Next(ctx)
		if err != nil {
			return err
		}
		log.WithFunc("bridge.read").Debugf(ctx, "event %s %q", ev.Operation(), ev.Raw)
		if _, ok := b.sessions[ev.Target]; !ok {
			b.emit(ctx, types.Err(ev, ReasonUnknownTarget))
			continue
		}
		route(ev)
	}
}

func (b *Bridge) drain(ctx context.Context, lane <-chan types.Event) {
	for ev := range lane {
		if ctx.Err() != nil {
			b.emit(context.WithoutCancel(ctx), types.Err(ev, ReasonShuttingDown))
			continue
		}
		b.Handle(ctx, ev)
	}
}

// Handle processes one event and emits its acknowledgment.
func (b *Bridge) Handle(ctx context.Context, ev types.Event) types.AckRecord {
	rec := b.process(ctx, ev)
	b.emit(ctx, rec)
	return rec
}

func (b *Bridge) emit(ctx context.Context, rec types.AckRecord) {
	if err := b.Acks.Emit(ctx, rec); err != nil {
		log.WithFunc("bridge.emit").Warnf(ctx, "ack %s:%s:%s lost: %v", rec.Operation, rec.Status, rec.Detail, err)
	}
}

func (b *Bridge) process(ctx context.Context, ev types.Event) (rec types.AckRecord) {
	logger := log.WithFunc("bridge.process")
	if ev.Invalid != "" {
		logger.Infof(ctx, "%s rejected: %s", ev.Operation(), ev.Invalid)
		return types.Err(ev, ev.Invalid)
	}
	s, ok := b.sessions[ev.Target]
	if !ok {
		return types.Err(ev, ReasonUnknownTarget)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	defer func() {
		if r := recover(); r != nil {
			logger.Warnf(ctx, "%s: handler panicked: %v", ev.Operation(), r)
			b.settle(ctx, s)
			rec = types.Err(ev, ReasonInternal)
		}
	}()

	switch ev.Kind {
	case types.EventShow:
		return b.show(ctx, s, ev)
	case types.EventHide:
		return b.hide(ctx, s, ev)
	case types.EventShutdown:
		return b.shutdown(ctx, s, ev)
	case types.EventSendText, types.EventSendKey, types.EventPointerMove, types.EventClick:
		return b.input(ctx, s, ev)
	default:
		return types.Err(ev, ReasonInternal)
	}
}

// Sessions returns detached snapshots of every session, sorted by target.
func (b *Bridge) Sessions() []types.SessionRecord {
	out := make([]types.SessionRecord, 0, len(b.sessions))
	for _, t := range b.conf.Targets() {
		s := b.sessions[t]
		s.mu.Lock()
		out = append(out, s.record(b.now()))
		s.mu.Unlock()
	}
	return out
}

// forEach runs fn for every session on the worker pool and joins the errors.
func (b *Bridge) forEach(ctx context.Context, op string, fn func(context.Context, *Session) error) error {
	logger := log.WithFunc("bridge." + op)
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, t := range b.conf.Targets() {
		s := b.sessions[t]
		wg.Add(1)
		if err := b.pool.Submit(func() {
			defer wg.Done()
			if err := fn(ctx, s); err != nil {
				logger.Warnf(ctx, "%s %s: %v", op, s.Target, err)
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", s.Target, err))
				mu.Unlock()
			}
		}); err != nil {
			wg.Done()
			mu.Lock()
			errs = append(errs, fmt.Errorf("submit %s: %w", s.Target, err))
			mu.Unlock()
		}
	}
	wg.Wait()
	return errors.Join(errs...)
}
