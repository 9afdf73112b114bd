// Package bg runs lcfs's three background threads: the syncer, the
// flusher and the cleaner, supervised under one errgroup so the first
// fatal error cancels the other two. cmd/lcfsd starts a Supervisor at
// daemon startup and cancels its context at shutdown.
package bg

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lcfs-project/lcfs/internal/device"
	"github.com/lcfs-project/lcfs/internal/inode"
	"github.com/lcfs-project/lcfs/internal/lclog"
	"github.com/lcfs-project/lcfs/internal/layer"
	"github.com/lcfs-project/lcfs/internal/memtrack"
)

// Config controls which background threads Supervisor.Run starts and how
// often each ticks. A zero Interval disables that thread.
type Config struct {
	Manager *layer.Manager
	Dev     *device.Device

	// Tracker, when non-nil, gates the cleaner: reservations are only
	// reclaimed under memory pressure, and waiters blocked in
	// Tracker.Wait are woken after each reclaim pass.
	Tracker *memtrack.Tracker

	// TotalBlocks is the device's size, recorded in the global
	// superblock at each checkpoint.
	TotalBlocks uint64

	SyncInterval    time.Duration
	FlushInterval   time.Duration
	CleanerInterval time.Duration

	Log *lclog.Logger
}

// Supervisor owns the background threads' lifetime.
type Supervisor struct {
	cfg Config
}

// New returns a Supervisor for cfg. cfg.Log defaults to lclog.New("bg")
// if nil.
func New(cfg Config) *Supervisor {
	if cfg.Log == nil {
		cfg.Log = lclog.New("bg")
	}
	return &Supervisor{cfg: cfg}
}

// Run starts every configured thread and blocks until ctx is cancelled or
// one thread returns a non-nil error, per errgroup.WithContext's
// first-error-cancels-the-rest semantics. A nil return means ctx itself
// ended, cancelled or past its deadline (the expected shutdown path).
func (s *Supervisor) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	if s.cfg.SyncInterval > 0 {
		g.Go(func() error { return s.runSyncer(gctx) })
	}
	if s.cfg.FlushInterval > 0 {
		g.Go(func() error { return s.runFlusher(gctx) })
	}
	if s.cfg.CleanerInterval > 0 {
		g.Go(func() error { return s.runCleaner(gctx) })
	}

	if err := g.Wait(); err != nil && err != ctx.Err() {
		return err
	}
	return nil
}

// runSyncer implements the syncer thread: periodically flush dirty
// pages and write a full metadata checkpoint. WriteCheckpoint orders
// child superblocks before their parents' and fsyncs the device.
func (s *Supervisor) runSyncer(ctx context.Context) error {
	t := time.NewTicker(s.cfg.SyncInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			if s.cfg.Dev == nil {
				continue
			}
			s.FlushOnce()
			if err := s.cfg.Manager.WriteCheckpoint(s.cfg.Dev, s.cfg.TotalBlocks, false); err != nil {
				s.cfg.Log.Printf("checkpoint: %v", err)
			}
		}
	}
}

// runFlusher implements the flusher thread: on every tick it writes back
// the dirty pages of every writable layer's resident inodes via
// FlushOnce, whatever their number.
func (s *Supervisor) runFlusher(ctx context.Context) error {
	t := time.NewTicker(s.cfg.FlushInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			s.FlushOnce()
		}
	}
}

// FlushOnce runs one flusher pass over every writable layer's resident
// inodes. Exported so cmd/lcfsd can force a flush at shutdown without
// waiting for the next tick.
func (s *Supervisor) FlushOnce() {
	if s.cfg.Dev == nil {
		return
	}
	for _, l := range s.cfg.Manager.Layers() {
		if !l.RW {
			continue
		}
		FlushLayer(l, s.cfg.Dev, s.cfg.Log)
	}
}

// FlushLayer writes back every dirty page table resident in l's own
// inode cache, regardless of NeedsFlush's threshold. Exposed at package
// scope so it is independently unit-testable against a bare layer.
func FlushLayer(l *layer.Layer, dev *device.Device, log *lclog.Logger) {
	l.Inodes.Range(func(in *inode.Inode) bool {
		if in.Shared || in.RData == nil || in.RData.Len() == 0 {
			return true
		}
		fillHole := func(pg uint64) (*device.Block, bool) {
			if in.Emap == nil {
				return nil, false
			}
			block, ok := in.Emap.Lookup(pg)
			if !ok {
				return nil, false
			}
			b, err := dev.ReadBlock(block)
			if err != nil {
				return nil, false
			}
			return b, true
		}
		if _, err := in.RData.Flush(dev, l.Pool, in.Emap, fillHole); err != nil {
			log.Printf("flush ino %d: %v", in.Ino, err)
			return true
		}
		pageCount := uint64((in.Dinode.Size + int64(device.BlockSize) - 1) / int64(device.BlockSize))
		in.Emap.TrySingleExtent(pageCount)
		return true
	})
}

// runCleaner implements the cleaner thread: under memory pressure (or on
// every tick when no Tracker is configured) it returns every layer's
// unused reservation to the global pool and wakes writers blocked in
// Tracker.Wait. It does not purge clean cache pages.
func (s *Supervisor) runCleaner(ctx context.Context) error {
	t := time.NewTicker(s.cfg.CleanerInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			if s.cfg.Tracker != nil && !s.cfg.Tracker.LowMemory() {
				continue
			}
			for _, l := range s.cfg.Manager.Layers() {
				l.Pool.Reclaim()
			}
			if s.cfg.Tracker != nil {
				s.cfg.Tracker.Release()
			}
		}
	}
}
