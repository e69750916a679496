// Package ppd runs the background post-processor: a single long-lived
// worker that drains the post-process queue, migrating objects between the
// hot and cold tiers, plus the on-demand L1 eviction pass.
package ppd

import (
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sys/unix"

	"github.com/buryhuang/routefs/internal/index"
	"github.com/buryhuang/routefs/internal/metrics"
	"github.com/buryhuang/routefs/internal/objmap"
	"github.com/buryhuang/routefs/internal/postprocess"
	"github.com/buryhuang/routefs/internal/stats"
	"github.com/buryhuang/routefs/internal/store"
)

// Config tunes the daemon.
type Config struct {
	// Interval between queue scans.
	Interval time.Duration
}

// Daemon is the background post-processor.
type Daemon struct {
	queue   *postprocess.Queue
	objs    *objmap.Map
	stats   *stats.Index
	stores  *store.Registry
	metrics *metrics.Collector
	log     *slog.Logger

	interval time.Duration
	stopCh   chan struct{}
	stopped  chan struct{}
}

// New builds a daemon; Start launches its worker goroutine.
func New(cfg Config, queue *postprocess.Queue, objs *objmap.Map, st *stats.Index, stores *store.Registry, collector *metrics.Collector, logger *slog.Logger) *Daemon {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Daemon{
		queue:    queue,
		objs:     objs,
		stats:    st,
		stores:   stores,
		metrics:  collector,
		log:      logger,
		interval: interval,
		stopCh:   make(chan struct{}),
		stopped:  make(chan struct{}),
	}
}

// Start launches the worker.
func (d *Daemon) Start() {
	go d.run()
}

// Stop terminates the worker and waits for it to exit. A migration in
// flight completes first.
func (d *Daemon) Stop() {
	close(d.stopCh)
	<-d.stopped
}

func (d *Daemon) run() {
	defer close(d.stopped)

	d.log.Info("post-processor started", "interval", d.interval)
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-d.stopCh:
			d.log.Info("post-processor stopped")
			return
		case <-ticker.C:
			d.ProcessQueue()
		}
	}
}

// ProcessQueue snapshots the queue and handles every entry. Migrations run
// outside the queue lock; the entry stays visible while its migration is in
// flight, and the obj-id guard in Delete keeps re-queued work alive.
func (d *Daemon) ProcessQueue() {
	items, err := d.queue.Snapshot()
	if err != nil {
		d.log.Error("failed to scan post-process queue", "error", err)
		return
	}
	d.metrics.SetQueueDepth(len(items))

	for _, it := range items {
		d.processEntry(it)
	}
}

func (d *Daemon) processEntry(it postprocess.Item) {
	if len(it.Entry.StorePaths) == 0 {
		d.log.Error("queued entry has no store path, dropping", "path", it.Path)
		_ = d.queue.Delete(it.Path, it.Entry)
		return
	}

	anchor := it.Entry.StorePaths[0]
	full := anchor + it.Path

	var st unix.Stat_t
	if err := unix.Lstat(full, &st); err != nil {
		// Nothing to process at the recorded placement; the entry is
		// moot. The obj-id check still guards re-queued work.
		d.log.Debug("queued object gone, removing from queue", "path", it.Path, "full", full)
		_ = d.queue.Delete(it.Path, it.Entry)
		return
	}

	source := d.stores.Source()
	target := d.stores.Target()

	switch anchor {
	case source.Root:
		// Demote. In cache mode the hot copy is kept and only the L2
		// entry is added; otherwise the object moves and L1 follows it.
		if err := store.Migrate(it.Path, source.Root, target.Root, source.IsCached); err != nil {
			d.log.Error("demotion failed, leaving queued", "path", it.Path, "error", err)
			d.metrics.RecordMigrationFailure("demote")
			return
		}
		if d.stores.CacheMode() {
			if err := d.objs.Set(it.Path, target.Root, objmap.L2); err != nil {
				d.log.Error("failed to record L2 placement", "path", it.Path, "error", err)
				return
			}
		} else {
			if err := d.objs.Set(it.Path, target.Root, objmap.L1); err != nil {
				d.log.Error("failed to record L1 placement", "path", it.Path, "error", err)
				return
			}
		}
		d.metrics.RecordMigration("demote", st.Size)
		d.log.Info("demoted", "path", it.Path, "from", source.Root, "to", target.Root)
		_ = d.queue.Delete(it.Path, it.Entry)

	case target.Root:
		// Promote. Always a copy, never a move: the cold copy stays.
		if err := store.Migrate(it.Path, target.Root, source.Root, true); err != nil {
			d.log.Error("promotion failed, leaving queued", "path", it.Path, "error", err)
			d.metrics.RecordMigrationFailure("promote")
			return
		}
		if err := d.objs.Set(it.Path, source.Root, objmap.L1); err != nil {
			d.log.Error("failed to record L1 placement", "path", it.Path, "error", err)
			return
		}
		d.metrics.RecordMigration("promote", st.Size)
		d.log.Info("promoted", "path", it.Path, "from", target.Root, "to", source.Root)
		_ = d.queue.Delete(it.Path, it.Entry)

	default:
		// Placement is neither tier; leave the entry for an operator.
		d.log.Debug("queued entry anchored to unknown store, leaving", "path", it.Path, "store", anchor)
	}
}

// Evict scans L1 and drops the hot copy of every object that has not been
// opened since its stats were last cleared and that still has a cold copy:
// the backing file is unlinked and the L1 entry removed. The L2 entry and
// cold copy are untouched.
func (d *Daemon) Evict() error {
	type victim struct {
		path  string
		store string
	}
	var victims []victim

	err := d.objs.Walk(objmap.L1, func(path, storeRoot string) bool {
		full := storeRoot + path
		var st unix.Stat_t
		if err := unix.Lstat(full, &st); err != nil {
			return true
		}
		if _, err := d.stats.Get(path); !errors.Is(err, index.ErrNotFound) {
			return true
		}
		if _, err := d.objs.Get(path, objmap.L2); err != nil {
			return true
		}
		victims = append(victims, victim{path: path, store: storeRoot})
		return true
	})
	if err != nil {
		return err
	}

	for _, v := range victims {
		full := v.store + v.path
		if err := unix.Unlink(full); err != nil {
			d.log.Error("evict unlink failed", "path", v.path, "full", full, "error", err)
		}
		if err := d.objs.Delete(v.path, objmap.L1); err != nil {
			d.log.Error("evict failed to drop L1 entry", "path", v.path, "error", err)
			continue
		}
		d.metrics.RecordMigration("evict", 0)
		d.log.Info("evicted from hot tier", "path", v.path, "store", v.store)
	}
	return nil
}
