package worker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/spec-kit/crm-chat-sync/internal/coordination"
	"github.com/spec-kit/crm-chat-sync/internal/service"
)

const defaultFlushBatch = 20

// FlushWorker runs flushes that were deferred because another worker held the
// conversation lock. Any number of replicas may run it; ClaimFlush hands each
// due entry to exactly one of them.
type FlushWorker struct {
	store    coordination.Store
	keys     coordination.Keys
	flusher  service.NoteWriter
	interval time.Duration
	batch    int
	logger   *zap.Logger
	now      func() time.Time

	stop chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

// NewFlushWorker builds the worker.
func NewFlushWorker(store coordination.Store, keys coordination.Keys, flusher service.NoteWriter, interval time.Duration, logger *zap.Logger) *FlushWorker {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FlushWorker{
		store:    store,
		keys:     keys,
		flusher:  flusher,
		interval: interval,
		batch:    defaultFlushBatch,
		logger:   logger.Named("flush_worker"),
		now:      time.Now,
		stop:     make(chan struct{}),
	}
}

// Start launches the polling loop.
func (w *FlushWorker) Start(ctx context.Context) {
	if w == nil {
		return
	}
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-w.stop:
				return
			case <-ticker.C:
				w.RunOnce(ctx)
			}
		}
	}()
}

// RunOnce flushes every conversation that is due and returns how many were run.
func (w *FlushWorker) RunOnce(ctx context.Context) int {
	due, err := w.store.DueFlushes(ctx, w.keys.FlushDue(), w.now(), w.batch)
	if err != nil {
		w.logger.Warn("list due flushes failed", zap.Error(err))
		return 0
	}
	ran := 0
	for _, key := range due {
		claimed, err := w.store.ClaimFlush(ctx, w.keys.FlushDue(), key)
		if err != nil {
			w.logger.Warn("claim flush failed", zap.String("conversation", key.String()), zap.Error(err))
			continue
		}
		if !claimed {
			continue
		}
		result, err := w.flusher.Flush(ctx, key)
		if err != nil {
			w.logger.Warn("scheduled flush failed", zap.String("conversation", key.String()), zap.Error(err))
			continue
		}
		ran++
		w.logger.Debug("scheduled flush done",
			zap.String("conversation", key.String()),
			zap.Int("committed", result.Committed),
			zap.Bool("deferred", result.Deferred),
		)
	}
	return ran
}

// Stop ends the loop and waits for an in-flight pass.
func (w *FlushWorker) Stop() {
	if w == nil {
		return
	}
	w.once.Do(func() { close(w.stop) })
	w.wg.Wait()
}
