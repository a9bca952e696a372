package service

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/spec-kit/crm-chat-sync/internal/coordination"
	"github.com/spec-kit/crm-chat-sync/internal/crm"
	"github.com/spec-kit/crm-chat-sync/internal/domain"
	"github.com/spec-kit/crm-chat-sync/internal/notes"
	"github.com/spec-kit/crm-chat-sync/internal/observability"
	apperrors "github.com/spec-kit/crm-chat-sync/pkg/util"
)

// NoteFlusherConfig bounds note blocks and the flush procedure.
type NoteFlusherConfig struct {
	Window      notes.WindowConfig
	Render      notes.RenderOptions
	LockLease   time.Duration
	MaxBytes    int
	MaxMessages int
	DrainBatch  int
	MarkerTTL   time.Duration
	FlushDelay  time.Duration
	// MaxRetries bounds consecutive scheduled retries after failed flushes.
	MaxRetries    int
	RetryMaxDelay time.Duration
}

func (c NoteFlusherConfig) withDefaults() NoteFlusherConfig {
	if c.Window.BaseMinutes <= 0 {
		c.Window = notes.DefaultWindowConfig()
	}
	if c.LockLease <= 0 {
		c.LockLease = 30 * time.Second
	}
	if c.MaxBytes <= 0 {
		c.MaxBytes = 90000
	}
	if c.MaxMessages <= 0 {
		c.MaxMessages = 200
	}
	if c.DrainBatch <= 0 {
		c.DrainBatch = 50
	}
	if c.MarkerTTL <= 0 {
		c.MarkerTTL = 7 * 24 * time.Hour
	}
	if c.FlushDelay <= 0 {
		c.FlushDelay = 5 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 5
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 10 * time.Minute
	}
	return c
}

// FlushResult describes one flush attempt.
type FlushResult struct {
	NoteID  string
	Created bool
	// CreatedNotes lists the notes opened by this flush, in creation order.
	CreatedNotes []string
	Committed    int
	Recovered    int
	Deferred     bool
}

// NoteFlusher drains a conversation's pending note events into CRM notes. Only
// the holder of the conversation lock mutates the queues and the note block.
type NoteFlusher struct {
	store   coordination.Store
	keys    coordination.Keys
	notes   crm.NotesAPI
	cfg     NoteFlusherConfig
	metrics *observability.Metrics
	logger  *zap.Logger
	now     func() time.Time
}

// NewNoteFlusher builds a flusher.
func NewNoteFlusher(store coordination.Store, keys coordination.Keys, notesAPI crm.NotesAPI, cfg NoteFlusherConfig, metrics *observability.Metrics, logger *zap.Logger) *NoteFlusher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NoteFlusher{
		store:   store,
		keys:    keys,
		notes:   notesAPI,
		cfg:     cfg.withDefaults(),
		metrics: metrics,
		logger:  logger,
		now:     time.Now,
	}
}

// Flush runs one flush for key. When another worker holds the lock the flush
// is scheduled for later and the result is Deferred.
func (f *NoteFlusher) Flush(ctx context.Context, key domain.ConversationKey) (FlushResult, error) {
	lockKey := f.keys.Lock(key)
	token, ok, err := f.store.AcquireLock(ctx, lockKey, f.cfg.LockLease)
	if err != nil {
		return FlushResult{}, err
	}
	if !ok {
		if err := f.store.ScheduleFlush(ctx, f.keys.FlushDue(), key, f.now().Add(f.cfg.FlushDelay)); err != nil {
			return FlushResult{}, err
		}
		f.metrics.IncSync(ctx, observability.OutcomeFallbackDeferred)
		return FlushResult{Deferred: true}, nil
	}
	defer func() {
		if _, err := f.store.ReleaseLock(context.WithoutCancel(ctx), lockKey, token); err != nil {
			f.logger.Warn("release flush lock failed", zap.String("conversation", key.String()), zap.Error(err))
		}
	}()

	result, err := f.flushLocked(ctx, key, token)
	if err != nil {
		f.scheduleRetry(ctx, key, err)
		return result, err
	}
	if err := f.store.DeleteMarker(ctx, f.keys.FlushRetries(key)); err != nil {
		f.logger.Warn("reset flush retries failed", zap.String("conversation", key.String()), zap.Error(err))
	}
	return result, nil
}

// flushLocked runs the flush body while the caller holds the lock. Drained
// items are back in pending whenever it returns an error.
func (f *NoteFlusher) flushLocked(ctx context.Context, key domain.ConversationKey, token string) (FlushResult, error) {
	pendingKey := f.keys.Pending(key)
	processingKey := f.keys.Processing(key)

	var result FlushResult
	recovered, err := f.store.RecoverProcessing(ctx, pendingKey, processingKey)
	if err != nil {
		return result, err
	}
	if recovered > 0 {
		f.logger.Warn("recovered orphaned note events", zap.String("conversation", key.String()), zap.Int("count", recovered))
	}
	result.Recovered = recovered

	block, err := f.store.LoadNoteBlock(ctx, f.keys.NoteBlock(key))
	if err != nil {
		return result, err
	}
	result.NoteID = block.NoteID

	items, err := f.store.DrainPending(ctx, pendingKey, processingKey, f.cfg.DrainBatch)
	if err != nil {
		f.requeue(ctx, key, items)
		return result, err
	}
	if len(items) == 0 {
		return result, nil
	}

	pending := f.decode(ctx, key, items)
	run := flushRun{flusher: f, key: key, token: token, block: block, result: &result}
	if err := run.process(ctx, pending); err != nil {
		f.requeue(ctx, key, items)
		f.metrics.IncSync(ctx, observability.OutcomeFlushRequeued)
		return result, err
	}

	if err := f.commit(ctx, key, token); err != nil {
		f.requeue(ctx, key, items)
		return result, err
	}
	f.metrics.IncSync(ctx, observability.OutcomeFlushCommitted)

	if len(items) == f.cfg.DrainBatch {
		if n, err := f.store.PendingLen(ctx, pendingKey); err == nil && n > 0 {
			if err := f.store.ScheduleFlush(ctx, f.keys.FlushDue(), key, f.now()); err != nil {
				f.logger.Warn("schedule follow-up flush failed", zap.String("conversation", key.String()), zap.Error(err))
			}
		}
	}
	return result, nil
}

// scheduleRetry puts the conversation back on the flush schedule with
// exponential backoff. After MaxRetries consecutive failures the events stay in
// pending until the next message, a manual flush or a successful flush.
func (f *NoteFlusher) scheduleRetry(ctx context.Context, key domain.ConversationKey, cause error) {
	ctx = context.WithoutCancel(ctx)
	retryKey := f.keys.FlushRetries(key)
	attempts := 0
	if raw, ok, err := f.store.GetMarker(ctx, retryKey); err == nil && ok {
		attempts, _ = strconv.Atoi(raw)
	}
	logger := f.logger.With(zap.String("conversation", key.String()), zap.Int("attempt", attempts+1), zap.Error(cause))
	if attempts >= f.cfg.MaxRetries {
		f.metrics.IncSync(ctx, observability.OutcomeFlushAbandoned)
		logger.Error("note flush retries exhausted")
		return
	}
	if err := f.store.SetMarker(ctx, retryKey, strconv.Itoa(attempts+1), f.cfg.MarkerTTL); err != nil {
		logger.Warn("record flush retry failed", zap.NamedError("store_error", err))
	}
	delay := f.retryDelay(attempts)
	if err := f.store.ScheduleFlush(ctx, f.keys.FlushDue(), key, f.now().Add(delay)); err != nil {
		logger.Error("schedule flush retry failed", zap.NamedError("store_error", err))
		return
	}
	f.metrics.IncSync(ctx, observability.OutcomeFlushRetry)
	logger.Warn("note flush failed; retry scheduled", zap.Duration("delay", delay))
}

func (f *NoteFlusher) retryDelay(attempts int) time.Duration {
	delay := f.cfg.FlushDelay
	for i := 0; i < attempts && delay < f.cfg.RetryMaxDelay; i++ {
		delay *= 2
	}
	if delay > f.cfg.RetryMaxDelay {
		delay = f.cfg.RetryMaxDelay
	}
	return delay
}

func (f *NoteFlusher) commit(ctx context.Context, key domain.ConversationKey, token string) error {
	held, err := f.store.LockHeld(ctx, f.keys.Lock(key), token)
	if err != nil {
		return err
	}
	if !held {
		return apperrors.NewLockBusy(key.String())
	}
	return f.store.ClearProcessing(ctx, f.keys.Processing(key))
}

func (f *NoteFlusher) requeue(ctx context.Context, key domain.ConversationKey, items []string) {
	if len(items) == 0 {
		return
	}
	if err := f.store.RequeueProcessing(context.WithoutCancel(ctx), f.keys.Pending(key), f.keys.Processing(key), items); err != nil {
		// items stay in processing and are recovered by the next flush
		f.logger.Error("requeue note events failed", zap.String("conversation", key.String()), zap.Error(err))
	}
}

// decode parses drained payloads in drain order. Corrupt entries are dropped.
func (f *NoteFlusher) decode(ctx context.Context, key domain.ConversationKey, items []string) []domain.PendingNoteEvent {
	out := make([]domain.PendingNoteEvent, 0, len(items))
	for _, raw := range items {
		var ev domain.PendingNoteEvent
		if err := json.Unmarshal([]byte(raw), &ev); err != nil || ev.MessageID == "" {
			f.logger.Warn("skipping corrupt note event", zap.String("conversation", key.String()), zap.Error(err))
			f.metrics.IncSync(ctx, observability.OutcomeInvalidEvent)
			continue
		}
		out = append(out, ev)
	}
	return out
}

// flushRun carries the state of one lock-held flush.
type flushRun struct {
	flusher *NoteFlusher
	key     domain.ConversationKey
	token   string
	block   domain.NoteBlock
	result  *FlushResult
	segment []domain.PendingNoteEvent
	bytes   int
}

func (r *flushRun) process(ctx context.Context, pending []domain.PendingNoteEvent) error {
	f := r.flusher
	for _, ev := range pending {
		noteID, done, err := f.store.GetMarker(ctx, f.keys.NoteKey(ev.InstanceTag, ev.MessageID))
		if err != nil {
			return err
		}
		if done {
			// committed by an earlier flush that crashed before clearing processing
			r.result.NoteID = noteID
			continue
		}
		size := notes.EstimateHTMLBytes(notes.BuildNoteAppendHTML([]domain.PendingNoteEvent{ev}, f.cfg.Render))
		if r.needsNewBlock(ev, size) {
			if err := r.writeSegment(ctx); err != nil {
				return err
			}
			r.block = domain.NoteBlock{
				StartedAt:     f.now().UTC(),
				WindowMinutes: f.cfg.Window.BaseMinutes,
				PersonID:      ev.PersonID,
			}
		}
		r.segment = append(r.segment, ev)
		r.bytes += size
	}
	return r.writeSegment(ctx)
}

func (r *flushRun) needsNewBlock(ev domain.PendingNoteEvent, size int) bool {
	f := r.flusher
	switch {
	case !r.block.Open():
		return true
	case notes.ShouldStartNewBlockByWindow(r.block.StartedAt, r.block.WindowMinutes, f.now()):
		return true
	case r.block.MessageCount+len(r.segment)+1 > f.cfg.MaxMessages:
		return true
	case r.block.ByteCount+r.bytes+size > f.cfg.MaxBytes:
		return true
	case ev.PersonID != "" && r.block.PersonID != "" && ev.PersonID != r.block.PersonID:
		return true
	}
	return false
}

// writeSegment sends the accumulated segment to the block's note, then records
// note-key markers and the updated block.
func (r *flushRun) writeSegment(ctx context.Context) error {
	if len(r.segment) == 0 {
		return nil
	}
	f := r.flusher
	segment := r.segment
	if err := r.renewLease(ctx); err != nil {
		return err
	}
	if r.block.NoteID == "" {
		header := notes.BuildNoteHeaderHTML(r.key.String(), segment[0].ContactName, r.block.StartedAt, f.cfg.Render)
		body := notes.BuildNoteAppendHTML(segment, f.cfg.Render)
		personID := r.block.PersonID
		if personID == "" {
			personID = segment[0].PersonID
		}
		noteID, err := f.notes.CreateNote(ctx, crm.NoteInput{PersonID: personID, Content: header + body})
		if err != nil {
			return err
		}
		r.block.NoteID = noteID
		r.block.PersonID = personID
		r.result.Created = true
		r.result.CreatedNotes = append(r.result.CreatedNotes, noteID)
		f.logger.Info("crm note created", zap.String("conversation", r.key.String()), zap.String("note_id", noteID))
	} else {
		current, err := f.notes.GetNote(ctx, r.block.NoteID)
		if err != nil {
			return err
		}
		fresh := make([]domain.PendingNoteEvent, 0, len(segment))
		for _, ev := range segment {
			if !notes.ContainsMessage(current, ev.MessageID) {
				fresh = append(fresh, ev)
			}
		}
		if len(fresh) > 0 {
			if err := r.renewLease(ctx); err != nil {
				return err
			}
			if err := f.notes.UpdateNote(ctx, r.block.NoteID, current+notes.BuildNoteAppendHTML(fresh, f.cfg.Render)); err != nil {
				return err
			}
		}
	}

	for _, ev := range segment {
		if err := f.store.SetMarker(ctx, f.keys.NoteKey(ev.InstanceTag, ev.MessageID), r.block.NoteID, f.cfg.MarkerTTL); err != nil {
			return err
		}
	}

	now := f.now()
	r.block.MessageCount += len(segment)
	r.block.ByteCount += r.bytes
	r.block.WindowMinutes = notes.ComputeAdaptiveWindowMinutes(r.block.StartedAt, now, r.block.MessageCount, r.block.ByteCount, f.cfg.Window)
	if err := f.store.SaveNoteBlock(ctx, f.keys.NoteBlock(r.key), r.block, f.cfg.MarkerTTL); err != nil {
		return err
	}

	r.result.NoteID = r.block.NoteID
	r.result.Committed += len(segment)
	r.segment = nil
	r.bytes = 0
	return nil
}

// renewLease extends the flush lock before a CRM call so the lease covers the
// call's timeout. A lost lock aborts the flush before anything is written.
func (r *flushRun) renewLease(ctx context.Context) error {
	f := r.flusher
	ok, err := f.store.ExtendLock(ctx, f.keys.Lock(r.key), r.token, f.cfg.LockLease)
	if err != nil {
		return err
	}
	if !ok {
		return apperrors.NewLockBusy(r.key.String())
	}
	return nil
}
