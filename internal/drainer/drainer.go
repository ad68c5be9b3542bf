package drainer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/Vovarama1992/lead-reply-bridge/internal/buffer"
	"github.com/Vovarama1992/lead-reply-bridge/internal/dispatch"
	"github.com/Vovarama1992/lead-reply-bridge/internal/metrics"
)

// Executor handles one claimed conversation window.
type Executor interface {
	Execute(ctx context.Context, conversationID, text string) error
}

type Options struct {
	Interval      time.Duration
	MaxConcurrent int
	MaxAttempts   int
	RetryDelay    time.Duration
	Now           func() time.Time
	Metrics       *metrics.Metrics
	Logger        *slog.Logger
}

// Drainer periodically claims expired buffer entries and dispatches each one
// on a bounded pool. At most one dispatch per conversation runs at a time.
type Drainer struct {
	store       buffer.Store
	exec        Executor
	interval    time.Duration
	maxAttempts int
	retryDelay  time.Duration
	now         func() time.Time
	sem         *semaphore.Weighted
	metrics     *metrics.Metrics
	logger      *slog.Logger

	mu       sync.Mutex
	inFlight map[string]struct{}
	wg       sync.WaitGroup
}

func New(store buffer.Store, exec Executor, opts Options) *Drainer {
	if opts.Interval <= 0 {
		opts.Interval = time.Second
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 16
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 5 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return &Drainer{
		store:       store,
		exec:        exec,
		interval:    opts.Interval,
		maxAttempts: opts.MaxAttempts,
		retryDelay:  opts.RetryDelay,
		now:         opts.Now,
		sem:         semaphore.NewWeighted(int64(opts.MaxConcurrent)),
		metrics:     opts.Metrics,
		logger:      opts.Logger.With("component", "drainer"),
		inFlight:    make(map[string]struct{}),
	}
}

// Run ticks until ctx is done. Dispatches already started keep running; use
// Wait to let them finish.
func (d *Drainer) Run(ctx context.Context) {
	d.logger.Info("drainer started", "interval", d.interval)

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("drainer stopped")
			return
		case <-ticker.C:
			if err := d.Tick(ctx); err != nil {
				d.logger.Error("drain tick failed", "error", err)
			}
		}
	}
}

// Tick runs one scan/claim/schedule pass. It blocks while the pool is full.
func (d *Drainer) Tick(ctx context.Context) error {
	now := d.now()

	entries, err := d.store.ScanAll(ctx)
	if err != nil {
		return fmt.Errorf("drainer: scan: %w", err)
	}

	expired := make([]string, 0, len(entries))
	for id, e := range entries {
		if e.Expired(now) {
			expired = append(expired, id)
		}
	}
	sort.Strings(expired)

	// ids are marked before the claim, so a claimed id is never unmarked
	expired = d.markAll(expired)
	if len(expired) == 0 {
		return nil
	}

	claimed, err := d.store.Claim(ctx, expired, now)
	if err != nil {
		d.clearAll(expired)
		return fmt.Errorf("drainer: claim: %w", err)
	}
	d.metrics.AddClaims(len(claimed))

	for i, id := range expired {
		e, ok := claimed[id]
		if !ok {
			d.clearInFlight(id)
			continue
		}

		if err := d.sem.Acquire(ctx, 1); err != nil {
			d.putBack(ctx, expired[i:], claimed)
			return fmt.Errorf("drainer: acquire: %w", err)
		}

		d.wg.Add(1)
		go d.dispatch(context.WithoutCancel(ctx), e)
	}

	return nil
}

// Reserve marks conversationID as busy so ticks leave it alone until release
// is called. ok is false when a dispatch is running for it or text is
// buffered for it; nothing is reserved then.
func (d *Drainer) Reserve(ctx context.Context, conversationID string) (release func(), ok bool, err error) {
	if marked := d.markAll([]string{conversationID}); len(marked) == 0 {
		return nil, false, nil
	}
	var once sync.Once
	release = func() { once.Do(func() { d.clearInFlight(conversationID) }) }

	pending, err := d.Pending(ctx, conversationID)
	if err != nil || pending {
		release()
		return nil, false, err
	}
	return release, true, nil
}

// Pending reports whether customer text is buffered for conversationID.
func (d *Drainer) Pending(ctx context.Context, conversationID string) (bool, error) {
	_, ok, err := d.store.Get(ctx, conversationID)
	if err != nil {
		return false, fmt.Errorf("drainer: pending: %w", err)
	}
	return ok, nil
}

// Wait blocks until every started dispatch has finished.
func (d *Drainer) Wait() {
	d.wg.Wait()
}

func (d *Drainer) dispatch(ctx context.Context, e buffer.Entry) {
	defer d.wg.Done()
	defer d.sem.Release(1)
	defer d.clearInFlight(e.ConversationID)

	d.metrics.IncInFlight()
	defer d.metrics.DecInFlight()

	start := time.Now()
	err := d.execute(ctx, e)
	if err == nil {
		d.metrics.ObserveDispatch("ok", time.Since(start))
		return
	}

	d.metrics.ObserveDispatch("error", time.Since(start))
	d.metrics.IncDispatchFailures()

	attempts := e.Attempts + 1
	if errors.Is(err, dispatch.ErrPersist) || attempts >= d.maxAttempts {
		d.metrics.IncDeadLetters()
		d.logger.Error("dispatch dead-lettered",
			"conversation_id", e.ConversationID,
			"attempts", attempts,
			"text", e.PendingText,
			"error", err)
		return
	}

	d.logger.Warn("dispatch failed, requeued",
		"conversation_id", e.ConversationID,
		"attempts", attempts,
		"error", err)
	if rqErr := d.store.Requeue(ctx, e.ConversationID, e.PendingText, attempts, d.retryDelay); rqErr != nil {
		d.logger.Error("requeue failed, window lost",
			"conversation_id", e.ConversationID,
			"text", e.PendingText,
			"error", rqErr)
	}
}

func (d *Drainer) execute(ctx context.Context, e buffer.Entry) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("drainer: dispatch panicked: %v", r)
		}
	}()
	return d.exec.Execute(ctx, e.ConversationID, e.PendingText)
}

// putBack returns claimed entries that were never scheduled.
func (d *Drainer) putBack(ctx context.Context, ids []string, claimed map[string]buffer.Entry) {
	ctx = context.WithoutCancel(ctx)
	defer d.clearAll(ids)
	for _, id := range ids {
		e, ok := claimed[id]
		if !ok {
			continue
		}
		if err := d.store.Requeue(ctx, id, e.PendingText, e.Attempts, 0); err != nil {
			d.logger.Error("put back failed, window lost", "conversation_id", id, "text", e.PendingText, "error", err)
		}
	}
}

// markAll marks the ids not yet in flight and returns them, in order.
func (d *Drainer) markAll(ids []string) []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := ids[:0:0]
	for _, id := range ids {
		if _, busy := d.inFlight[id]; busy {
			d.logger.Debug("conversation busy", "conversation_id", id)
			continue
		}
		d.inFlight[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func (d *Drainer) clearAll(ids []string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, id := range ids {
		delete(d.inFlight, id)
	}
}

func (d *Drainer) clearInFlight(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.inFlight, id)
}
