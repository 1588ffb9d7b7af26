package server

import (
	"context"
	"log/slog"
	"time"

	didpay "github.com/did-method-plc/go-didpay"
	"go.opentelemetry.io/otel/metric"
)

const (
	ledgerBatchSize     = 100
	ledgerQueueSize     = 1000
	ledgerFlushInterval = 100 * time.Millisecond
	ledgerRetryDelay    = 1 * time.Second
)

type RedemptionCommitter interface {
	CommitRedemptions(ctx context.Context, batch []*didpay.Redemption) error
}

// Ledger receives settled redemptions from the executor and commits them to
// the store in batches. It implements didpay.RedemptionSink.
type Ledger struct {
	store    RedemptionCommitter
	queue    chan *didpay.Redemption
	flushCh  chan chan struct{}
	hub      *EventHub
	state    *ProviderState
	inflight *didpay.InFlight
	logger   *slog.Logger
}

var _ didpay.RedemptionSink = (*Ledger)(nil)

// NewLedger creates a Ledger. hub and state may be nil.
func NewLedger(store RedemptionCommitter, hub *EventHub, state *ProviderState, logger *slog.Logger) *Ledger {
	return &Ledger{
		store:   store,
		queue:   make(chan *didpay.Redemption, ledgerQueueSize),
		flushCh: make(chan chan struct{}),
		hub:     hub,
		state:   state,
		logger:  logger.With("component", "ledger"),
	}
}

// TrackInFlight makes the commit loop report the executor's in-flight set.
// Must be called before Run.
func (l *Ledger) TrackInFlight(infl *didpay.InFlight) {
	l.inflight = infl
}

// RecordRedemption implements didpay.RedemptionSink. It blocks only while the
// queue is full.
func (l *Ledger) RecordRedemption(ctx context.Context, r *didpay.Redemption) {
	outcome := RedemptionSucceeded
	if !r.Success {
		outcome = RedemptionFailed
	}
	RedemptionsCounter.Add(ctx, 1, metric.WithAttributes(outcome))
	LastRedemptionTsGauge.Record(ctx, r.SettledAt.Unix())
	if l.state != nil {
		l.state.RecordRedemption(r.SettledAt, r.Success)
	}
	if l.hub != nil {
		l.hub.Publish(ctx, EventRedemption, redemptionRecord(r))
	}

	select {
	case l.queue <- r:
	case <-ctx.Done():
		l.logger.Error("dropping redemption from ledger", "seq", r.Seq, "userOpHash", r.UserOpHash, "error", ctx.Err())
	}
}

// Flush blocks until everything queued so far has been committed, or ctx ends.
func (l *Ledger) Flush(ctx context.Context) {
	done := make(chan struct{})
	select {
	case l.flushCh <- done:
	case <-ctx.Done():
		return
	}
	select {
	case <-done:
	case <-ctx.Done():
	}
}

// Run is the commit worker loop. Only a single Run should be active per Ledger.
func (l *Ledger) Run(ctx context.Context) error {
	batch := make([]*didpay.Redemption, 0, ledgerBatchSize)
	ticker := time.NewTicker(ledgerFlushInterval)
	defer ticker.Stop()

	commitBatch := func(ctx context.Context) {
		if len(batch) == 0 {
			return
		}
		for {
			err := l.store.CommitRedemptions(ctx, batch)
			if err == nil {
				break
			}
			l.logger.Error("failed to commit batch", "batch_size", len(batch), "error", err)
			if !sleepCtx(ctx, ledgerRetryDelay) {
				return
			}
		}
		l.logger.Debug("committed redemptions", "batch_size", len(batch))
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			// drain whatever is already queued, without the cancelled context
			drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			for len(l.queue) > 0 {
				batch = append(batch, <-l.queue)
			}
			commitBatch(drainCtx)
			cancel()
			return nil
		case r := <-l.queue:
			batch = append(batch, r)
			if len(batch) >= ledgerBatchSize {
				commitBatch(ctx)
			}
		case <-ticker.C:
			commitBatch(ctx)
			l.recordGauges(ctx)
		case done := <-l.flushCh:
			for len(l.queue) > 0 {
				batch = append(batch, <-l.queue)
			}
			commitBatch(ctx)
			close(done)
		}
	}
}

func (l *Ledger) recordGauges(ctx context.Context) {
	LedgerQueueGauge.Record(ctx, int64(len(l.queue)))
	if l.inflight != nil {
		InFlightGauge.Record(ctx, int64(l.inflight.Len()))
		SettledSeqGauge.Record(ctx, l.inflight.Settled())
	}
}

// sleepCtx sleeps for the given duration or until the context is cancelled.
// Returns true if the sleep completed, false if the context was cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}
