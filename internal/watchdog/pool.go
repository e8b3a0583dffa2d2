package watchdog

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/wardenlabs/warden/internal/turn"
)

// Scorer produces a verdict for a sealed turn record. Implementations must
// not fail: degraded scoring is expressed through the unavailable sentinel.
type Scorer interface {
	Score(ctx context.Context, rec turn.TurnRecord) Verdict
}

// Sink persists sealed records and their verdicts. The audit store implements
// this.
type Sink interface {
	RecordTurn(ctx context.Context, rec turn.TurnRecord) error
	RecordVerdict(ctx context.Context, v Verdict) error
}

// DefaultQueueDepth bounds how many sealed records may wait for scoring
// before submissions are dropped.
const DefaultQueueDepth = 64

// Pool scores sealed turn records on a fixed set of workers. Submission is
// fire-and-forget: the serving path never blocks on scoring, and a full queue
// drops the scoring (not the record — the turn is persisted synchronously by
// the worker with a sentinel verdict path only if scoring ran).
type Pool struct {
	scorer Scorer
	sink   Sink
	queue  chan turn.TurnRecord
	wg     sync.WaitGroup
	once   sync.Once

	// mu orders Submit's queue send against Stop's close so a concurrent
	// Stop can never close the channel mid-send.
	mu       sync.Mutex
	stopping bool
}

// NewPool creates a pool with the given worker count and queue depth.
// Non-positive values fall back to 1 worker and DefaultQueueDepth.
func NewPool(scorer Scorer, sink Sink, workers, depth int) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if depth <= 0 {
		depth = DefaultQueueDepth
	}
	p := &Pool{
		scorer: scorer,
		sink:   sink,
		queue:  make(chan turn.TurnRecord, depth),
	}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p
}

// Submit queues a sealed record for persistence and scoring. It never blocks:
// when the queue is full or the pool is stopping, the record is persisted
// inline with an unavailable verdict so the audit invariant holds.
func (p *Pool) Submit(rec turn.TurnRecord) {
	p.mu.Lock()
	if p.stopping {
		p.mu.Unlock()
		p.persistUnscored(rec)
		return
	}
	select {
	case p.queue <- rec:
		p.mu.Unlock()
		return
	default:
	}
	p.mu.Unlock()

	log.Warn().
		Str("correlation_id", rec.CorrelationID).
		Int("queue_depth", cap(p.queue)).
		Msg("watchdog_queue_full")
	p.persistUnscored(rec)
}

// Stop drains queued records and waits for in-flight scoring to complete.
// Submissions racing with Stop fall back to the inline sentinel path.
func (p *Pool) Stop() {
	p.once.Do(func() {
		p.mu.Lock()
		p.stopping = true
		close(p.queue)
		p.mu.Unlock()
	})
	p.wg.Wait()
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for rec := range p.queue {
		p.process(rec)
	}
}

// process persists the record first, then scores it. Scoring detaches from
// any request context; persistence failures are logged but never surfaced to
// the serving path.
func (p *Pool) process(rec turn.TurnRecord) {
	ctx := context.Background()
	if err := p.sink.RecordTurn(ctx, rec); err != nil {
		log.Error().Err(err).
			Str("correlation_id", rec.CorrelationID).
			Msg("watchdog_turn_persist_failed")
	}
	verdict := p.scorer.Score(ctx, rec)
	if err := p.sink.RecordVerdict(ctx, verdict); err != nil {
		log.Error().Err(err).
			Str("correlation_id", rec.CorrelationID).
			Msg("watchdog_verdict_persist_failed")
		return
	}
	log.Debug().
		Str("correlation_id", rec.CorrelationID).
		Str("risk_level", string(verdict.RiskLevel)).
		Bool("unavailable", verdict.Unavailable).
		Msg("watchdog_verdict_recorded")
}

// persistUnscored records the turn with the unavailable sentinel when the
// scoring queue cannot take it. Every sealed turn still ends up with exactly
// one verdict.
func (p *Pool) persistUnscored(rec turn.TurnRecord) {
	ctx := context.Background()
	if err := p.sink.RecordTurn(ctx, rec); err != nil {
		log.Error().Err(err).
			Str("correlation_id", rec.CorrelationID).
			Msg("watchdog_turn_persist_failed")
	}
	if err := p.sink.RecordVerdict(ctx, UnavailableVerdict(rec.CorrelationID)); err != nil {
		log.Error().Err(err).
			Str("correlation_id", rec.CorrelationID).
			Msg("watchdog_verdict_persist_failed")
	}
}
