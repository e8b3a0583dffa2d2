package watchdog

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wardenlabs/warden/internal/turn"
)

type memorySink struct {
	mu       sync.Mutex
	turns    []turn.TurnRecord
	verdicts []Verdict
	turnErr  error
}

func (s *memorySink) RecordTurn(_ context.Context, rec turn.TurnRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.turnErr != nil {
		return s.turnErr
	}
	s.turns = append(s.turns, rec)
	return nil
}

func (s *memorySink) RecordVerdict(_ context.Context, v Verdict) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.verdicts = append(s.verdicts, v)
	return nil
}

func (s *memorySink) snapshot() ([]turn.TurnRecord, []Verdict) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]turn.TurnRecord(nil), s.turns...), append([]Verdict(nil), s.verdicts...)
}

type stubScorer struct {
	verdict Verdict
	delay   time.Duration
}

func (s *stubScorer) Score(_ context.Context, rec turn.TurnRecord) Verdict {
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	v := s.verdict
	v.CorrelationID = rec.CorrelationID
	return v
}

func TestPoolPersistsTurnAndVerdict(t *testing.T) {
	sink := &memorySink{}
	pool := NewPool(&stubScorer{verdict: Verdict{RiskLevel: RiskLow}}, sink, 2, 8)

	pool.Submit(turn.TurnRecord{CorrelationID: "turn_a"})
	pool.Submit(turn.TurnRecord{CorrelationID: "turn_b"})
	pool.Stop()

	turns, verdicts := sink.snapshot()
	assert.Len(t, turns, 2)
	require.Len(t, verdicts, 2)
	ids := map[string]bool{}
	for _, v := range verdicts {
		assert.Equal(t, RiskLow, v.RiskLevel)
		assert.False(t, ids[v.CorrelationID], "exactly one verdict per turn")
		ids[v.CorrelationID] = true
	}
}

func TestPoolSentinelScorerStillPersistsVerdict(t *testing.T) {
	sink := &memorySink{}
	pool := NewPool(&stubScorer{verdict: Verdict{RiskLevel: RiskUnknown, Unavailable: true}}, sink, 1, 4)

	pool.Submit(turn.TurnRecord{CorrelationID: "turn_c"})
	pool.Stop()

	_, verdicts := sink.snapshot()
	require.Len(t, verdicts, 1)
	assert.True(t, verdicts[0].Unavailable)
	assert.Equal(t, "turn_c", verdicts[0].CorrelationID)
}

func TestPoolFullQueueFallsBackToSentinel(t *testing.T) {
	sink := &memorySink{}
	// One slow worker and a single queue slot: the third submission cannot be
	// queued and must take the inline sentinel path without blocking.
	pool := NewPool(&stubScorer{verdict: Verdict{RiskLevel: RiskLow}, delay: 300 * time.Millisecond}, sink, 1, 1)

	pool.Submit(turn.TurnRecord{CorrelationID: "turn_d"})
	pool.Submit(turn.TurnRecord{CorrelationID: "turn_e"})

	done := make(chan struct{})
	go func() {
		pool.Submit(turn.TurnRecord{CorrelationID: "turn_f"})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(100 * time.Millisecond):
		t.Fatal("Submit blocked on a full queue")
	}

	pool.Stop()

	turns, verdicts := sink.snapshot()
	assert.Len(t, turns, 3)
	require.Len(t, verdicts, 3)
	byID := map[string]Verdict{}
	for _, v := range verdicts {
		byID[v.CorrelationID] = v
	}
	assert.True(t, byID["turn_f"].Unavailable, "overflowed record gets the sentinel verdict")
}

func TestPoolSubmitAfterStopPersists(t *testing.T) {
	sink := &memorySink{}
	pool := NewPool(&stubScorer{verdict: Verdict{RiskLevel: RiskLow}}, sink, 1, 4)
	pool.Stop()

	pool.Submit(turn.TurnRecord{CorrelationID: "turn_g"})

	turns, verdicts := sink.snapshot()
	require.Len(t, turns, 1)
	require.Len(t, verdicts, 1)
	assert.True(t, verdicts[0].Unavailable)
}

func TestPoolConcurrentSubmitAndStop(t *testing.T) {
	sink := &memorySink{}
	pool := NewPool(&stubScorer{verdict: Verdict{RiskLevel: RiskLow}}, sink, 2, 4)

	const submitters = 8
	var wg sync.WaitGroup
	start := make(chan struct{})
	wg.Add(submitters)
	for i := 0; i < submitters; i++ {
		id := string(rune('a' + i))
		go func() {
			defer wg.Done()
			<-start
			pool.Submit(turn.TurnRecord{CorrelationID: "turn_race_" + id})
		}()
	}

	// Stop races the submitters: a send must never hit a closed queue, and
	// every record still gets exactly one verdict through either path.
	close(start)
	pool.Stop()
	wg.Wait()

	turns, verdicts := sink.snapshot()
	assert.Len(t, turns, submitters)
	require.Len(t, verdicts, submitters)
	seen := map[string]bool{}
	for _, v := range verdicts {
		assert.False(t, seen[v.CorrelationID], "exactly one verdict per turn")
		seen[v.CorrelationID] = true
	}
}

func TestPoolSinkFailureDoesNotPanic(t *testing.T) {
	sink := &memorySink{turnErr: errors.New("disk full")}
	pool := NewPool(&stubScorer{verdict: Verdict{RiskLevel: RiskLow}}, sink, 1, 4)

	pool.Submit(turn.TurnRecord{CorrelationID: "turn_h"})
	pool.Stop()

	_, verdicts := sink.snapshot()
	assert.Len(t, verdicts, 1, "verdict is still attempted after turn persist failure")
}
