package audit

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wardenlabs/warden/internal/gateway"
	"github.com/wardenlabs/warden/internal/turn"
	"github.com/wardenlabs/warden/internal/watchdog"
)

const testSigningKey = "test-signing-key-1234567890123456"

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	store, err := NewStore(filepath.Join(dir, "audit.db"), testSigningKey)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func sealedRecord(correlationID string) turn.TurnRecord {
	now := time.Now().UTC().Truncate(time.Second)
	return turn.TurnRecord{
		CorrelationID: correlationID,
		PromptSummary: "what is the latest Go release",
		ToolCalls: []turn.ToolCallRecord{{
			Request: gateway.ToolCallRequest{
				ToolName:      "internet_research",
				Arguments:     map[string]interface{}{"query": "latest go release"},
				CorrelationID: correlationID,
			},
			Result: gateway.AgentResult{
				OK:      true,
				Summary: "Go 1.24 is the latest stable release",
				Sources: []gateway.Source{{URL: "https://go.dev/doc/devel/release", Title: "Release History"}},
			},
		}},
		FinalAnswerSummary: "The latest stable release is Go 1.24.",
		CreatedAt:          now.Add(-2 * time.Second),
		SealedAt:           now,
	}
}

func TestRecordTurnAndGet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	rec := sealedRecord("turn_001")
	require.NoError(t, store.RecordTurn(ctx, rec))

	d, err := store.Get(ctx, "turn_001")
	require.NoError(t, err)
	assert.Equal(t, rec.CorrelationID, d.Record.CorrelationID)
	assert.Equal(t, rec.FinalAnswerSummary, d.Record.FinalAnswerSummary)
	require.Len(t, d.Record.ToolCalls, 1)
	assert.Equal(t, "internet_research", d.Record.ToolCalls[0].Request.ToolName)
	assert.Nil(t, d.Verdict, "verdict is pending until the watchdog records it")
}

func TestGetUnknownCorrelationID(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Get(context.Background(), "turn_missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRecordVerdictExactlyOnce(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.RecordTurn(ctx, sealedRecord("turn_002")))

	first := watchdog.Verdict{
		CorrelationID: "turn_002",
		RiskLevel:     watchdog.RiskLow,
		Notes:         "benign research question",
		ProducedAt:    time.Now().UTC(),
	}
	require.NoError(t, store.RecordVerdict(ctx, first))

	second := first
	second.RiskLevel = watchdog.RiskHigh
	err := store.RecordVerdict(ctx, second)
	var dup *DuplicateVerdictError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, "turn_002", dup.CorrelationID)

	d, err := store.Get(ctx, "turn_002")
	require.NoError(t, err)
	require.NotNil(t, d.Verdict)
	assert.Equal(t, watchdog.RiskLow, d.Verdict.RiskLevel, "first verdict stands")
}

func TestRecordSentinelVerdict(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.RecordTurn(ctx, sealedRecord("turn_003")))
	require.NoError(t, store.RecordVerdict(ctx, watchdog.UnavailableVerdict("turn_003")))

	d, err := store.Get(ctx, "turn_003")
	require.NoError(t, err)
	require.NotNil(t, d.Verdict)
	assert.True(t, d.Verdict.Unavailable)
	assert.Equal(t, watchdog.RiskUnknown, d.Verdict.RiskLevel)
}

func TestListIndex(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	older := sealedRecord("turn_old")
	older.SealedAt = older.SealedAt.Add(-time.Hour)
	older.ToolLoopExceeded = true
	require.NoError(t, store.RecordTurn(ctx, older))
	require.NoError(t, store.RecordVerdict(ctx, watchdog.Verdict{
		CorrelationID: "turn_old",
		RiskLevel:     watchdog.RiskHigh,
		Reasons:       []string{watchdog.ReasonOutOfPolicy},
		ProducedAt:    time.Now().UTC(),
	}))

	newer := sealedRecord("turn_new")
	require.NoError(t, store.RecordTurn(ctx, newer))

	all, err := store.ListIndex(ctx, "", time.Time{}, time.Time{}, 0)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "turn_new", all[0].CorrelationID, "newest first")
	assert.True(t, all[0].VerdictPending)
	assert.Equal(t, "turn_old", all[1].CorrelationID)
	assert.Equal(t, string(watchdog.RiskHigh), all[1].RiskLevel)
	assert.True(t, all[1].ToolLoopExceeded)
	assert.Equal(t, 1, all[1].ToolCalls)

	high, err := store.ListIndex(ctx, string(watchdog.RiskHigh), time.Time{}, time.Time{}, 0)
	require.NoError(t, err)
	require.Len(t, high, 1)
	assert.Equal(t, "turn_old", high[0].CorrelationID)

	limited, err := store.ListIndex(ctx, "", time.Time{}, time.Time{}, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestVerify(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.RecordTurn(ctx, sealedRecord("turn_004")))
	require.NoError(t, store.RecordVerdict(ctx, watchdog.UnavailableVerdict("turn_004")))

	ok, err := store.Verify(ctx, "turn_004")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestVerifyDetectsTampering(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.RecordTurn(ctx, sealedRecord("turn_005")))

	_, err := store.db.ExecContext(ctx,
		`UPDATE turns SET record_json = replace(record_json, 'Go 1.24', 'Go 9.99') WHERE correlation_id = ?`,
		"turn_005")
	require.NoError(t, err)

	ok, err := store.Verify(ctx, "turn_005")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSignerKeyValidation(t *testing.T) {
	_, err := NewSigner("too-short")
	require.Error(t, err)

	_, err = NewSigner(testSigningKey)
	require.NoError(t, err)

	// 64 hex chars decode to 32 bytes.
	_, err = NewSigner("deadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeef")
	require.NoError(t, err)
}
