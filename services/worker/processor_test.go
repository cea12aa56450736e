package worker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	er "github.com/mailriver/mailriver/internal/errors"
)

func TestKeywordProcessor_FlagsUrgentSubject(t *testing.T) {
	p := NewKeywordProcessor(getLogger())
	record := testRecord(3)
	record.Subject = "URGENT: disk almost full"

	result, err := p.Process(context.Background(), record)

	require.NoError(t, err)
	assert.True(t, result.Processed)
	assert.Equal(t, "high", result.Result["priority"])
	assert.Equal(t, []string{"urgent"}, result.Result["keyword_matches"])
	assert.Equal(t, record.MessageID, result.Result["message_id"])
	assert.Equal(t, record.From, result.Result["from"])
	_, parseErr := time.Parse(time.RFC3339, result.Result["processed_at"].(string))
	assert.NoError(t, parseErr)
}

func TestKeywordProcessor_FlagsBodyKeyword(t *testing.T) {
	p := NewKeywordProcessor(getLogger())
	record := testRecord(4)
	record.Subject = "weekly report"
	record.BodyText = "Action Required: confirm the numbers before Friday"

	result, err := p.Process(context.Background(), record)

	require.NoError(t, err)
	assert.Equal(t, "high", result.Result["priority"])
	assert.Contains(t, result.Result["keyword_matches"], "action required")
}

func TestKeywordProcessor_NormalWithoutKeywords(t *testing.T) {
	p := NewKeywordProcessor(getLogger())
	record := testRecord(5)
	record.Subject = "lunch?"
	record.BodyText = "12:30 at the usual place"

	result, err := p.Process(context.Background(), record)

	require.NoError(t, err)
	assert.Equal(t, "normal", result.Result["priority"])
	assert.Empty(t, result.Result["keyword_matches"])
}

func TestKeywordProcessor_RejectsIncompleteRecord(t *testing.T) {
	p := NewKeywordProcessor(getLogger())
	record := testRecord(6)
	record.UID = 0
	record.Mailbox = ""

	result, err := p.Process(context.Background(), record)

	require.Error(t, err)
	assert.Nil(t, result)
	assert.True(t, er.IsKind(err, er.KindInvariantViolation))
	assert.Contains(t, err.Error(), "uid")
	assert.Contains(t, err.Error(), "mailbox")
	assert.Equal(t, uint64(1), p.Stats().Failed)
}

func TestKeywordProcessor_StatsSuccessRate(t *testing.T) {
	p := NewKeywordProcessor(getLogger())
	for uid := uint64(1); uid <= 3; uid++ {
		_, err := p.Process(context.Background(), testRecord(uid))
		require.NoError(t, err)
	}
	bad := testRecord(9)
	bad.UID = 0
	_, err := p.Process(context.Background(), bad)
	require.Error(t, err)

	stats := p.Stats()

	assert.Equal(t, uint64(3), stats.Processed)
	assert.Equal(t, uint64(1), stats.Failed)
	assert.InDelta(t, 0.75, stats.SuccessRate, 0.0001)
}
