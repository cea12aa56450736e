package worker

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mailriver/mailriver/config"
	"github.com/mailriver/mailriver/dto"
	er "github.com/mailriver/mailriver/internal/errors"
	"github.com/mailriver/mailriver/internal/metrics"
)

func newTestDLQ(cfg *config.Config) (*DLQRouter, *fakeLogStore) {
	store := newFakeLogStore()
	m := metrics.New(prometheus.NewRegistry())
	return NewDLQRouter(store, cfg.Stream.DLQStream, cfg.Stream.MaxStreamLength, m, getLogger()), store
}

func TestDLQRouter_SendToDLQWritesEnvelope(t *testing.T) {
	// Arrange
	router, store := newTestDLQ(testConfig())

	// Act
	dlqID, err := router.SendToDLQ(context.Background(), "7-0", `{"uid":7}`,
		er.Newf(er.KindProcessingTransient, "handler busy"), 3)

	// Assert
	require.NoError(t, err)
	assert.NotEmpty(t, dlqID)
	entries := store.entries("test_dlq")
	require.Len(t, entries, 1)
	fields := entries[0].Fields
	assert.Equal(t, "7-0", fields["original_entry_id"])
	assert.Equal(t, `{"uid":7}`, fields[dto.PayloadField])
	assert.Equal(t, "ProcessingTransient", fields["error_kind"])
	assert.Contains(t, fields["error_message"], "handler busy")
	assert.Equal(t, "3", fields["retry_count"])
	_, parseErr := time.Parse(time.RFC3339, fields["failed_at"])
	assert.NoError(t, parseErr)
}

func TestDLQRouter_PeekReturnsOldestFirst(t *testing.T) {
	router, _ := newTestDLQ(testConfig())
	for _, originalID := range []string{"1-0", "2-0", "3-0"} {
		_, err := router.SendToDLQ(context.Background(), originalID, `{}`,
			er.Newf(er.KindProcessingTransient, "x"), 1)
		require.NoError(t, err)
	}

	peeked, err := router.Peek(context.Background(), 2)

	require.NoError(t, err)
	require.Len(t, peeked, 2)
	assert.Equal(t, "1-0", peeked[0].Envelope.OriginalEntryID)
	assert.Equal(t, "2-0", peeked[1].Envelope.OriginalEntryID)
	assert.NotEmpty(t, peeked[0].EntryID)
}

func TestDLQRouter_ReprocessMovesPayloadBack(t *testing.T) {
	router, store := newTestDLQ(testConfig())
	payload := `{"uid":9,"mailbox":"INBOX"}`
	_, err := router.SendToDLQ(context.Background(), "9-0", payload,
		er.Newf(er.KindProcessingTransient, "handler busy"), 6)
	require.NoError(t, err)
	peeked, err := router.Peek(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, peeked, 1)

	newID, err := router.Reprocess(context.Background(), peeked[0].EntryID, "test_stream")

	require.NoError(t, err)
	assert.NotEmpty(t, newID)
	// the payload lands alone and byte for byte, the envelope metadata
	// does not follow it back
	target := store.entries("test_stream")
	require.Len(t, target, 1)
	assert.Equal(t, map[string]string{dto.PayloadField: payload}, target[0].Fields)
	assert.Empty(t, store.entries("test_dlq"))
}

func TestDLQRouter_ReprocessUnknownEntry(t *testing.T) {
	router, _ := newTestDLQ(testConfig())

	_, err := router.Reprocess(context.Background(), "99-0", "test_stream")

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDLQEntryNotFound)
}

func TestDLQRouter_ReprocessEntryWithoutPayload(t *testing.T) {
	router, store := newTestDLQ(testConfig())
	id, err := store.Append(context.Background(), "test_dlq", map[string]string{"error_kind": "Unknown"}, 0)
	require.NoError(t, err)

	_, err = router.Reprocess(context.Background(), id, "test_stream")

	require.Error(t, err)
	assert.ErrorIs(t, err, er.ErrEntryMalformed)
}

func TestDLQRouter_ClearDropsEverything(t *testing.T) {
	router, store := newTestDLQ(testConfig())
	for i := 0; i < 2; i++ {
		_, err := router.SendToDLQ(context.Background(), "1-0", `{}`,
			er.Newf(er.KindProcessingTransient, "x"), 1)
		require.NoError(t, err)
	}

	dropped, err := router.Clear(context.Background())

	require.NoError(t, err)
	assert.Equal(t, int64(2), dropped)
	assert.Empty(t, store.entries("test_dlq"))
}
