package memstore

import (
	"context"
	"errors"
	"sync"
	"testing"

	"csms/internal/models"
	"csms/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithStation_RollsBackOnError(t *testing.T) {
	ctx := context.Background()
	s := New()

	require.NoError(t, s.UpsertStation(ctx, models.Station{StationId: "cs-1", Model: "M1"}))

	boom := errors.New("boom")
	err := s.WithStation(ctx, "cs-1", func(ctx context.Context, q store.Queries) error {
		require.NoError(t, q.UpsertStation(ctx, models.Station{StationId: "cs-1", Model: "M2"}))
		require.NoError(t, q.SaveBootRecord(ctx, models.BootRecord{StationId: "cs-1", Status: models.RegistrationAccepted}))
		_, err := q.NextSequenceValue(ctx, "cs-1", models.SequenceTransactionId)
		require.NoError(t, err)
		require.NoError(t, q.InsertMessage(ctx, models.OcppMessage{StationId: "cs-1"}))
		return boom
	})
	require.ErrorIs(t, err, boom)

	st, err := s.GetStation(ctx, "cs-1")
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.Equal(t, "M1", st.Model)

	rec, err := s.GetBootRecord(ctx, "cs-1")
	require.NoError(t, err)
	assert.Nil(t, rec)

	next, err := s.NextSequenceValue(ctx, "cs-1", models.SequenceTransactionId)
	require.NoError(t, err)
	assert.Equal(t, int64(1), next)

	assert.Empty(t, s.Messages())
}

func TestWithStation_CommitsOnSuccess(t *testing.T) {
	ctx := context.Background()
	s := New()

	err := s.WithStation(ctx, "cs-1", func(ctx context.Context, q store.Queries) error {
		return q.SaveBootRecord(ctx, models.BootRecord{StationId: "cs-1", Status: models.RegistrationPending})
	})
	require.NoError(t, err)

	rec, err := s.GetBootRecord(ctx, "cs-1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, models.RegistrationPending, rec.Status)
}

func TestNextSequenceValue_ConcurrentCallersGetDistinctValues(t *testing.T) {
	ctx := context.Background()
	s := New()

	const n = 50
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = make(map[int64]bool)
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := s.NextSequenceValue(ctx, "cs-1", models.SequenceRequestId)
			assert.NoError(t, err)
			mu.Lock()
			seen[v] = true
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Len(t, seen, n)
	for i := int64(1); i <= n; i++ {
		assert.True(t, seen[i], "missing %d", i)
	}

	other, err := s.NextSequenceValue(ctx, "cs-1", models.SequenceStackLevel)
	require.NoError(t, err)
	assert.Equal(t, int64(1), other)
}

func TestDeleteAuthorization_ClearsSnapshotReference(t *testing.T) {
	ctx := context.Background()
	s := New()

	id, err := s.UpsertAuthorization(ctx, models.Authorization{IdToken: "A", IdTokenType: "ISO14443", Status: models.AuthAccepted})
	require.NoError(t, err)

	require.NoError(t, s.ReplaceLocalList(ctx, "cs-1", 3, []models.LocalListEntry{
		{AuthorizationId: &id, IdToken: "A", IdTokenType: "ISO14443", Status: models.AuthAccepted},
	}))
	require.NoError(t, s.DeleteAuthorization(ctx, id))

	list, err := s.GetLocalListVersion(ctx, "cs-1")
	require.NoError(t, err)
	require.Len(t, list.Entries, 1)
	assert.Nil(t, list.Entries[0].AuthorizationId)
	assert.Equal(t, "A", list.Entries[0].IdToken)
	assert.Equal(t, 3, list.Version)
}

func TestUpsertAuthorization_SameTokenKeepsId(t *testing.T) {
	ctx := context.Background()
	s := New()

	first, err := s.UpsertAuthorization(ctx, models.Authorization{IdToken: "A", IdTokenType: "Central", Status: models.AuthAccepted})
	require.NoError(t, err)
	second, err := s.UpsertAuthorization(ctx, models.Authorization{IdToken: "A", IdTokenType: "Central", Status: models.AuthBlocked})
	require.NoError(t, err)
	assert.Equal(t, first, second)

	a, err := s.GetAuthorization(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, models.AuthBlocked, a.Status)
}

func TestSetLocalListVersion_MissingRow(t *testing.T) {
	s := New()
	err := s.SetLocalListVersion(context.Background(), "cs-1", 2)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestInsertTransactionEvent_Duplicate(t *testing.T) {
	ctx := context.Background()
	s := New()

	txId, err := s.CreateTransaction(ctx, models.Transaction{StationId: "cs-1", TransactionId: "T1", IsActive: true})
	require.NoError(t, err)

	ev := models.TransactionEvent{TransactionDbId: txId, StationId: "cs-1", EventType: models.EventStarted, SeqNo: 0}
	_, inserted, err := s.InsertTransactionEvent(ctx, ev)
	require.NoError(t, err)
	assert.True(t, inserted)

	_, inserted, err = s.InsertTransactionEvent(ctx, ev)
	require.NoError(t, err)
	assert.False(t, inserted)

	events, err := s.ListTransactionEvents(ctx, txId)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestGetLocalListVersion_ReturnsCopy(t *testing.T) {
	ctx := context.Background()
	s := New()

	require.NoError(t, s.ReplaceLocalList(ctx, "cs-1", 1, []models.LocalListEntry{{IdToken: "A", IdTokenType: "Central"}}))

	list, err := s.GetLocalListVersion(ctx, "cs-1")
	require.NoError(t, err)
	list.Entries[0].IdToken = "mutated"

	again, err := s.GetLocalListVersion(ctx, "cs-1")
	require.NoError(t, err)
	assert.Equal(t, "A", again.Entries[0].IdToken)
}
