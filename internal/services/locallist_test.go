package services

import (
	"context"
	"testing"

	"csms/internal/logging"
	"csms/internal/memstore"
	"csms/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedAuth(t *testing.T, s *memstore.Store, token string, group *int64) int64 {
	t.Helper()
	id, err := s.UpsertAuthorization(context.Background(), models.Authorization{
		IdToken:              token,
		IdTokenType:          "ISO14443",
		Status:               models.AuthAccepted,
		GroupAuthorizationId: group,
	})
	require.NoError(t, err)
	return id
}

func item(token string) models.LocalListItem {
	return models.LocalListItem{IdToken: models.IdToken{IdToken: token, Type: "ISO14443"}}
}

func entryTokens(entries []models.LocalListEntry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.IdToken)
	}
	return out
}

func TestLocalList_FullPushCommitted(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	seedAuth(t, s, "AAA", nil)
	seedAuth(t, s, "BBB", nil)
	svc := NewLocalListService(s, logging.Discard())

	_, err := svc.CreatePendingListUpdate(ctx, "CS-1", "corr-1", 5, models.UpdateFull,
		[]models.LocalListItem{item("AAA"), item("BBB")})
	require.NoError(t, err)

	v, err := s.GetLocalListVersion(ctx, "CS-1")
	require.NoError(t, err)
	assert.Nil(t, v, "nothing is committed before the acknowledgment")

	require.NoError(t, svc.ReconcileFromAcknowledgment(ctx, "CS-1", "corr-1"))

	v, err = s.GetLocalListVersion(ctx, "CS-1")
	require.NoError(t, err)
	require.NotNil(t, v)
	assert.Equal(t, 5, v.Version)
	assert.ElementsMatch(t, []string{"AAA", "BBB"}, entryTokens(v.Entries))
}

func TestLocalList_FullAckTwiceIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	seedAuth(t, s, "AAA", nil)
	seedAuth(t, s, "BBB", nil)
	svc := NewLocalListService(s, logging.Discard())

	_, err := svc.CreatePendingListUpdate(ctx, "CS-1", "corr-1", 5, models.UpdateFull,
		[]models.LocalListItem{item("AAA"), item("BBB")})
	require.NoError(t, err)

	require.NoError(t, svc.ReconcileFromAcknowledgment(ctx, "CS-1", "corr-1"))
	once, err := s.GetLocalListVersion(ctx, "CS-1")
	require.NoError(t, err)

	require.NoError(t, svc.ReconcileFromAcknowledgment(ctx, "CS-1", "corr-1"))
	twice, err := s.GetLocalListVersion(ctx, "CS-1")
	require.NoError(t, err)

	assert.Equal(t, once.Version, twice.Version)
	assert.ElementsMatch(t, entryTokens(once.Entries), entryTokens(twice.Entries))
	assert.Len(t, twice.Entries, 2)
}

func TestLocalList_PushRejectsUnknownToken(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	seedAuth(t, s, "AAA", nil)
	svc := NewLocalListService(s, logging.Discard())

	_, err := svc.CreatePendingListUpdate(ctx, "CS-1", "corr-1", 1, models.UpdateFull,
		[]models.LocalListItem{item("AAA"), item("missing")})
	require.ErrorIs(t, err, ErrAuthorizationNotFound)

	u, err := s.GetPendingListUpdate(ctx, "CS-1", "corr-1")
	require.NoError(t, err)
	assert.Nil(t, u)
}

func TestLocalList_PushRejectsMismatchedAuthorization(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	a := seedAuth(t, s, "AAA", nil)
	other := a + 100
	svc := NewLocalListService(s, logging.Discard())

	it := item("AAA")
	it.AuthorizationId = &other
	_, err := svc.CreatePendingListUpdate(ctx, "CS-1", "corr-1", 1, models.UpdateFull, []models.LocalListItem{it})
	require.ErrorIs(t, err, ErrAuthorizationMismatch)
}

func TestLocalList_GroupToken(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	group := seedAuth(t, s, "GRP", nil)
	seedAuth(t, s, "OTHER", nil)
	seedAuth(t, s, "AAA", &group)
	svc := NewLocalListService(s, logging.Discard())

	t.Run("matching group", func(t *testing.T) {
		it := item("AAA")
		it.GroupIdToken = &models.IdToken{IdToken: "GRP", Type: "ISO14443"}
		u, err := svc.CreatePendingListUpdate(ctx, "CS-1", "g-1", 1, models.UpdateFull, []models.LocalListItem{it})
		require.NoError(t, err)
		require.Len(t, u.Entries, 1)
		require.NotNil(t, u.Entries[0].GroupAuthorizationId)
		assert.Equal(t, group, *u.Entries[0].GroupAuthorizationId)
		assert.Equal(t, "GRP", u.Entries[0].GroupIdToken.IdToken)
	})

	t.Run("group taken from the authorization", func(t *testing.T) {
		u, err := svc.CreatePendingListUpdate(ctx, "CS-1", "g-2", 1, models.UpdateFull, []models.LocalListItem{item("AAA")})
		require.NoError(t, err)
		require.NotNil(t, u.Entries[0].GroupIdToken)
		assert.Equal(t, "GRP", u.Entries[0].GroupIdToken.IdToken)
	})

	t.Run("wrong group", func(t *testing.T) {
		it := item("AAA")
		it.GroupIdToken = &models.IdToken{IdToken: "OTHER", Type: "ISO14443"}
		_, err := svc.CreatePendingListUpdate(ctx, "CS-1", "g-3", 1, models.UpdateFull, []models.LocalListItem{it})
		require.ErrorIs(t, err, ErrGroupMismatch)
	})

	t.Run("group changed before commit", func(t *testing.T) {
		_, err := svc.CreatePendingListUpdate(ctx, "CS-2", "g-4", 1, models.UpdateFull, []models.LocalListItem{item("AAA")})
		require.NoError(t, err)

		other, err := s.GetAuthorizationByToken(ctx, models.IdToken{IdToken: "OTHER", Type: "ISO14443"})
		require.NoError(t, err)
		_, err = s.UpsertAuthorization(ctx, models.Authorization{
			IdToken:              "AAA",
			IdTokenType:          "ISO14443",
			Status:               models.AuthAccepted,
			GroupAuthorizationId: &other.Id,
		})
		require.NoError(t, err)

		err = svc.ReconcileFromAcknowledgment(ctx, "CS-2", "g-4")
		require.ErrorIs(t, err, ErrGroupMismatch)
		v, err := s.GetLocalListVersion(ctx, "CS-2")
		require.NoError(t, err)
		assert.Nil(t, v)
	})
}

func TestLocalList_SnapshotIsACopy(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	seedAuth(t, s, "AAA", nil)
	svc := NewLocalListService(s, logging.Discard())

	_, err := svc.CreatePendingListUpdate(ctx, "CS-1", "corr-1", 1, models.UpdateFull, []models.LocalListItem{item("AAA")})
	require.NoError(t, err)
	require.NoError(t, svc.ReconcileFromAcknowledgment(ctx, "CS-1", "corr-1"))

	_, err = s.UpsertAuthorization(ctx, models.Authorization{IdToken: "AAA", IdTokenType: "ISO14443", Status: models.AuthBlocked})
	require.NoError(t, err)

	v, err := s.GetLocalListVersion(ctx, "CS-1")
	require.NoError(t, err)
	require.Len(t, v.Entries, 1)
	assert.Equal(t, models.AuthAccepted, v.Entries[0].Status)
}

func TestLocalList_DeletedAuthorizationKeepsSnapshot(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	id := seedAuth(t, s, "AAA", nil)
	svc := NewLocalListService(s, logging.Discard())

	_, err := svc.CreatePendingListUpdate(ctx, "CS-1", "corr-1", 1, models.UpdateFull, []models.LocalListItem{item("AAA")})
	require.NoError(t, err)
	require.NoError(t, s.DeleteAuthorization(ctx, id))
	require.NoError(t, svc.ReconcileFromAcknowledgment(ctx, "CS-1", "corr-1"))

	v, err := s.GetLocalListVersion(ctx, "CS-1")
	require.NoError(t, err)
	require.Len(t, v.Entries, 1)
	assert.Equal(t, "AAA", v.Entries[0].IdToken)
	assert.Nil(t, v.Entries[0].AuthorizationId)
}

func TestLocalList_Differential(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	seedAuth(t, s, "AAA", nil)
	seedAuth(t, s, "BBB", nil)
	svc := NewLocalListService(s, logging.Discard())

	t.Run("without a version row", func(t *testing.T) {
		_, err := svc.CreatePendingListUpdate(ctx, "CS-1", "d-0", 2, models.UpdateDifferential, nil)
		require.NoError(t, err)
		require.ErrorIs(t, svc.ReconcileFromAcknowledgment(ctx, "CS-1", "d-0"), ErrNoLocalListVersion)

		_, err = svc.CreatePendingListUpdate(ctx, "CS-1", "d-00", 2, models.UpdateDifferential, []models.LocalListItem{item("BBB")})
		require.NoError(t, err)
		require.ErrorIs(t, svc.ReconcileFromAcknowledgment(ctx, "CS-1", "d-00"), ErrNoLocalListVersion)
	})

	_, err := svc.CreatePendingListUpdate(ctx, "CS-1", "full", 1, models.UpdateFull, []models.LocalListItem{item("AAA")})
	require.NoError(t, err)
	require.NoError(t, svc.ReconcileFromAcknowledgment(ctx, "CS-1", "full"))

	t.Run("version bump only", func(t *testing.T) {
		_, err := svc.CreatePendingListUpdate(ctx, "CS-1", "d-1", 2, models.UpdateDifferential, nil)
		require.NoError(t, err)
		require.NoError(t, svc.ReconcileFromAcknowledgment(ctx, "CS-1", "d-1"))

		v, err := s.GetLocalListVersion(ctx, "CS-1")
		require.NoError(t, err)
		assert.Equal(t, 2, v.Version)
		assert.Equal(t, []string{"AAA"}, entryTokens(v.Entries))
	})

	t.Run("upsert entries", func(t *testing.T) {
		_, err := svc.CreatePendingListUpdate(ctx, "CS-1", "d-2", 3, models.UpdateDifferential,
			[]models.LocalListItem{item("AAA"), item("BBB")})
		require.NoError(t, err)
		require.NoError(t, svc.ReconcileFromAcknowledgment(ctx, "CS-1", "d-2"))
		require.NoError(t, svc.ReconcileFromAcknowledgment(ctx, "CS-1", "d-2"))

		v, err := s.GetLocalListVersion(ctx, "CS-1")
		require.NoError(t, err)
		assert.Equal(t, 3, v.Version)
		assert.ElementsMatch(t, []string{"AAA", "BBB"}, entryTokens(v.Entries))
	})
}

func TestLocalList_UnknownCorrelation(t *testing.T) {
	svc := NewLocalListService(memstore.New(), logging.Discard())
	err := svc.ReconcileFromAcknowledgment(context.Background(), "CS-1", "nope")
	require.ErrorIs(t, err, ErrPendingListUpdateNotFound)
}

func TestLocalList_ReportedVersion(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	seedAuth(t, s, "AAA", nil)
	svc := NewLocalListService(s, logging.Discard())

	t.Run("no row", func(t *testing.T) {
		reset, err := svc.ReconcileReportedVersion(ctx, "CS-1", 7)
		require.NoError(t, err)
		assert.True(t, reset)

		v, err := s.GetLocalListVersion(ctx, "CS-1")
		require.NoError(t, err)
		require.NotNil(t, v)
		assert.Equal(t, 7, v.Version)
		assert.Empty(t, v.Entries)
	})

	_, err := svc.CreatePendingListUpdate(ctx, "CS-1", "full", 8, models.UpdateFull, []models.LocalListItem{item("AAA")})
	require.NoError(t, err)
	require.NoError(t, svc.ReconcileFromAcknowledgment(ctx, "CS-1", "full"))

	t.Run("same version", func(t *testing.T) {
		reset, err := svc.ReconcileReportedVersion(ctx, "CS-1", 8)
		require.NoError(t, err)
		assert.False(t, reset)

		v, err := s.GetLocalListVersion(ctx, "CS-1")
		require.NoError(t, err)
		assert.Len(t, v.Entries, 1)
	})

	t.Run("diverged", func(t *testing.T) {
		for _, reported := range []int{0, 3, 12} {
			reset, err := svc.ReconcileReportedVersion(ctx, "CS-1", reported)
			require.NoError(t, err)
			assert.True(t, reset)

			v, err := s.GetLocalListVersion(ctx, "CS-1")
			require.NoError(t, err)
			assert.Equal(t, reported, v.Version)
			assert.Empty(t, v.Entries)
		}
	})
}

func TestLocalList_NextVersion(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	svc := NewLocalListService(s, logging.Discard())

	v, err := svc.NextVersion(ctx, "CS-1")
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	require.NoError(t, s.ResetLocalList(ctx, "CS-1", 4))
	v, err = svc.NextVersion(ctx, "CS-1")
	require.NoError(t, err)
	assert.Equal(t, 5, v)
}

func TestLocalList_RejectsBadUpdate(t *testing.T) {
	svc := NewLocalListService(memstore.New(), logging.Discard())
	_, err := svc.CreatePendingListUpdate(context.Background(), "CS-1", "c", 0, models.UpdateFull, nil)
	require.ErrorIs(t, err, ErrInvalidListUpdate)
	_, err = svc.CreatePendingListUpdate(context.Background(), "CS-1", "c", 1, "Partial", nil)
	require.ErrorIs(t, err, ErrInvalidListUpdate)
}
