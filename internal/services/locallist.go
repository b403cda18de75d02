package services

import (
	"context"
	"errors"
	"fmt"

	"csms/internal/models"
	"csms/internal/store"

	"github.com/sirupsen/logrus"
	clock "go.llib.dev/testcase/clock"
)

var (
	ErrAuthorizationNotFound     = errors.New("authorization not found")
	ErrAuthorizationMismatch     = errors.New("authorization does not match token")
	ErrGroupMismatch             = errors.New("group token does not match the authorization's group")
	ErrNoLocalListVersion        = errors.New("station has no local list version")
	ErrPendingListUpdateNotFound = errors.New("pending list update not found")
	ErrInvalidListUpdate         = errors.New("invalid list update")
)

// LocalListService keeps the backend's record of each station's local
// authorization list in step with what the station acknowledged.
type LocalListService struct {
	Store store.Store
	Log   *logrus.Entry
}

func NewLocalListService(s store.Store, log *logrus.Entry) *LocalListService {
	return &LocalListService{Store: s, Log: log}
}

// CreatePendingListUpdate snapshots the requested authorizations into a pending
// update keyed by correlationId. Any unresolvable or mismatched item fails the
// whole push and nothing is persisted.
func (s *LocalListService) CreatePendingListUpdate(ctx context.Context, stationId, correlationId string, version int, updateType models.UpdateType, items []models.LocalListItem) (*models.PendingListUpdate, error) {
	if version <= 0 {
		return nil, fmt.Errorf("%w: version %d", ErrInvalidListUpdate, version)
	}
	if updateType != models.UpdateFull && updateType != models.UpdateDifferential {
		return nil, fmt.Errorf("%w: update type %q", ErrInvalidListUpdate, updateType)
	}

	var u models.PendingListUpdate
	err := s.Store.WithStation(ctx, stationId, func(ctx context.Context, q store.Queries) error {
		entries := make([]models.LocalListEntry, 0, len(items))
		for _, item := range items {
			e, err := resolveItem(ctx, q, item)
			if err != nil {
				return err
			}
			entries = append(entries, e)
		}
		u = models.PendingListUpdate{
			StationId:     stationId,
			CorrelationId: correlationId,
			Version:       version,
			UpdateType:    updateType,
			Entries:       entries,
			CreatedAt:     clock.Now().UTC(),
		}
		return q.CreatePendingListUpdate(ctx, u)
	})
	if err != nil {
		return nil, fmt.Errorf("create list update for %s: %w", stationId, err)
	}
	return &u, nil
}

func resolveItem(ctx context.Context, q store.Queries, item models.LocalListItem) (models.LocalListEntry, error) {
	a, err := q.GetAuthorizationByToken(ctx, item.IdToken)
	if err != nil {
		return models.LocalListEntry{}, err
	}
	if a == nil {
		return models.LocalListEntry{}, fmt.Errorf("%w: %s/%s", ErrAuthorizationNotFound, item.IdToken.IdToken, item.IdToken.Type)
	}
	if item.AuthorizationId != nil && *item.AuthorizationId != a.Id {
		return models.LocalListEntry{}, fmt.Errorf("%w: token %s/%s belongs to authorization %d, not %d",
			ErrAuthorizationMismatch, item.IdToken.IdToken, item.IdToken.Type, a.Id, *item.AuthorizationId)
	}

	var group *models.IdToken
	if item.GroupIdToken != nil {
		g, err := q.GetAuthorizationByToken(ctx, *item.GroupIdToken)
		if err != nil {
			return models.LocalListEntry{}, err
		}
		if g == nil {
			return models.LocalListEntry{}, fmt.Errorf("%w: group %s/%s", ErrAuthorizationNotFound, item.GroupIdToken.IdToken, item.GroupIdToken.Type)
		}
		if a.GroupAuthorizationId == nil || *a.GroupAuthorizationId != g.Id {
			return models.LocalListEntry{}, fmt.Errorf("%w: %s/%s is not in group %s/%s",
				ErrGroupMismatch, a.IdToken, a.IdTokenType, g.IdToken, g.IdTokenType)
		}
		tok := g.Token()
		group = &tok
	} else if a.GroupAuthorizationId != nil {
		g, err := q.GetAuthorization(ctx, *a.GroupAuthorizationId)
		if err != nil {
			return models.LocalListEntry{}, err
		}
		if g != nil {
			tok := g.Token()
			group = &tok
		}
	}
	return snapshot(*a, group), nil
}

func snapshot(a models.Authorization, group *models.IdToken) models.LocalListEntry {
	id := a.Id
	e := models.LocalListEntry{
		AuthorizationId:       &id,
		IdToken:               a.IdToken,
		IdTokenType:           a.IdTokenType,
		Status:                a.Status,
		ConcurrentTransaction: a.ConcurrentTransaction,
		GroupIdToken:          group,
	}
	if a.CacheExpiry != nil {
		t := *a.CacheExpiry
		e.CacheExpiry = &t
	}
	if a.GroupAuthorizationId != nil {
		g := *a.GroupAuthorizationId
		e.GroupAuthorizationId = &g
	}
	return e
}

// ReconcileFromAcknowledgment commits the pending update the station accepted.
// Re-acknowledging an update already committed leaves the list unchanged.
func (s *LocalListService) ReconcileFromAcknowledgment(ctx context.Context, stationId, correlationId string) error {
	err := s.Store.WithStation(ctx, stationId, func(ctx context.Context, q store.Queries) error {
		u, err := q.GetPendingListUpdate(ctx, stationId, correlationId)
		if err != nil {
			return err
		}
		if u == nil {
			return fmt.Errorf("%w: %s", ErrPendingListUpdateNotFound, correlationId)
		}

		entries, err := s.recheck(ctx, q, u.Entries)
		if err != nil {
			return err
		}

		switch u.UpdateType {
		case models.UpdateFull:
			return q.ReplaceLocalList(ctx, stationId, u.Version, entries)
		case models.UpdateDifferential:
			if len(entries) > 0 {
				cur, err := q.GetLocalListVersion(ctx, stationId)
				if err != nil {
					return err
				}
				if cur == nil {
					return ErrNoLocalListVersion
				}
				if err := q.UpsertLocalListEntries(ctx, stationId, entries); err != nil {
					return err
				}
			}
			if err := q.SetLocalListVersion(ctx, stationId, u.Version); err != nil {
				if errors.Is(err, store.ErrNotFound) {
					return ErrNoLocalListVersion
				}
				return err
			}
			return nil
		}
		return fmt.Errorf("%w: update type %q", ErrInvalidListUpdate, u.UpdateType)
	})
	if err != nil {
		return fmt.Errorf("commit list update %s for %s: %w", correlationId, stationId, err)
	}
	s.Log.WithFields(logrus.Fields{"station_id": stationId, "correlation_id": correlationId}).Info("local list committed")
	return nil
}

// recheck validates snapshot entries against the live authorizations at commit
// time. Entries whose authorization was deleted since the push keep their
// snapshot but lose the back-reference.
func (s *LocalListService) recheck(ctx context.Context, q store.Queries, entries []models.LocalListEntry) ([]models.LocalListEntry, error) {
	out := make([]models.LocalListEntry, len(entries))
	for i, e := range entries {
		if e.GroupAuthorizationId != nil {
			g, err := q.GetAuthorization(ctx, *e.GroupAuthorizationId)
			if err != nil {
				return nil, err
			}
			if g == nil {
				e.GroupAuthorizationId = nil
			}
		}
		if e.AuthorizationId != nil {
			a, err := q.GetAuthorization(ctx, *e.AuthorizationId)
			if err != nil {
				return nil, err
			}
			switch {
			case a == nil:
				e.AuthorizationId = nil
			case !sameGroup(a.GroupAuthorizationId, e.GroupAuthorizationId):
				return nil, fmt.Errorf("%w: %s/%s changed group since the push", ErrGroupMismatch, e.IdToken, e.IdTokenType)
			}
		}
		out[i] = e
	}
	return out, nil
}

func sameGroup(a, b *int64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// ReconcileReportedVersion applies a version number the station reported on its
// own. A different number empties the committed list and adopts the reported
// version; the backend never guesses what the station holds.
func (s *LocalListService) ReconcileReportedVersion(ctx context.Context, stationId string, version int) (reset bool, err error) {
	err = s.Store.WithStation(ctx, stationId, func(ctx context.Context, q store.Queries) error {
		cur, err := q.GetLocalListVersion(ctx, stationId)
		if err != nil {
			return err
		}
		if cur != nil && cur.Version == version {
			return nil
		}
		reset = true
		return q.ResetLocalList(ctx, stationId, version)
	})
	if err != nil {
		return false, fmt.Errorf("reconcile reported version for %s: %w", stationId, err)
	}
	if reset {
		s.Log.WithFields(logrus.Fields{"station_id": stationId, "version": version}).Warn("local list version diverged, list reset")
	}
	return reset, nil
}

func (s *LocalListService) Get(ctx context.Context, stationId string) (*models.LocalListVersion, error) {
	return s.Store.GetLocalListVersion(ctx, stationId)
}

// NextVersion returns the version a new push should carry.
func (s *LocalListService) NextVersion(ctx context.Context, stationId string) (int, error) {
	cur, err := s.Store.GetLocalListVersion(ctx, stationId)
	if err != nil {
		return 0, err
	}
	if cur == nil {
		return 1, nil
	}
	return cur.Version + 1, nil
}
