package services

import (
	"context"
	"fmt"
	"time"

	"csms/internal/metrics"
	"csms/internal/models"
	"csms/internal/store"

	"github.com/sirupsen/logrus"
	clock "go.llib.dev/testcase/clock"
)

// TransactionService folds transaction lifecycle events into Transactions and
// their meter values.
type TransactionService struct {
	Store store.Store
	Log   *logrus.Entry
	// MaxEventSkew bounds how far an event timestamp may lie from now before it
	// is replaced by the receive time. Zero disables the check.
	MaxEventSkew time.Duration
}

func NewTransactionService(s store.Store, maxSkew time.Duration, log *logrus.Entry) *TransactionService {
	return &TransactionService{Store: s, MaxEventSkew: maxSkew, Log: log}
}

// ApplyEvent records ev for the station. Replaying an event already applied
// changes nothing.
func (s *TransactionService) ApplyEvent(ctx context.Context, stationId string, ev models.TransactionEventInput) (*models.Transaction, error) {
	if ev.TransactionId == "" {
		return nil, fmt.Errorf("apply %s event for %s: empty transaction id", ev.EventType, stationId)
	}
	ev.Timestamp = s.clamp(ev.Timestamp)
	log := s.Log.WithFields(logrus.Fields{
		"station_id":     stationId,
		"transaction_id": ev.TransactionId,
		"event_type":     ev.EventType,
		"seq_no":         ev.SeqNo,
	})

	var (
		tx        *models.Transaction
		duplicate bool
	)
	err := s.Store.WithStation(ctx, stationId, func(ctx context.Context, q store.Queries) error {
		var err error
		tx, err = findOrCreate(ctx, q, stationId, ev)
		if err != nil {
			return err
		}

		if ev.EvseId != nil && tx.ConnectorDbId == nil {
			if err := attachConnector(ctx, q, tx, stationId, *ev.EvseId, ev.ConnectorId); err != nil {
				return err
			}
		}

		if ev.IdToken != nil && tx.AuthorizationId == nil {
			a, err := q.GetAuthorizationByToken(ctx, *ev.IdToken)
			if err != nil {
				return err
			}
			if a == nil {
				log.WithField("id_token", ev.IdToken.IdToken).Warn("unknown id token, transaction left unauthorized")
			} else {
				id := a.Id
				tx.AuthorizationId = &id
			}
		}

		eventId, inserted, err := q.InsertTransactionEvent(ctx, models.TransactionEvent{
			TransactionDbId: tx.Id,
			StationId:       stationId,
			EventType:       ev.EventType,
			Timestamp:       ev.Timestamp,
			SeqNo:           ev.SeqNo,
			TriggerReason:   ev.TriggerReason,
			IdToken:         ev.IdToken,
			AuthorizationId: tx.AuthorizationId,
			Payload:         ev.Payload,
		})
		if err != nil {
			return err
		}
		duplicate = !inserted

		if inserted {
			for _, mv := range ev.MeterValues {
				txId, evId := tx.Id, eventId
				mv.TransactionDbId = &txId
				mv.TransactionEventId = &evId
				mv.TransactionId = tx.TransactionId
				mv.StationId = stationId
				mv.TariffId = tx.TariffId
				if mv.Timestamp.IsZero() {
					mv.Timestamp = ev.Timestamp
				}
				if _, err := q.InsertMeterValue(ctx, mv); err != nil {
					return err
				}
			}
		}

		mvs, err := q.ListMeterValues(ctx, tx.Id)
		if err != nil {
			return err
		}
		tx.TotalKwh = TotalKwh(mvs)

		if ev.ChargingState != "" {
			tx.ChargingState = ev.ChargingState
		}
		if ev.EventType == models.EventEnded {
			end := ev.Timestamp
			tx.EndTime = &end
			tx.IsActive = false
			if ev.StoppedReason != "" {
				tx.StoppedReason = ev.StoppedReason
			}
		}
		return q.UpdateTransaction(ctx, *tx)
	})
	if err != nil {
		return nil, fmt.Errorf("apply %s event %s for %s: %w", ev.EventType, ev.TransactionId, stationId, err)
	}

	metrics.RecordTransactionEvent(string(ev.EventType), duplicate)
	if duplicate {
		log.Debug("duplicate transaction event ignored")
	} else {
		log.WithField("total_kwh", tx.TotalKwh).Info("transaction event applied")
	}
	return tx, nil
}

func findOrCreate(ctx context.Context, q store.Queries, stationId string, ev models.TransactionEventInput) (*models.Transaction, error) {
	tx, err := q.GetTransaction(ctx, stationId, ev.TransactionId)
	if err != nil || tx != nil {
		return tx, err
	}

	tx = &models.Transaction{
		StationId:     stationId,
		TransactionId: ev.TransactionId,
		IsActive:      ev.EventType != models.EventEnded,
	}
	if ev.EventType == models.EventStarted {
		start := ev.Timestamp
		tx.StartTime = &start
	}
	st, err := q.GetStation(ctx, stationId)
	if err != nil {
		return nil, err
	}
	if st != nil && st.LocationId != nil {
		loc := *st.LocationId
		tx.LocationId = &loc
	}
	id, err := q.CreateTransaction(ctx, *tx)
	if err != nil {
		return nil, err
	}
	tx.Id = id
	return tx, nil
}

func attachConnector(ctx context.Context, q store.Queries, tx *models.Transaction, stationId string, evseId int, connectorId *int) error {
	evse, err := q.FindOrCreateEvse(ctx, stationId, evseId)
	if err != nil {
		return err
	}
	evseDbId := evse.Id
	tx.EvseDbId = &evseDbId

	cid := 1
	if connectorId != nil {
		cid = *connectorId
	}
	conn, err := q.FindOrCreateConnector(ctx, stationId, evse.Id, cid)
	if err != nil {
		return err
	}
	connDbId := conn.Id
	tx.ConnectorDbId = &connDbId
	if conn.TariffId != nil && tx.TariffId == nil {
		tariff := *conn.TariffId
		tx.TariffId = &tariff
	}
	return nil
}

func (s *TransactionService) clamp(ts time.Time) time.Time {
	now := clock.Now().UTC()
	if ts.IsZero() {
		return now
	}
	if s.MaxEventSkew > 0 {
		d := ts.Sub(now)
		if d > s.MaxEventSkew || d < -s.MaxEventSkew {
			return now
		}
	}
	return ts.UTC()
}

func (s *TransactionService) Get(ctx context.Context, stationId, transactionId string) (*models.Transaction, error) {
	return s.Store.GetTransaction(ctx, stationId, transactionId)
}

func (s *TransactionService) List(ctx context.Context, stationId string, limit int) ([]models.Transaction, error) {
	return s.Store.ListTransactions(ctx, stationId, limit)
}
