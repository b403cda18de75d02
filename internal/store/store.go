// Package store declares the persistence boundary used by the station state
// machines. internal/repo implements it on Postgres and internal/memstore in memory.
package store

import (
	"context"
	"errors"
	"time"

	"csms/internal/models"
)

// ErrNotFound is returned by mutations that require an existing row.
var ErrNotFound = errors.New("not found")

type StationStore interface {
	UpsertStation(ctx context.Context, s models.Station) error
	GetStation(ctx context.Context, id string) (*models.Station, error)
	SetStationOnline(ctx context.Context, id string, online bool, at time.Time) error
	TouchLastSeen(ctx context.Context, id string, at time.Time) error
	UpsertConnectorStatus(ctx context.Context, st models.ConnectorStatus) error
	ListConnectorStatuses(ctx context.Context, stationId string) ([]models.ConnectorStatus, error)
}

type BootStore interface {
	GetBootRecord(ctx context.Context, stationId string) (*models.BootRecord, error)
	SaveBootRecord(ctx context.Context, rec models.BootRecord) error
}

type AuthorizationStore interface {
	GetAuthorization(ctx context.Context, id int64) (*models.Authorization, error)
	GetAuthorizationByToken(ctx context.Context, token models.IdToken) (*models.Authorization, error)
	UpsertAuthorization(ctx context.Context, a models.Authorization) (int64, error)
	// DeleteAuthorization removes the live record and clears the back-reference of
	// every local list snapshot that pointed at it.
	DeleteAuthorization(ctx context.Context, id int64) error
}

type LocalListStore interface {
	CreatePendingListUpdate(ctx context.Context, u models.PendingListUpdate) error
	GetPendingListUpdate(ctx context.Context, stationId, correlationId string) (*models.PendingListUpdate, error)
	GetLocalListVersion(ctx context.Context, stationId string) (*models.LocalListVersion, error)
	// ReplaceLocalList drops the station's version row and committed entries and
	// creates a new version row holding entries.
	ReplaceLocalList(ctx context.Context, stationId string, version int, entries []models.LocalListEntry) error
	// SetLocalListVersion updates the version number of an existing row.
	// It returns ErrNotFound when the station has no version row.
	SetLocalListVersion(ctx context.Context, stationId string, version int) error
	// UpsertLocalListEntries removes committed entries referencing the same
	// authorization ids as entries, then attaches entries.
	UpsertLocalListEntries(ctx context.Context, stationId string, entries []models.LocalListEntry) error
	// ResetLocalList empties the committed entries and sets version, creating the
	// row when missing.
	ResetLocalList(ctx context.Context, stationId string, version int) error
}

type SequenceStore interface {
	NextSequenceValue(ctx context.Context, stationId string, kind models.SequenceType) (int64, error)
}

type LocationStore interface {
	CreateLocation(ctx context.Context, name string) (int64, error)
	SetStationLocation(ctx context.Context, stationId string, locationId int64) error
	UpsertTariff(ctx context.Context, t models.Tariff) (int64, error)
	GetTariff(ctx context.Context, id int64) (*models.Tariff, error)
	FindOrCreateEvse(ctx context.Context, stationId string, evseId int) (*models.Evse, error)
	FindOrCreateConnector(ctx context.Context, stationId string, evseDbId int64, connectorId int) (*models.Connector, error)
	SetConnectorTariff(ctx context.Context, connectorDbId int64, tariffId int64) error
}

type TransactionStore interface {
	GetTransaction(ctx context.Context, stationId, transactionId string) (*models.Transaction, error)
	CreateTransaction(ctx context.Context, t models.Transaction) (int64, error)
	UpdateTransaction(ctx context.Context, t models.Transaction) error
	ListTransactions(ctx context.Context, stationId string, limit int) ([]models.Transaction, error)
	// InsertTransactionEvent appends an event; inserted is false when an identical
	// event (transaction, type, seq no, timestamp) was already recorded.
	InsertTransactionEvent(ctx context.Context, e models.TransactionEvent) (id int64, inserted bool, err error)
	ListTransactionEvents(ctx context.Context, transactionDbId int64) ([]models.TransactionEvent, error)
	InsertMeterValue(ctx context.Context, mv models.MeterValue) (int64, error)
	ListMeterValues(ctx context.Context, transactionDbId int64) ([]models.MeterValue, error)
}

type CommandStore interface {
	CreateCommand(ctx context.Context, c models.Command) error
	GetCommand(ctx context.Context, id string) (*models.Command, error)
	GetCommandByIdempotency(ctx context.Context, key string) (*models.Command, error)
	MarkCommand(ctx context.Context, id string, status models.CommandStatus, response []byte, errMsg *string) error
}

type MessageStore interface {
	InsertMessage(ctx context.Context, m models.OcppMessage) error
}

// Queries is every persistence operation, bound either to the pool or to one
// station-scoped unit of work.
type Queries interface {
	StationStore
	BootStore
	AuthorizationStore
	LocalListStore
	SequenceStore
	LocationStore
	TransactionStore
	CommandStore
	MessageStore
}

type Store interface {
	Queries
	// WithStation runs fn inside one atomic unit serialized against every other
	// unit for the same station. Units for different stations never block each
	// other. Nothing fn wrote is visible when it returns an error.
	WithStation(ctx context.Context, stationId string, fn func(ctx context.Context, q Queries) error) error
	Close()
}
