package models

import (
	"encoding/json"
	"time"
)

const (
	ProtocolOCPP16  = "ocpp1.6"
	ProtocolOCPP201 = "ocpp2.0.1"
)

type Station struct {
	StationId  string
	IsOnline   bool
	Protocol   string
	Vendor     string
	Model      string
	LocationId *int64
	CreatedAt  time.Time
	UpdatedAt  time.Time
	LastSeenAt *time.Time
}

type ConnectorStatus struct {
	StationId   string
	EvseId      int
	ConnectorId int
	Status      string
	ErrorCode   string
	UpdatedAt   time.Time
}

type RegistrationStatus string

const (
	RegistrationPending  RegistrationStatus = "Pending"
	RegistrationAccepted RegistrationStatus = "Accepted"
	RegistrationRejected RegistrationStatus = "Rejected"
)

// Valid reports whether s is one of the three registration states.
func (s RegistrationStatus) Valid() bool {
	switch s {
	case RegistrationPending, RegistrationAccepted, RegistrationRejected:
		return true
	}
	return false
}

// SetVariable is one queued or rejected device-model write for a station.
type SetVariable struct {
	Component string `json:"component" yaml:"component"`
	Variable  string `json:"variable" yaml:"variable"`
	Value     string `json:"value" yaml:"value"`
	Instance  string `json:"instance,omitempty" yaml:"instance,omitempty"`
}

type BootRecord struct {
	StationId              string
	LastBootTime           *time.Time
	HeartbeatInterval      *int
	BootRetryInterval      *int
	Status                 RegistrationStatus
	StatusInfo             json.RawMessage
	GetBaseReportOnPending *bool
	PendingVariables       []SetVariable
	RejectedVariables      []SetVariable
	UpdatedAt              time.Time
}

type AuthorizationStatus string

const (
	AuthAccepted     AuthorizationStatus = "Accepted"
	AuthBlocked      AuthorizationStatus = "Blocked"
	AuthExpired      AuthorizationStatus = "Expired"
	AuthInvalid      AuthorizationStatus = "Invalid"
	AuthUnknown      AuthorizationStatus = "Unknown"
	AuthConcurrentTx AuthorizationStatus = "ConcurrentTx"
)

// IdToken is the canonical (value, type) pair identifying an Authorization.
type IdToken struct {
	IdToken string `json:"idToken" validate:"required,max=36"`
	Type    string `json:"type" validate:"required"`
}

type Authorization struct {
	Id                    int64
	IdToken               string
	IdTokenType           string
	Status                AuthorizationStatus
	CacheExpiry           *time.Time
	GroupAuthorizationId  *int64
	ConcurrentTransaction bool
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

func (a Authorization) Token() IdToken {
	return IdToken{IdToken: a.IdToken, Type: a.IdTokenType}
}

type UpdateType string

const (
	UpdateFull         UpdateType = "Full"
	UpdateDifferential UpdateType = "Differential"
)

// LocalListEntry is a snapshot of an Authorization taken when it was placed on a
// station's list. AuthorizationId is cleared when the live record is deleted.
type LocalListEntry struct {
	Id                    int64
	AuthorizationId       *int64
	IdToken               string
	IdTokenType           string
	Status                AuthorizationStatus
	CacheExpiry           *time.Time
	GroupAuthorizationId  *int64
	GroupIdToken          *IdToken
	ConcurrentTransaction bool
}

type LocalListVersion struct {
	StationId string
	Version   int
	Entries   []LocalListEntry
	UpdatedAt time.Time
}

type PendingListUpdate struct {
	StationId     string
	CorrelationId string
	Version       int
	UpdateType    UpdateType
	Entries       []LocalListEntry
	CreatedAt     time.Time
}

// LocalListItem is one token requested for a list push.
type LocalListItem struct {
	AuthorizationId *int64   `json:"authorizationId,omitempty"`
	IdToken         IdToken  `json:"idToken" validate:"required"`
	GroupIdToken    *IdToken `json:"groupIdToken,omitempty"`
}

type SequenceType string

const (
	SequenceTransactionId      SequenceType = "transactionId"
	SequenceChargingScheduleId SequenceType = "chargingScheduleId"
	SequenceStackLevel         SequenceType = "stackLevel"
	SequenceRequestId          SequenceType = "requestId"
	SequenceRemoteStartId      SequenceType = "remoteStartId"
)

type Location struct {
	LocationId int64
	Name       string
	CreatedAt  time.Time
}

type Tariff struct {
	TariffId    int64
	PricePerKwh float64
	Currency    string
	CreatedAt   time.Time
}

type Evse struct {
	Id        int64
	StationId string
	EvseId    int
}

type Connector struct {
	Id          int64
	StationId   string
	EvseDbId    int64
	ConnectorId int
	TariffId    *int64
}

type Transaction struct {
	Id              int64
	StationId       string
	TransactionId   string
	IsActive        bool
	StartTime       *time.Time
	EndTime         *time.Time
	TotalKwh        float64
	ChargingState   string
	StoppedReason   string
	EvseDbId        *int64
	ConnectorDbId   *int64
	AuthorizationId *int64
	LocationId      *int64
	TariffId        *int64
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

type TransactionEventType string

const (
	EventStarted TransactionEventType = "Started"
	EventUpdated TransactionEventType = "Updated"
	EventEnded   TransactionEventType = "Ended"
)

type TransactionEvent struct {
	Id              int64
	TransactionDbId int64
	StationId       string
	EventType       TransactionEventType
	Timestamp       time.Time
	SeqNo           int
	TriggerReason   string
	IdToken         *IdToken
	AuthorizationId *int64
	Payload         json.RawMessage
}

const MeasurandEnergyImportRegister = "Energy.Active.Import.Register"

type UnitOfMeasure struct {
	Unit       string `json:"unit,omitempty"`
	Multiplier int    `json:"multiplier,omitempty"`
}

type SampledValue struct {
	Value         float64        `json:"value"`
	Context       string         `json:"context,omitempty"`
	Measurand     string         `json:"measurand,omitempty"`
	Phase         string         `json:"phase,omitempty"`
	Location      string         `json:"location,omitempty"`
	UnitOfMeasure *UnitOfMeasure `json:"unitOfMeasure,omitempty"`
}

type MeterValue struct {
	Id                 int64
	TransactionDbId    *int64
	TransactionEventId *int64
	TransactionId      string
	StationId          string
	TariffId           *int64
	Timestamp          time.Time
	SampledValues      []SampledValue
}

// TransactionEventInput is a protocol-neutral transaction lifecycle event.
type TransactionEventInput struct {
	EventType     TransactionEventType
	TransactionId string
	Timestamp     time.Time
	SeqNo         int
	TriggerReason string
	ChargingState string
	StoppedReason string
	EvseId        *int
	ConnectorId   *int
	IdToken       *IdToken
	MeterValues   []MeterValue
	Payload       json.RawMessage
}

type CommandStatus string

const (
	CommandQueued   CommandStatus = "Queued"
	CommandSent     CommandStatus = "Sent"
	CommandAcked    CommandStatus = "Acked"
	CommandFailed   CommandStatus = "Failed"
	CommandTimedOut CommandStatus = "TimedOut"
)

type Command struct {
	CommandId      string
	StationId      string
	Action         string
	IdempotencyKey *string
	PayloadJSON    []byte
	Status         CommandStatus
	ResponseJSON   []byte
	Error          *string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

type OcppMessage struct {
	Id            int64
	StationId     string
	Origin        string
	Direction     string
	Action        string
	CorrelationId string
	Timestamp     time.Time
	Payload       []byte
}
