package ocpp

import (
	"time"
)

// OCPP 1.6 documents.

// IdTagType is the token type 1.6 idTags are stored under.
const IdTagType = "ISO14443"

type BootNotification16Request struct {
	ChargePointVendor       string `json:"chargePointVendor" validate:"required,max=20"`
	ChargePointModel        string `json:"chargePointModel" validate:"required,max=20"`
	ChargePointSerialNumber string `json:"chargePointSerialNumber,omitempty" validate:"max=25"`
	FirmwareVersion         string `json:"firmwareVersion,omitempty" validate:"max=50"`
}

type BootNotification16Response struct {
	CurrentTime time.Time `json:"currentTime"`
	Interval    int       `json:"interval" validate:"gte=0"`
	Status      string    `json:"status" validate:"oneof=Accepted Pending Rejected"`
}

type StatusNotification16Request struct {
	ConnectorId int        `json:"connectorId" validate:"gte=0"`
	ErrorCode   string     `json:"errorCode" validate:"required"`
	Status      string     `json:"status" validate:"required"`
	Timestamp   *time.Time `json:"timestamp,omitempty"`
	Info        string     `json:"info,omitempty" validate:"max=50"`
}

type IdTagInfo struct {
	Status      string     `json:"status" validate:"required,oneof=Accepted Blocked Expired Invalid ConcurrentTx"`
	ExpiryDate  *time.Time `json:"expiryDate,omitempty"`
	ParentIdTag string     `json:"parentIdTag,omitempty" validate:"max=20"`
}

type Authorize16Request struct {
	IdTag string `json:"idTag" validate:"required,max=20"`
}

type Authorize16Response struct {
	IdTagInfo IdTagInfo `json:"idTagInfo"`
}

type StartTransaction16Request struct {
	ConnectorId   int       `json:"connectorId" validate:"gt=0"`
	IdTag         string    `json:"idTag" validate:"required,max=20"`
	MeterStart    int       `json:"meterStart"`
	ReservationId *int      `json:"reservationId,omitempty"`
	Timestamp     time.Time `json:"timestamp" validate:"required"`
}

type StartTransaction16Response struct {
	IdTagInfo     IdTagInfo `json:"idTagInfo"`
	TransactionId int64     `json:"transactionId"`
}

type SampledValue16 struct {
	Value     string `json:"value" validate:"required"`
	Context   string `json:"context,omitempty"`
	Format    string `json:"format,omitempty"`
	Measurand string `json:"measurand,omitempty"`
	Phase     string `json:"phase,omitempty"`
	Location  string `json:"location,omitempty"`
	Unit      string `json:"unit,omitempty"`
}

type MeterValue16 struct {
	Timestamp    time.Time        `json:"timestamp" validate:"required"`
	SampledValue []SampledValue16 `json:"sampledValue" validate:"required,min=1,dive"`
}

type StopTransaction16Request struct {
	IdTag           string         `json:"idTag,omitempty" validate:"max=20"`
	MeterStop       int            `json:"meterStop"`
	Timestamp       time.Time      `json:"timestamp" validate:"required"`
	TransactionId   int64          `json:"transactionId"`
	Reason          string         `json:"reason,omitempty"`
	TransactionData []MeterValue16 `json:"transactionData,omitempty" validate:"dive"`
}

type StopTransaction16Response struct {
	IdTagInfo *IdTagInfo `json:"idTagInfo,omitempty"`
}

type MeterValues16Request struct {
	ConnectorId   int            `json:"connectorId" validate:"gte=0"`
	TransactionId *int64         `json:"transactionId,omitempty"`
	MeterValue    []MeterValue16 `json:"meterValue" validate:"required,min=1,dive"`
}

type AuthorizationData16 struct {
	IdTag     string     `json:"idTag" validate:"required,max=20"`
	IdTagInfo *IdTagInfo `json:"idTagInfo,omitempty"`
}

type SendLocalList16Request struct {
	ListVersion            int                   `json:"listVersion" validate:"gt=0"`
	LocalAuthorizationList []AuthorizationData16 `json:"localAuthorizationList,omitempty" validate:"dive"`
	UpdateType             string                `json:"updateType" validate:"required,oneof=Full Differential"`
}

type GetLocalListVersion16Response struct {
	ListVersion int `json:"listVersion"`
}

type RemoteStartTransaction16Request struct {
	ConnectorId *int   `json:"connectorId,omitempty"`
	IdTag       string `json:"idTag" validate:"required,max=20"`
}

type RemoteStopTransaction16Request struct {
	TransactionId int64 `json:"transactionId"`
}

type Reset16Request struct {
	Type string `json:"type" validate:"required,oneof=Hard Soft"`
}

type TriggerMessage16Request struct {
	RequestedMessage string `json:"requestedMessage" validate:"required"`
	ConnectorId      *int   `json:"connectorId,omitempty"`
}

type ChangeAvailability16Request struct {
	ConnectorId int    `json:"connectorId" validate:"gte=0"`
	Type        string `json:"type" validate:"required,oneof=Inoperative Operative"`
}
