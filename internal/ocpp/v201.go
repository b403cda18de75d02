package ocpp

import (
	"encoding/json"
	"time"
)

// OCPP 2.0.1 documents. Field names follow the JSON schemas; only the fields the
// backend reads or writes are modelled.

type ChargingStation struct {
	Model           string `json:"model" validate:"required,max=20"`
	VendorName      string `json:"vendorName" validate:"required,max=50"`
	SerialNumber    string `json:"serialNumber,omitempty" validate:"max=25"`
	FirmwareVersion string `json:"firmwareVersion,omitempty" validate:"max=50"`
}

type BootNotificationRequest struct {
	ChargingStation ChargingStation `json:"chargingStation" validate:"required"`
	Reason          string          `json:"reason" validate:"required"`
}

type StatusInfo struct {
	ReasonCode     string `json:"reasonCode" validate:"required,max=20"`
	AdditionalInfo string `json:"additionalInfo,omitempty" validate:"max=512"`
}

type BootNotificationResponse struct {
	CurrentTime time.Time   `json:"currentTime"`
	Interval    int         `json:"interval" validate:"gte=0"`
	Status      string      `json:"status" validate:"oneof=Accepted Pending Rejected"`
	StatusInfo  *StatusInfo `json:"statusInfo,omitempty"`
}

type HeartbeatRequest struct{}

type HeartbeatResponse struct {
	CurrentTime time.Time `json:"currentTime"`
}

type StatusNotificationRequest struct {
	Timestamp       time.Time `json:"timestamp" validate:"required"`
	ConnectorStatus string    `json:"connectorStatus" validate:"required,oneof=Available Occupied Reserved Unavailable Faulted"`
	EvseId          int       `json:"evseId" validate:"gte=0"`
	ConnectorId     int       `json:"connectorId" validate:"gte=0"`
}

type StatusNotificationResponse struct{}

type Component struct {
	Name     string `json:"name" validate:"required,max=50"`
	Instance string `json:"instance,omitempty" validate:"max=50"`
}

type Variable struct {
	Name     string `json:"name" validate:"required,max=50"`
	Instance string `json:"instance,omitempty" validate:"max=50"`
}

type ReportData struct {
	Component Component       `json:"component" validate:"required"`
	Variable  Variable        `json:"variable" validate:"required"`
	Attribute json.RawMessage `json:"variableAttribute,omitempty"`
}

type NotifyReportRequest struct {
	RequestId   int          `json:"requestId"`
	GeneratedAt time.Time    `json:"generatedAt" validate:"required"`
	Tbc         bool         `json:"tbc,omitempty"`
	SeqNo       int          `json:"seqNo" validate:"gte=0"`
	ReportData  []ReportData `json:"reportData,omitempty" validate:"dive"`
}

type NotifyReportResponse struct{}

type SetVariableData struct {
	AttributeValue string    `json:"attributeValue" validate:"max=1000"`
	Component      Component `json:"component" validate:"required"`
	Variable       Variable  `json:"variable" validate:"required"`
}

type SetVariablesRequest struct {
	SetVariableData []SetVariableData `json:"setVariableData" validate:"required,min=1,dive"`
}

type SetVariableResult struct {
	AttributeStatus string    `json:"attributeStatus" validate:"required"`
	Component       Component `json:"component" validate:"required"`
	Variable        Variable  `json:"variable" validate:"required"`
}

type SetVariablesResponse struct {
	SetVariableResult []SetVariableResult `json:"setVariableResult" validate:"required,min=1,dive"`
}

type GetBaseReportRequest struct {
	RequestId  int    `json:"requestId"`
	ReportBase string `json:"reportBase" validate:"required,oneof=ConfigurationInventory FullInventory SummaryInventory"`
}

type GenericStatusResponse struct {
	Status     string      `json:"status" validate:"required"`
	StatusInfo *StatusInfo `json:"statusInfo,omitempty"`
}

type ResetRequest struct {
	Type   string `json:"type" validate:"required,oneof=Immediate OnIdle Hard Soft"`
	EvseId *int   `json:"evseId,omitempty"`
}

type TriggerMessageRequest struct {
	RequestedMessage string `json:"requestedMessage" validate:"required"`
	Evse             *EVSE  `json:"evse,omitempty"`
}

type ChangeAvailabilityRequest struct {
	OperationalStatus string `json:"operationalStatus" validate:"required,oneof=Inoperative Operative"`
	Evse              *EVSE  `json:"evse,omitempty"`
}

type EVSE struct {
	Id          int  `json:"id" validate:"gte=0"`
	ConnectorId *int `json:"connectorId,omitempty"`
}

type IdToken struct {
	IdToken string `json:"idToken" validate:"max=36"`
	Type    string `json:"type" validate:"required"`
}

type IdTokenInfo struct {
	Status              string     `json:"status" validate:"required"`
	CacheExpiryDateTime *time.Time `json:"cacheExpiryDateTime,omitempty"`
	GroupIdToken        *IdToken   `json:"groupIdToken,omitempty"`
}

type AuthorizeRequest struct {
	IdToken IdToken `json:"idToken" validate:"required"`
}

type AuthorizeResponse struct {
	IdTokenInfo IdTokenInfo `json:"idTokenInfo"`
}

type AuthorizationData struct {
	IdToken     IdToken      `json:"idToken" validate:"required"`
	IdTokenInfo *IdTokenInfo `json:"idTokenInfo,omitempty"`
}

type SendLocalListRequest struct {
	VersionNumber          int                 `json:"versionNumber" validate:"gt=0"`
	UpdateType             string              `json:"updateType" validate:"required,oneof=Full Differential"`
	LocalAuthorizationList []AuthorizationData `json:"localAuthorizationList,omitempty" validate:"dive"`
}

type SendLocalListResponse struct {
	Status string `json:"status" validate:"required"`
}

type GetLocalListVersionRequest struct{}

type GetLocalListVersionResponse struct {
	VersionNumber int `json:"versionNumber"`
}

type RequestStartTransactionRequest struct {
	EvseId        *int    `json:"evseId,omitempty"`
	RemoteStartId int     `json:"remoteStartId"`
	IdToken       IdToken `json:"idToken" validate:"required"`
}

type RequestStartTransactionResponse struct {
	Status        string `json:"status" validate:"required"`
	TransactionId string `json:"transactionId,omitempty"`
}

type RequestStopTransactionRequest struct {
	TransactionId string `json:"transactionId" validate:"required,max=36"`
}

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
	Timestamp    time.Time      `json:"timestamp" validate:"required"`
	SampledValue []SampledValue `json:"sampledValue" validate:"required,min=1"`
}

type TransactionInfo struct {
	TransactionId string `json:"transactionId" validate:"required,max=36"`
	ChargingState string `json:"chargingState,omitempty"`
	StoppedReason string `json:"stoppedReason,omitempty"`
	RemoteStartId *int   `json:"remoteStartId,omitempty"`
}

type TransactionEventRequest struct {
	EventType       string          `json:"eventType" validate:"required,oneof=Started Updated Ended"`
	Timestamp       time.Time       `json:"timestamp" validate:"required"`
	TriggerReason   string          `json:"triggerReason" validate:"required"`
	SeqNo           int             `json:"seqNo" validate:"gte=0"`
	Offline         bool            `json:"offline,omitempty"`
	TransactionInfo TransactionInfo `json:"transactionInfo" validate:"required"`
	IdToken         *IdToken        `json:"idToken,omitempty"`
	Evse            *EVSE           `json:"evse,omitempty"`
	MeterValue      []MeterValue    `json:"meterValue,omitempty" validate:"dive"`
}

type TransactionEventResponse struct {
	IdTokenInfo *IdTokenInfo `json:"idTokenInfo,omitempty"`
}

type MeterValuesRequest struct {
	EvseId     int          `json:"evseId" validate:"gte=0"`
	MeterValue []MeterValue `json:"meterValue" validate:"required,min=1,dive"`
}

type MeterValuesResponse struct{}
