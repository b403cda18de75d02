package ocpp

import "csms/internal/models"

const (
	ProtocolOCPP16  = models.ProtocolOCPP16
	ProtocolOCPP201 = models.ProtocolOCPP201
)

// Subprotocols lists the websocket subprotocols a station may negotiate, most
// preferred first.
var Subprotocols = []string{ProtocolOCPP201, ProtocolOCPP16}

// Actions initiated by a station.
const (
	ActionBootNotification   = "BootNotification"
	ActionHeartbeat          = "Heartbeat"
	ActionStatusNotification = "StatusNotification"
	ActionNotifyReport       = "NotifyReport"
	ActionAuthorize          = "Authorize"
	ActionTransactionEvent   = "TransactionEvent"
	ActionStartTransaction   = "StartTransaction"
	ActionStopTransaction    = "StopTransaction"
	ActionMeterValues        = "MeterValues"
)

// Actions initiated by the backend.
const (
	ActionSetVariables            = "SetVariables"
	ActionGetBaseReport           = "GetBaseReport"
	ActionReset                   = "Reset"
	ActionTriggerMessage          = "TriggerMessage"
	ActionChangeAvailability      = "ChangeAvailability"
	ActionSendLocalList           = "SendLocalList"
	ActionGetLocalListVersion     = "GetLocalListVersion"
	ActionRequestStartTransaction = "RequestStartTransaction"
	ActionRequestStopTransaction  = "RequestStopTransaction"
	ActionRemoteStartTransaction  = "RemoteStartTransaction"
	ActionRemoteStopTransaction   = "RemoteStopTransaction"
)

// StationActions is every station-initiated action the backend answers.
var StationActions = []string{
	ActionBootNotification,
	ActionHeartbeat,
	ActionStatusNotification,
	ActionNotifyReport,
	ActionAuthorize,
	ActionTransactionEvent,
	ActionStartTransaction,
	ActionStopTransaction,
	ActionMeterValues,
}

// BackendActions is every backend-initiated action whose result the backend
// consumes.
var BackendActions = []string{
	ActionSetVariables,
	ActionGetBaseReport,
	ActionReset,
	ActionTriggerMessage,
	ActionChangeAvailability,
	ActionSendLocalList,
	ActionGetLocalListVersion,
	ActionRequestStartTransaction,
	ActionRequestStopTransaction,
	ActionRemoteStartTransaction,
	ActionRemoteStopTransaction,
}
