package modules

import (
	"context"
	"strconv"

	"csms/internal/models"
	"csms/internal/ocpp"
	"csms/internal/services"
	"csms/internal/store"

	"github.com/sirupsen/logrus"
)

// Transactions owns the transaction lifecycle actions of both protocols.
type Transactions struct {
	Tx   *services.TransactionService
	Seq  *services.SequenceGenerator
	Auth store.AuthorizationStore
	Log  *logrus.Entry
}

func (m *Transactions) Name() string { return "transactions" }

func (m *Transactions) Register(t *Table) {
	t.OnCall(ocpp.ActionTransactionEvent, m.transactionEvent)
	t.OnCall(ocpp.ActionStartTransaction, m.startTransaction)
	t.OnCall(ocpp.ActionStopTransaction, m.stopTransaction)
	t.OnCall(ocpp.ActionMeterValues, m.meterValues)
}

func (m *Transactions) transactionEvent(ctx context.Context, req Request) (any, error) {
	var in ocpp.TransactionEventRequest
	if err := ocpp.Decode(req.Payload, &in); err != nil {
		return nil, err
	}
	ev := models.TransactionEventInput{
		EventType:     models.TransactionEventType(in.EventType),
		TransactionId: in.TransactionInfo.TransactionId,
		Timestamp:     in.Timestamp,
		SeqNo:         in.SeqNo,
		TriggerReason: in.TriggerReason,
		ChargingState: in.TransactionInfo.ChargingState,
		StoppedReason: in.TransactionInfo.StoppedReason,
		Payload:       req.Payload,
	}
	if in.Evse != nil {
		evse := in.Evse.Id
		ev.EvseId = &evse
		ev.ConnectorId = in.Evse.ConnectorId
	}
	if in.IdToken != nil {
		tok := in.IdToken.ToModel()
		ev.IdToken = &tok
	}
	for _, mv := range in.MeterValue {
		ev.MeterValues = append(ev.MeterValues, mv.ToModel())
	}
	if _, err := m.Tx.ApplyEvent(ctx, req.StationId, ev); err != nil {
		return nil, err
	}

	var resp ocpp.TransactionEventResponse
	if ev.IdToken != nil {
		info, err := idTokenInfo(ctx, m.Auth, *ev.IdToken)
		if err != nil {
			return nil, err
		}
		resp.IdTokenInfo = &info
	}
	return resp, nil
}

// startTransaction allocates the transaction id a 1.6 station asks for and
// records the start with the meter start reading.
func (m *Transactions) startTransaction(ctx context.Context, req Request) (any, error) {
	var in ocpp.StartTransaction16Request
	if err := ocpp.Decode(req.Payload, &in); err != nil {
		return nil, err
	}
	id, err := m.Seq.Next(ctx, req.StationId, models.SequenceTransactionId)
	if err != nil {
		return nil, err
	}
	evse, connector := evseFor16(in.ConnectorId)
	token := ocpp.IdTag(in.IdTag)
	ev := models.TransactionEventInput{
		EventType:     models.EventStarted,
		TransactionId: strconv.FormatInt(id, 10),
		Timestamp:     in.Timestamp,
		TriggerReason: "Authorized",
		EvseId:        &evse,
		ConnectorId:   &connector,
		IdToken:       &token,
		MeterValues: []models.MeterValue{{
			Timestamp:     in.Timestamp,
			SampledValues: ocpp.EnergyRegisterWh(in.MeterStart, "Transaction.Begin"),
		}},
		Payload: req.Payload,
	}
	if _, err := m.Tx.ApplyEvent(ctx, req.StationId, ev); err != nil {
		return nil, err
	}
	info, err := idTagInfo(ctx, m.Auth, token)
	if err != nil {
		return nil, err
	}
	return ocpp.StartTransaction16Response{IdTagInfo: info, TransactionId: id}, nil
}

func (m *Transactions) stopTransaction(ctx context.Context, req Request) (any, error) {
	var in ocpp.StopTransaction16Request
	if err := ocpp.Decode(req.Payload, &in); err != nil {
		return nil, err
	}
	ev := models.TransactionEventInput{
		EventType:     models.EventEnded,
		TransactionId: strconv.FormatInt(in.TransactionId, 10),
		Timestamp:     in.Timestamp,
		TriggerReason: "StopAuthorized",
		StoppedReason: in.Reason,
		Payload:       req.Payload,
		MeterValues: []models.MeterValue{{
			Timestamp:     in.Timestamp,
			SampledValues: ocpp.EnergyRegisterWh(in.MeterStop, "Transaction.End"),
		}},
	}
	for _, mv := range in.TransactionData {
		v, err := mv.ToModel()
		if err != nil {
			return nil, err
		}
		ev.MeterValues = append(ev.MeterValues, v)
	}
	if in.IdTag != "" {
		token := ocpp.IdTag(in.IdTag)
		ev.IdToken = &token
	}
	if _, err := m.Tx.ApplyEvent(ctx, req.StationId, ev); err != nil {
		return nil, err
	}

	var resp ocpp.StopTransaction16Response
	if ev.IdToken != nil {
		info, err := idTagInfo(ctx, m.Auth, *ev.IdToken)
		if err != nil {
			return nil, err
		}
		resp.IdTagInfo = &info
	}
	return resp, nil
}

// meterValues records periodic readings. 1.6 readings that name a transaction
// are applied as an update of it; readings outside a transaction are only
// logged.
func (m *Transactions) meterValues(ctx context.Context, req Request) (any, error) {
	if req.Protocol != ocpp.ProtocolOCPP16 {
		var in ocpp.MeterValuesRequest
		if err := ocpp.Decode(req.Payload, &in); err != nil {
			return nil, err
		}
		m.Log.WithFields(logrus.Fields{"station_id": req.StationId, "evse_id": in.EvseId, "samples": len(in.MeterValue)}).Debug("meter values outside a transaction")
		return ocpp.MeterValuesResponse{}, nil
	}

	var in ocpp.MeterValues16Request
	if err := ocpp.Decode(req.Payload, &in); err != nil {
		return nil, err
	}
	if in.TransactionId == nil {
		m.Log.WithFields(logrus.Fields{"station_id": req.StationId, "connector_id": in.ConnectorId}).Debug("meter values outside a transaction")
		return struct{}{}, nil
	}
	ev := models.TransactionEventInput{
		EventType:     models.EventUpdated,
		TransactionId: strconv.FormatInt(*in.TransactionId, 10),
		Timestamp:     in.MeterValue[0].Timestamp,
		TriggerReason: "MeterValuePeriodic",
		Payload:       req.Payload,
	}
	if in.ConnectorId > 0 {
		evse, connector := evseFor16(in.ConnectorId)
		ev.EvseId, ev.ConnectorId = &evse, &connector
	}
	for _, mv := range in.MeterValue {
		v, err := mv.ToModel()
		if err != nil {
			return nil, err
		}
		ev.MeterValues = append(ev.MeterValues, v)
	}
	if _, err := m.Tx.ApplyEvent(ctx, req.StationId, ev); err != nil {
		return nil, err
	}
	return struct{}{}, nil
}
