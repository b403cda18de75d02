package modules

import (
	"context"
	"encoding/json"
	"errors"

	"csms/internal/config"
	"csms/internal/models"
	"csms/internal/ocpp"
	"csms/internal/services"
	"csms/internal/store"

	"github.com/sirupsen/logrus"
	clock "go.llib.dev/testcase/clock"
)

// Provisioning owns registration, liveness and device-model actions.
type Provisioning struct {
	Boot     *services.BootService
	Seq      *services.SequenceGenerator
	Stations store.StationStore
	Host     *Host
	Log      *logrus.Entry
}

func (p *Provisioning) Name() string { return "provisioning" }

func (p *Provisioning) Register(t *Table) {
	t.OnCall(ocpp.ActionBootNotification, p.bootNotification)
	t.OnCall(ocpp.ActionHeartbeat, p.heartbeat)
	t.OnCall(ocpp.ActionStatusNotification, p.statusNotification)
	t.OnCall(ocpp.ActionNotifyReport, p.notifyReport)

	t.OnResult(ocpp.ActionSetVariables, p.setVariablesResult)
	t.OnResult(ocpp.ActionGetBaseReport, p.getBaseReportResult)
	t.OnResult(ocpp.ActionReset, p.statusResult)
	t.OnResult(ocpp.ActionTriggerMessage, p.statusResult)
	t.OnResult(ocpp.ActionChangeAvailability, p.statusResult)
}

func (p *Provisioning) bootNotification(ctx context.Context, req Request) (any, error) {
	var info services.BootInfo
	if req.Protocol == ocpp.ProtocolOCPP16 {
		var in ocpp.BootNotification16Request
		if err := ocpp.Decode(req.Payload, &in); err != nil {
			return nil, err
		}
		info = services.BootInfo{Vendor: in.ChargePointVendor, Model: in.ChargePointModel, Protocol: req.Protocol}
	} else {
		var in ocpp.BootNotificationRequest
		if err := ocpp.Decode(req.Payload, &in); err != nil {
			return nil, err
		}
		info = services.BootInfo{Vendor: in.ChargingStation.VendorName, Model: in.ChargingStation.Model, Protocol: req.Protocol}
	}

	d, err := p.Boot.Decide(ctx, req.StationId, info)
	if errors.Is(err, config.ErrNoBootProfile) {
		return nil, &CallError{Code: ocpp.ErrorInternalError, Description: "station model is not configured"}
	}
	if err != nil {
		return nil, err
	}

	now := clock.Now().UTC()
	if req.Protocol == ocpp.ProtocolOCPP16 {
		return ocpp.BootNotification16Response{CurrentTime: now, Interval: d.Interval, Status: string(d.Status)}, nil
	}

	resp := ocpp.BootNotificationResponse{CurrentTime: now, Interval: d.Interval, Status: string(d.Status)}
	if len(d.StatusInfo) > 0 {
		var si ocpp.StatusInfo
		if err := json.Unmarshal(d.StatusInfo, &si); err == nil && si.ReasonCode != "" {
			resp.StatusInfo = &si
		}
	}
	if !d.NeedsBaseReport && len(d.PendingVariables) == 0 {
		return resp, nil
	}
	return Reply{Payload: resp, Then: func(ctx context.Context) { p.followUp(ctx, req.StationId, d) }}, nil
}

// followUp issues the calls a Pending station still needs before it can be
// accepted.
func (p *Provisioning) followUp(ctx context.Context, stationId string, d services.BootDecision) {
	log := p.Log.WithField("station_id", stationId)
	if d.NeedsBaseReport {
		requestId, err := p.Seq.Next(ctx, stationId, models.SequenceRequestId)
		if err != nil {
			log.WithError(err).Error("allocate report request id failed")
		} else if _, err := p.Host.Send(ctx, Call{
			StationId: stationId,
			Action:    ocpp.ActionGetBaseReport,
			Payload:   ocpp.GetBaseReportRequest{RequestId: int(requestId), ReportBase: "FullInventory"},
		}); err != nil {
			log.WithError(err).Error("request base report failed")
		}
	}
	if len(d.PendingVariables) > 0 {
		data := make([]ocpp.SetVariableData, 0, len(d.PendingVariables))
		for _, v := range d.PendingVariables {
			data = append(data, ocpp.SetVariableData{
				AttributeValue: v.Value,
				Component:      ocpp.Component{Name: v.Component},
				Variable:       ocpp.Variable{Name: v.Variable, Instance: v.Instance},
			})
		}
		if _, err := p.Host.Send(ctx, Call{
			StationId: stationId,
			Action:    ocpp.ActionSetVariables,
			Payload:   ocpp.SetVariablesRequest{SetVariableData: data},
		}); err != nil {
			log.WithError(err).Error("set variables failed")
		}
	}
}

func (p *Provisioning) heartbeat(_ context.Context, _ Request) (any, error) {
	return ocpp.HeartbeatResponse{CurrentTime: clock.Now().UTC()}, nil
}

func (p *Provisioning) statusNotification(ctx context.Context, req Request) (any, error) {
	st := models.ConnectorStatus{StationId: req.StationId}
	if req.Protocol == ocpp.ProtocolOCPP16 {
		var in ocpp.StatusNotification16Request
		if err := ocpp.Decode(req.Payload, &in); err != nil {
			return nil, err
		}
		st.EvseId, st.ConnectorId = evseFor16(in.ConnectorId)
		st.Status = in.Status
		st.ErrorCode = in.ErrorCode
	} else {
		var in ocpp.StatusNotificationRequest
		if err := ocpp.Decode(req.Payload, &in); err != nil {
			return nil, err
		}
		st.EvseId = in.EvseId
		st.ConnectorId = in.ConnectorId
		st.Status = in.ConnectorStatus
	}
	if err := p.Stations.UpsertConnectorStatus(ctx, st); err != nil {
		return nil, err
	}
	return ocpp.StatusNotificationResponse{}, nil
}

// evseFor16 maps a 1.6 connector id onto an (EVSE, connector) pair: every 1.6
// connector is its own EVSE with connector 1. Connector 0 is the station itself.
func evseFor16(connectorId int) (evse, connector int) {
	if connectorId == 0 {
		return 0, 0
	}
	return connectorId, 1
}

func (p *Provisioning) notifyReport(ctx context.Context, req Request) (any, error) {
	var in ocpp.NotifyReportRequest
	if err := ocpp.Decode(req.Payload, &in); err != nil {
		return nil, err
	}
	if !in.Tbc {
		if err := p.Boot.ReportCompleted(ctx, req.StationId); err != nil {
			return nil, err
		}
		p.Log.WithFields(logrus.Fields{"station_id": req.StationId, "request_id": in.RequestId}).Info("base report completed")
	}
	return ocpp.NotifyReportResponse{}, nil
}

func (p *Provisioning) setVariablesResult(ctx context.Context, res Result) error {
	if res.Err != nil {
		p.Log.WithError(res.Err).WithField("station_id", res.StationId).Warn("set variables not answered, kept pending")
		return nil
	}
	var in ocpp.SetVariablesResponse
	if err := ocpp.Decode(res.Payload, &in); err != nil {
		return err
	}
	var accepted, rejected []models.SetVariable
	for _, r := range in.SetVariableResult {
		v := models.SetVariable{Component: r.Component.Name, Variable: r.Variable.Name, Instance: r.Variable.Instance}
		switch r.AttributeStatus {
		case "Accepted", "RebootRequired":
			accepted = append(accepted, v)
		default:
			rejected = append(rejected, v)
		}
	}
	return p.Boot.ApplyVariableResults(ctx, res.StationId, accepted, rejected)
}

func (p *Provisioning) getBaseReportResult(ctx context.Context, res Result) error {
	if res.Err != nil {
		p.Log.WithError(res.Err).WithField("station_id", res.StationId).Warn("base report request failed")
		return nil
	}
	var in ocpp.GenericStatusResponse
	if err := ocpp.Decode(res.Payload, &in); err != nil {
		return err
	}
	switch in.Status {
	case "Accepted":
	case "EmptyResultSet":
		return p.Boot.ReportCompleted(ctx, res.StationId)
	default:
		p.Log.WithFields(logrus.Fields{"station_id": res.StationId, "status": in.Status}).Warn("base report refused")
	}
	return nil
}

// statusResult logs the outcome of operator commands that need no follow-up.
func (p *Provisioning) statusResult(_ context.Context, res Result) error {
	log := p.Log.WithFields(logrus.Fields{"station_id": res.StationId, "action": res.Action, "correlation_id": res.CorrelationId})
	if res.Err != nil {
		log.WithError(res.Err).Warn("command failed")
		return nil
	}
	var in ocpp.GenericStatusResponse
	if err := ocpp.Decode(res.Payload, &in); err != nil {
		return err
	}
	log.WithField("status", in.Status).Info("command answered")
	return nil
}
