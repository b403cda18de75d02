package services

import (
	"context"
	"encoding/json"
	"fmt"

	"csms/internal/config"
	"csms/internal/metrics"
	"csms/internal/models"
	"csms/internal/store"

	"github.com/sirupsen/logrus"
	clock "go.llib.dev/testcase/clock"
)

// BootProfileSource resolves the operator configuration for a station model.
type BootProfileSource interface {
	For(model string) (config.BootProfile, error)
}

// BootInfo is what a station tells about itself when it boots.
type BootInfo struct {
	Vendor   string
	Model    string
	Protocol string
}

type BootDecision struct {
	Status     models.RegistrationStatus
	Interval   int
	StatusInfo json.RawMessage
	// NeedsBaseReport and PendingVariables tell the caller which follow-up calls
	// the station still needs while Pending.
	NeedsBaseReport  bool
	PendingVariables []models.SetVariable
}

type BootService struct {
	Store    store.Store
	Profiles BootProfileSource
	Log      *logrus.Entry
}

func NewBootService(s store.Store, profiles BootProfileSource, log *logrus.Entry) *BootService {
	return &BootService{Store: s, Profiles: profiles, Log: log}
}

// Decide runs the registration decision for one boot attempt and persists it
// before returning. config.ErrNoBootProfile means the station's model is not
// configured; the attempt cannot be answered.
func (s *BootService) Decide(ctx context.Context, stationId string, info BootInfo) (BootDecision, error) {
	profile, err := s.Profiles.For(info.Model)
	if err != nil {
		return BootDecision{}, fmt.Errorf("boot %s: %w", stationId, err)
	}

	var d BootDecision
	err = s.Store.WithStation(ctx, stationId, func(ctx context.Context, q store.Queries) error {
		if err := q.UpsertStation(ctx, models.Station{
			StationId: stationId,
			Protocol:  info.Protocol,
			Vendor:    info.Vendor,
			Model:     info.Model,
		}); err != nil {
			return err
		}

		rec, err := q.GetBootRecord(ctx, stationId)
		if err != nil {
			return err
		}
		if rec == nil {
			rec = &models.BootRecord{
				StationId:        stationId,
				PendingVariables: append([]models.SetVariable(nil), profile.SetVariables...),
			}
		}

		d = decide(rec, profile)

		now := clock.Now().UTC()
		rec.LastBootTime = &now
		rec.Status = d.Status
		return q.SaveBootRecord(ctx, *rec)
	})
	if err != nil {
		return BootDecision{}, fmt.Errorf("boot %s: %w", stationId, err)
	}

	metrics.RecordBootDecision(string(d.Status))
	s.Log.WithFields(logrus.Fields{
		"station_id": stationId,
		"status":     d.Status,
		"interval":   d.Interval,
	}).Info("boot decided")
	return d, nil
}

func decide(rec *models.BootRecord, profile config.BootProfile) BootDecision {
	status := models.RegistrationStatus(profile.UnknownChargerStatus)
	if rec.Status.Valid() {
		status = rec.Status
	}

	needsReport := profile.GetBaseReportOnPending
	if rec.GetBaseReportOnPending != nil {
		needsReport = *rec.GetBaseReportOnPending
	}
	needsVariables := len(rec.PendingVariables) > 0

	if status == models.RegistrationPending && !needsReport && !needsVariables && profile.AutoAccept {
		status = models.RegistrationAccepted
	}

	d := BootDecision{Status: status, StatusInfo: rec.StatusInfo}
	if status == models.RegistrationAccepted {
		d.Interval = profile.HeartbeatInterval
		if rec.HeartbeatInterval != nil {
			d.Interval = *rec.HeartbeatInterval
		}
	} else {
		d.Interval = profile.BootRetryInterval
		if rec.BootRetryInterval != nil {
			d.Interval = *rec.BootRetryInterval
		}
	}
	if status == models.RegistrationPending {
		d.NeedsBaseReport = needsReport
		d.PendingVariables = append([]models.SetVariable(nil), rec.PendingVariables...)
	}
	return d
}

// ReportCompleted records that the station delivered its full base report.
func (s *BootService) ReportCompleted(ctx context.Context, stationId string) error {
	return s.Store.WithStation(ctx, stationId, func(ctx context.Context, q store.Queries) error {
		rec, err := q.GetBootRecord(ctx, stationId)
		if err != nil || rec == nil {
			return err
		}
		done := false
		rec.GetBaseReportOnPending = &done
		return q.SaveBootRecord(ctx, *rec)
	})
}

// ApplyVariableResults drops answered variables from the pending list. Rejected
// ones are kept on the rejected list for the operator.
func (s *BootService) ApplyVariableResults(ctx context.Context, stationId string, accepted, rejected []models.SetVariable) error {
	return s.Store.WithStation(ctx, stationId, func(ctx context.Context, q store.Queries) error {
		rec, err := q.GetBootRecord(ctx, stationId)
		if err != nil || rec == nil {
			return err
		}
		answered := append(append([]models.SetVariable(nil), accepted...), rejected...)
		remaining := rec.PendingVariables[:0:0]
		for _, v := range rec.PendingVariables {
			if !containsVariable(answered, v) {
				remaining = append(remaining, v)
			}
		}
		for _, v := range rejected {
			if containsVariable(rec.RejectedVariables, v) {
				continue
			}
			// results carry no value; keep the one that was requested
			for _, p := range rec.PendingVariables {
				if containsVariable([]models.SetVariable{p}, v) && v.Value == "" {
					v.Value = p.Value
				}
			}
			rec.RejectedVariables = append(rec.RejectedVariables, v)
		}
		rec.PendingVariables = remaining
		return q.SaveBootRecord(ctx, *rec)
	})
}

func containsVariable(list []models.SetVariable, v models.SetVariable) bool {
	for _, x := range list {
		if x.Component == v.Component && x.Variable == v.Variable && x.Instance == v.Instance {
			return true
		}
	}
	return false
}
