package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"csms/internal/config"
	"csms/internal/logging"
	"csms/internal/memstore"
	"csms/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.llib.dev/testcase/clock/timecop"
)

func profiles(p config.BootProfile) config.BootProfiles {
	return config.BootProfiles{Models: map[string]config.BootProfile{"M1": p}}
}

func autoAcceptProfile() config.BootProfile {
	return config.BootProfile{
		UnknownChargerStatus: string(models.RegistrationPending),
		HeartbeatInterval:    300,
		BootRetryInterval:    60,
		AutoAccept:           true,
	}
}

func TestBootService_PendingAutoAccepted(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	timecop.Travel(t, now, timecop.Freeze)

	s := memstore.New()
	svc := NewBootService(s, profiles(autoAcceptProfile()), logging.Discard())

	d, err := svc.Decide(ctx, "CS-1", BootInfo{Vendor: "V", Model: "M1", Protocol: models.ProtocolOCPP201})
	require.NoError(t, err)
	assert.Equal(t, models.RegistrationAccepted, d.Status)
	assert.Equal(t, 300, d.Interval)
	assert.False(t, d.NeedsBaseReport)
	assert.Empty(t, d.PendingVariables)

	rec, err := s.GetBootRecord(ctx, "CS-1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, models.RegistrationAccepted, rec.Status)
	require.NotNil(t, rec.LastBootTime)
	assert.True(t, rec.LastBootTime.Equal(now))

	st, err := s.GetStation(ctx, "CS-1")
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.Equal(t, "M1", st.Model)
	assert.Equal(t, models.ProtocolOCPP201, st.Protocol)
}

func TestBootService_RepeatedDecisionsStayAccepted(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	falseVal := false
	require.NoError(t, s.SaveBootRecord(ctx, models.BootRecord{
		StationId:              "CS-1",
		Status:                 models.RegistrationPending,
		GetBaseReportOnPending: &falseVal,
	}))
	svc := NewBootService(s, profiles(autoAcceptProfile()), logging.Discard())

	for i := 0; i < 5; i++ {
		d, err := svc.Decide(ctx, "CS-1", BootInfo{Model: "M1"})
		require.NoError(t, err)
		assert.Equal(t, models.RegistrationAccepted, d.Status)
		assert.Equal(t, 300, d.Interval)
	}
}

func TestBootService_PendingWithFollowUps(t *testing.T) {
	ctx := context.Background()
	p := autoAcceptProfile()
	p.GetBaseReportOnPending = true
	p.SetVariables = []models.SetVariable{{Component: "OCPPCommCtrlr", Variable: "HeartbeatInterval", Value: "300"}}

	s := memstore.New()
	svc := NewBootService(s, profiles(p), logging.Discard())

	d, err := svc.Decide(ctx, "CS-1", BootInfo{Model: "M1"})
	require.NoError(t, err)
	assert.Equal(t, models.RegistrationPending, d.Status)
	assert.Equal(t, 60, d.Interval)
	assert.True(t, d.NeedsBaseReport)
	assert.Equal(t, p.SetVariables, d.PendingVariables)

	require.NoError(t, svc.ReportCompleted(ctx, "CS-1"))
	d, err = svc.Decide(ctx, "CS-1", BootInfo{Model: "M1"})
	require.NoError(t, err)
	assert.Equal(t, models.RegistrationPending, d.Status)
	assert.False(t, d.NeedsBaseReport)

	require.NoError(t, svc.ApplyVariableResults(ctx, "CS-1", p.SetVariables, nil))
	d, err = svc.Decide(ctx, "CS-1", BootInfo{Model: "M1"})
	require.NoError(t, err)
	assert.Equal(t, models.RegistrationAccepted, d.Status)
	assert.Equal(t, 300, d.Interval)
}

func TestBootService_RejectedVariablesRecorded(t *testing.T) {
	ctx := context.Background()
	p := autoAcceptProfile()
	p.SetVariables = []models.SetVariable{
		{Component: "A", Variable: "x", Value: "1"},
		{Component: "B", Variable: "y", Value: "2"},
	}
	s := memstore.New()
	svc := NewBootService(s, profiles(p), logging.Discard())

	_, err := svc.Decide(ctx, "CS-1", BootInfo{Model: "M1"})
	require.NoError(t, err)
	require.NoError(t, svc.ApplyVariableResults(ctx, "CS-1", p.SetVariables[:1], p.SetVariables[1:]))

	rec, err := s.GetBootRecord(ctx, "CS-1")
	require.NoError(t, err)
	assert.Empty(t, rec.PendingVariables)
	assert.Equal(t, p.SetVariables[1:], rec.RejectedVariables)
}

func TestBootService_PersistedStatusOverridesDefault(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	hb, retry := 900, 30
	require.NoError(t, s.SaveBootRecord(ctx, models.BootRecord{
		StationId:         "CS-1",
		Status:            models.RegistrationRejected,
		HeartbeatInterval: &hb,
		BootRetryInterval: &retry,
	}))
	svc := NewBootService(s, profiles(autoAcceptProfile()), logging.Discard())

	d, err := svc.Decide(ctx, "CS-1", BootInfo{Model: "M1"})
	require.NoError(t, err)
	assert.Equal(t, models.RegistrationRejected, d.Status)
	assert.Equal(t, 30, d.Interval)
}

func TestBootService_UnknownModel(t *testing.T) {
	s := memstore.New()
	svc := NewBootService(s, profiles(autoAcceptProfile()), logging.Discard())

	_, err := svc.Decide(context.Background(), "CS-1", BootInfo{Model: "other"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, config.ErrNoBootProfile))

	rec, err := s.GetBootRecord(context.Background(), "CS-1")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestDecide_IntervalMatchesStatus(t *testing.T) {
	hb, retry := 111, 22
	base := autoAcceptProfile()
	trueVal := true
	cases := []struct {
		name string
		rec  models.BootRecord
		prof config.BootProfile
	}{
		{"accepted", models.BootRecord{Status: models.RegistrationAccepted}, base},
		{"rejected", models.BootRecord{Status: models.RegistrationRejected}, base},
		{"pending with report", models.BootRecord{Status: models.RegistrationPending, GetBaseReportOnPending: &trueVal}, base},
		{"overrides", models.BootRecord{Status: models.RegistrationAccepted, HeartbeatInterval: &hb, BootRetryInterval: &retry}, base},
		{"unknown status", models.BootRecord{Status: "bogus"}, base},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := tc.rec
			d := decide(&rec, tc.prof)
			wantHb, wantRetry := tc.prof.HeartbeatInterval, tc.prof.BootRetryInterval
			if rec.HeartbeatInterval != nil {
				wantHb = *rec.HeartbeatInterval
			}
			if rec.BootRetryInterval != nil {
				wantRetry = *rec.BootRetryInterval
			}
			if d.Status == models.RegistrationAccepted {
				assert.Equal(t, wantHb, d.Interval)
			} else {
				assert.Equal(t, wantRetry, d.Interval)
			}
		})
	}
}
