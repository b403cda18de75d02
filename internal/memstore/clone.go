package memstore

import (
	"time"

	"csms/internal/models"
)

func cloneInt64(p *int64) *int64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneInt(p *int) *int {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneBool(p *bool) *bool {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneTime(p *time.Time) *time.Time {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneBoot(b models.BootRecord) models.BootRecord {
	b.LastBootTime = cloneTime(b.LastBootTime)
	b.HeartbeatInterval = cloneInt(b.HeartbeatInterval)
	b.BootRetryInterval = cloneInt(b.BootRetryInterval)
	b.GetBaseReportOnPending = cloneBool(b.GetBaseReportOnPending)
	b.StatusInfo = append([]byte(nil), b.StatusInfo...)
	b.PendingVariables = append([]models.SetVariable(nil), b.PendingVariables...)
	b.RejectedVariables = append([]models.SetVariable(nil), b.RejectedVariables...)
	return b
}

func cloneAuthorization(a models.Authorization) models.Authorization {
	a.CacheExpiry = cloneTime(a.CacheExpiry)
	a.GroupAuthorizationId = cloneInt64(a.GroupAuthorizationId)
	return a
}

func cloneEntry(e models.LocalListEntry) models.LocalListEntry {
	e.AuthorizationId = cloneInt64(e.AuthorizationId)
	e.CacheExpiry = cloneTime(e.CacheExpiry)
	e.GroupAuthorizationId = cloneInt64(e.GroupAuthorizationId)
	if e.GroupIdToken != nil {
		g := *e.GroupIdToken
		e.GroupIdToken = &g
	}
	return e
}

func cloneEntries(in []models.LocalListEntry) []models.LocalListEntry {
	if in == nil {
		return nil
	}
	out := make([]models.LocalListEntry, len(in))
	for i, e := range in {
		out[i] = cloneEntry(e)
	}
	return out
}

func cloneTransaction(t models.Transaction) models.Transaction {
	t.StartTime = cloneTime(t.StartTime)
	t.EndTime = cloneTime(t.EndTime)
	t.EvseDbId = cloneInt64(t.EvseDbId)
	t.ConnectorDbId = cloneInt64(t.ConnectorDbId)
	t.AuthorizationId = cloneInt64(t.AuthorizationId)
	t.LocationId = cloneInt64(t.LocationId)
	t.TariffId = cloneInt64(t.TariffId)
	return t
}
