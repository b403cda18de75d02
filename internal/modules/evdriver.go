package modules

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"csms/internal/models"
	"csms/internal/ocpp"
	"csms/internal/services"
	"csms/internal/store"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	clock "go.llib.dev/testcase/clock"
)

// EVDriver owns authorization, local list and remote start/stop actions.
type EVDriver struct {
	Auth      store.AuthorizationStore
	LocalList *services.LocalListService
	Seq       *services.SequenceGenerator
	Host      *Host
	Log       *logrus.Entry
}

func (m *EVDriver) Name() string { return "evdriver" }

func (m *EVDriver) Register(t *Table) {
	t.OnCall(ocpp.ActionAuthorize, m.authorize)

	t.OnResult(ocpp.ActionSendLocalList, m.sendLocalListResult)
	t.OnResult(ocpp.ActionGetLocalListVersion, m.getLocalListVersionResult)
	t.OnResult(ocpp.ActionRequestStartTransaction, m.remoteResult)
	t.OnResult(ocpp.ActionRequestStopTransaction, m.remoteResult)
	t.OnResult(ocpp.ActionRemoteStartTransaction, m.remoteResult)
	t.OnResult(ocpp.ActionRemoteStopTransaction, m.remoteResult)
}

func (m *EVDriver) authorize(ctx context.Context, req Request) (any, error) {
	if req.Protocol == ocpp.ProtocolOCPP16 {
		var in ocpp.Authorize16Request
		if err := ocpp.Decode(req.Payload, &in); err != nil {
			return nil, err
		}
		info, err := idTagInfo(ctx, m.Auth, ocpp.IdTag(in.IdTag))
		if err != nil {
			return nil, err
		}
		return ocpp.Authorize16Response{IdTagInfo: info}, nil
	}

	var in ocpp.AuthorizeRequest
	if err := ocpp.Decode(req.Payload, &in); err != nil {
		return nil, err
	}
	info, err := idTokenInfo(ctx, m.Auth, in.IdToken.ToModel())
	if err != nil {
		return nil, err
	}
	return ocpp.AuthorizeResponse{IdTokenInfo: info}, nil
}

// lookupStatus resolves token against the live authorizations. Unknown tokens
// and lapsed cache expiries are reported, never errors.
func lookupStatus(ctx context.Context, auth store.AuthorizationStore, token models.IdToken) (*models.Authorization, models.AuthorizationStatus, error) {
	a, err := auth.GetAuthorizationByToken(ctx, token)
	if err != nil {
		return nil, "", err
	}
	if a == nil {
		return nil, models.AuthUnknown, nil
	}
	if a.Status == models.AuthAccepted && a.CacheExpiry != nil && a.CacheExpiry.Before(clock.Now()) {
		return a, models.AuthExpired, nil
	}
	return a, a.Status, nil
}

func idTokenInfo(ctx context.Context, auth store.AuthorizationStore, token models.IdToken) (ocpp.IdTokenInfo, error) {
	a, status, err := lookupStatus(ctx, auth, token)
	if err != nil {
		return ocpp.IdTokenInfo{}, err
	}
	info := ocpp.IdTokenInfo{Status: string(status)}
	if a == nil {
		return info, nil
	}
	info.CacheExpiryDateTime = a.CacheExpiry
	if a.GroupAuthorizationId != nil {
		g, err := auth.GetAuthorization(ctx, *a.GroupAuthorizationId)
		if err != nil {
			return ocpp.IdTokenInfo{}, err
		}
		if g != nil {
			info.GroupIdToken = &ocpp.IdToken{IdToken: g.IdToken, Type: g.IdTokenType}
		}
	}
	return info, nil
}

func idTagInfo(ctx context.Context, auth store.AuthorizationStore, token models.IdToken) (ocpp.IdTagInfo, error) {
	a, status, err := lookupStatus(ctx, auth, token)
	if err != nil {
		return ocpp.IdTagInfo{}, err
	}
	info := ocpp.IdTagInfo{Status: ocpp.IdTagStatus(status)}
	if a == nil {
		return info, nil
	}
	info.ExpiryDate = a.CacheExpiry
	if a.GroupAuthorizationId != nil {
		g, err := auth.GetAuthorization(ctx, *a.GroupAuthorizationId)
		if err != nil {
			return ocpp.IdTagInfo{}, err
		}
		if g != nil {
			info.ParentIdTag = g.IdToken
		}
	}
	return info, nil
}

// PushRequest describes a local list update an operator wants on a station.
type PushRequest struct {
	StationId string
	// Version defaults to the committed version plus one.
	Version    int
	UpdateType models.UpdateType
	Items      []models.LocalListItem
}

// Push records a pending list update and sends it to the station. The list is
// committed only when the station accepts it.
func (m *EVDriver) Push(ctx context.Context, p PushRequest) (*models.PendingListUpdate, error) {
	protocol, err := m.Host.Protocol(ctx, p.StationId)
	if err != nil {
		return nil, err
	}
	if p.Version == 0 {
		if p.Version, err = m.LocalList.NextVersion(ctx, p.StationId); err != nil {
			return nil, err
		}
	}
	correlationId := uuid.NewString()
	u, err := m.LocalList.CreatePendingListUpdate(ctx, p.StationId, correlationId, p.Version, p.UpdateType, p.Items)
	if err != nil {
		return nil, err
	}

	var payload any
	if protocol == ocpp.ProtocolOCPP16 {
		payload = sendLocalList16(u)
	} else {
		payload = sendLocalList201(u)
	}
	if _, err := m.Host.Send(ctx, Call{
		StationId:     p.StationId,
		Action:        ocpp.ActionSendLocalList,
		Payload:       payload,
		CorrelationId: correlationId,
	}); err != nil {
		return nil, err
	}
	return u, nil
}

func sendLocalList201(u *models.PendingListUpdate) ocpp.SendLocalListRequest {
	req := ocpp.SendLocalListRequest{VersionNumber: u.Version, UpdateType: string(u.UpdateType)}
	for _, e := range u.Entries {
		info := &ocpp.IdTokenInfo{Status: string(e.Status), CacheExpiryDateTime: e.CacheExpiry}
		if e.GroupIdToken != nil {
			info.GroupIdToken = &ocpp.IdToken{IdToken: e.GroupIdToken.IdToken, Type: e.GroupIdToken.Type}
		}
		req.LocalAuthorizationList = append(req.LocalAuthorizationList, ocpp.AuthorizationData{
			IdToken:     ocpp.IdToken{IdToken: e.IdToken, Type: e.IdTokenType},
			IdTokenInfo: info,
		})
	}
	return req
}

func sendLocalList16(u *models.PendingListUpdate) ocpp.SendLocalList16Request {
	req := ocpp.SendLocalList16Request{ListVersion: u.Version, UpdateType: string(u.UpdateType)}
	for _, e := range u.Entries {
		info := &ocpp.IdTagInfo{Status: ocpp.IdTagStatus(e.Status), ExpiryDate: e.CacheExpiry}
		if e.GroupIdToken != nil {
			info.ParentIdTag = e.GroupIdToken.IdToken
		}
		req.LocalAuthorizationList = append(req.LocalAuthorizationList, ocpp.AuthorizationData16{
			IdTag:     e.IdToken,
			IdTagInfo: info,
		})
	}
	return req
}

// RequestVersion asks the station which list version it holds. The answer
// reconciles the backend's record.
func (m *EVDriver) RequestVersion(ctx context.Context, stationId string) (string, error) {
	return m.Host.Send(ctx, Call{
		StationId: stationId,
		Action:    ocpp.ActionGetLocalListVersion,
		Payload:   ocpp.GetLocalListVersionRequest{},
	})
}

func (m *EVDriver) sendLocalListResult(ctx context.Context, res Result) error {
	log := m.Log.WithFields(logrus.Fields{"station_id": res.StationId, "correlation_id": res.CorrelationId})
	if res.Err != nil {
		log.WithError(res.Err).Warn("local list not acknowledged, left uncommitted")
		return nil
	}
	var in ocpp.SendLocalListResponse
	if err := ocpp.Decode(res.Payload, &in); err != nil {
		return err
	}
	switch in.Status {
	case "Accepted":
		err := m.LocalList.ReconcileFromAcknowledgment(ctx, res.StationId, res.CorrelationId)
		if errors.Is(err, services.ErrNoLocalListVersion) || errors.Is(err, services.ErrGroupMismatch) {
			// the station now holds something the backend cannot record; ask it
			log.WithError(err).Warn("acknowledged list not committed, requesting station version")
			_, err = m.RequestVersion(ctx, res.StationId)
		}
		return err
	case "VersionMismatch":
		log.Warn("station reported a list version mismatch")
		_, err := m.RequestVersion(ctx, res.StationId)
		return err
	default:
		log.WithField("status", in.Status).Warn("local list refused")
		return nil
	}
}

func (m *EVDriver) getLocalListVersionResult(ctx context.Context, res Result) error {
	if res.Err != nil {
		m.Log.WithError(res.Err).WithField("station_id", res.StationId).Warn("list version not reported")
		return nil
	}
	var version int
	if res.Protocol == ocpp.ProtocolOCPP16 {
		var in ocpp.GetLocalListVersion16Response
		if err := ocpp.Decode(res.Payload, &in); err != nil {
			return err
		}
		version = in.ListVersion
	} else {
		var in ocpp.GetLocalListVersionResponse
		if err := ocpp.Decode(res.Payload, &in); err != nil {
			return err
		}
		version = in.VersionNumber
	}
	if version < 0 {
		// 1.6 stations without local list support answer -1
		return nil
	}
	_, err := m.LocalList.ReconcileReportedVersion(ctx, res.StationId, version)
	return err
}

// RemoteStart asks the station to start charging for token.
func (m *EVDriver) RemoteStart(ctx context.Context, stationId string, token models.IdToken, evseId *int) (string, error) {
	protocol, err := m.Host.Protocol(ctx, stationId)
	if err != nil {
		return "", err
	}
	if protocol == ocpp.ProtocolOCPP16 {
		return m.Host.Send(ctx, Call{
			StationId: stationId,
			Action:    ocpp.ActionRemoteStartTransaction,
			Payload:   ocpp.RemoteStartTransaction16Request{ConnectorId: evseId, IdTag: token.IdToken},
		})
	}
	remoteStartId, err := m.Seq.Next(ctx, stationId, models.SequenceRemoteStartId)
	if err != nil {
		return "", err
	}
	return m.Host.Send(ctx, Call{
		StationId: stationId,
		Action:    ocpp.ActionRequestStartTransaction,
		Payload: ocpp.RequestStartTransactionRequest{
			EvseId:        evseId,
			RemoteStartId: int(remoteStartId),
			IdToken:       ocpp.IdToken{IdToken: token.IdToken, Type: token.Type},
		},
	})
}

// RemoteStop asks the station to end transactionId.
func (m *EVDriver) RemoteStop(ctx context.Context, stationId, transactionId string) (string, error) {
	protocol, err := m.Host.Protocol(ctx, stationId)
	if err != nil {
		return "", err
	}
	if protocol == ocpp.ProtocolOCPP16 {
		id, err := strconv.ParseInt(transactionId, 10, 64)
		if err != nil {
			return "", fmt.Errorf("1.6 transaction id %q: %w", transactionId, err)
		}
		return m.Host.Send(ctx, Call{
			StationId: stationId,
			Action:    ocpp.ActionRemoteStopTransaction,
			Payload:   ocpp.RemoteStopTransaction16Request{TransactionId: id},
		})
	}
	return m.Host.Send(ctx, Call{
		StationId: stationId,
		Action:    ocpp.ActionRequestStopTransaction,
		Payload:   ocpp.RequestStopTransactionRequest{TransactionId: transactionId},
	})
}

func (m *EVDriver) remoteResult(_ context.Context, res Result) error {
	log := m.Log.WithFields(logrus.Fields{"station_id": res.StationId, "action": res.Action, "correlation_id": res.CorrelationId})
	if res.Err != nil {
		log.WithError(res.Err).Warn("remote command failed")
		return nil
	}
	var in ocpp.RequestStartTransactionResponse
	if err := ocpp.Decode(res.Payload, &in); err != nil {
		return err
	}
	log.WithFields(logrus.Fields{"status": in.Status, "transaction_id": in.TransactionId}).Info("remote command answered")
	return nil
}
