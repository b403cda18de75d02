package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"csms/internal/broker"
	"csms/internal/config"
	"csms/internal/gatewayclient"
	"csms/internal/logging"
	"csms/internal/memstore"
	"csms/internal/modules"
	"csms/internal/ocpp"
	"csms/internal/router"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type env struct {
	api    *httptest.Server
	store  *memstore.Store
	frames chan ocpp.Frame
}

func newEnv(t *testing.T) *env {
	t.Helper()
	log := logging.Discard()
	s := memstore.New()
	b := broker.NewMemory(log)
	t.Cleanup(func() { _ = b.Close() })

	profile := config.BootProfile{UnknownChargerStatus: "Pending", HeartbeatInterval: 300, BootRetryInterval: 30, AutoAccept: true}
	set, err := modules.NewSet(b, s, modules.SetOptions{TenantId: "t", BootProfiles: config.BootProfiles{Default: &profile}}, log)
	require.NoError(t, err)
	require.NoError(t, set.Start(context.Background()))
	t.Cleanup(set.Stop)

	frames := make(chan ocpp.Frame, 16)
	gw := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		f, err := ocpp.ParseFrame(b)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		frames <- f
		w.WriteHeader(http.StatusAccepted)
	}))
	t.Cleanup(gw.Close)

	srv := &Server{
		Cfg:       config.Config{AdminAPIKey: "admin", GatewayAPIKey: "gw"},
		Store:     s,
		Router:    router.New(b, s, router.Options{TenantId: "t", CallTimeout: 2 * time.Second, SerializeCalls: true}, log),
		Host:      set.Host,
		EVDriver:  set.EVDriver,
		LocalList: set.EVDriver.LocalList,
		Tx:        set.Transactions.Tx,
		Gateway:   gatewayclient.New(gw.URL, ""),
		Log:       log,
	}
	api := httptest.NewServer(srv.Routes())
	t.Cleanup(api.Close)
	return &env{api: api, store: s, frames: frames}
}

func (e *env) do(t *testing.T, method, path, token string, body any) (int, []byte) {
	t.Helper()
	var rd io.Reader
	switch v := body.(type) {
	case nil:
	case string:
		rd = bytes.NewBufferString(v)
	default:
		b, err := json.Marshal(v)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, e.api.URL+path, rd)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	out, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, out
}

func (e *env) next(t *testing.T) ocpp.Frame {
	t.Helper()
	select {
	case f := <-e.frames:
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("gateway received no frame")
	}
	return ocpp.Frame{}
}

func (e *env) connect(t *testing.T, id, protocol string) {
	t.Helper()
	code, _ := e.do(t, http.MethodPost, "/v1/gateway/stations/"+id+"/connect", "gw", map[string]string{"protocol": protocol})
	require.Equal(t, http.StatusNoContent, code)
}

func (e *env) boot(t *testing.T, id string) {
	t.Helper()
	code, _ := e.do(t, http.MethodPost, "/v1/gateway/stations/"+id+"/frames", "gw",
		`[2,"b-1","BootNotification",{"chargingStation":{"model":"M1","vendorName":"V"},"reason":"PowerUp"}]`)
	require.Equal(t, http.StatusAccepted, code)
	f := e.next(t)
	require.Equal(t, ocpp.TypeCallResult, f.Type)
}

func TestHealthAndMetrics(t *testing.T) {
	e := newEnv(t)
	code, _ := e.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, code)
	code, _ = e.do(t, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, code)
}

func TestBearerRequired(t *testing.T) {
	e := newEnv(t)
	code, _ := e.do(t, http.MethodGet, "/v1/stations/CS-1", "", nil)
	assert.Equal(t, http.StatusUnauthorized, code)
	code, _ = e.do(t, http.MethodGet, "/v1/stations/CS-1", "gw", nil)
	assert.Equal(t, http.StatusUnauthorized, code)
	code, _ = e.do(t, http.MethodPost, "/v1/gateway/stations/CS-1/frames", "admin", `[2,"1","Heartbeat",{}]`)
	assert.Equal(t, http.StatusUnauthorized, code)
}

func TestGatewayBoot(t *testing.T) {
	e := newEnv(t)
	e.connect(t, "CS-1", ocpp.ProtocolOCPP201)
	e.boot(t, "CS-1")

	code, body := e.do(t, http.MethodGet, "/v1/stations/CS-1", "admin", nil)
	require.Equal(t, http.StatusOK, code)
	var st map[string]any
	require.NoError(t, json.Unmarshal(body, &st))
	assert.Equal(t, true, st["connected"])
	assert.Equal(t, ocpp.ProtocolOCPP201, st["protocol"])
	assert.Equal(t, "Accepted", st["registration"].(map[string]any)["status"])
}

func TestGatewayFrame_NotConnected(t *testing.T) {
	e := newEnv(t)
	code, _ := e.do(t, http.MethodPost, "/v1/gateway/stations/CS-9/frames", "gw", `[2,"1","Heartbeat",{}]`)
	assert.Equal(t, http.StatusConflict, code)
}

func TestGatewayConnect_UnsupportedProtocol(t *testing.T) {
	e := newEnv(t)
	code, _ := e.do(t, http.MethodPost, "/v1/gateway/stations/CS-1/connect", "gw", map[string]string{"protocol": "ocpp1.5"})
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestGetStation_NotFound(t *testing.T) {
	e := newEnv(t)
	code, _ := e.do(t, http.MethodGet, "/v1/stations/nope", "admin", nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestCommands(t *testing.T) {
	e := newEnv(t)
	e.connect(t, "CS-1", ocpp.ProtocolOCPP201)
	e.boot(t, "CS-1")

	req := map[string]any{
		"action":         ocpp.ActionReset,
		"stationId":      "CS-1",
		"idempotencyKey": "k-1",
		"payload":        map[string]string{"type": "Immediate"},
	}
	code, body := e.do(t, http.MethodPost, "/v1/commands", "admin", req)
	require.Equal(t, http.StatusAccepted, code)
	var cmd map[string]any
	require.NoError(t, json.Unmarshal(body, &cmd))
	id := cmd["commandId"].(string)

	call := e.next(t)
	require.Equal(t, ocpp.TypeCall, call.Type)
	assert.Equal(t, id, call.UniqueId)
	assert.Equal(t, ocpp.ActionReset, call.Action)

	code, _ = e.do(t, http.MethodPost, "/v1/gateway/stations/CS-1/frames", "gw", `[3,"`+id+`",{"status":"Accepted"}]`)
	require.Equal(t, http.StatusAccepted, code)

	require.Eventually(t, func() bool {
		_, body := e.do(t, http.MethodGet, "/v1/commands/"+id, "admin", nil)
		var c map[string]any
		return json.Unmarshal(body, &c) == nil && c["status"] == "Acked"
	}, 2*time.Second, 20*time.Millisecond)

	code, body = e.do(t, http.MethodPost, "/v1/commands", "admin", req)
	require.Equal(t, http.StatusOK, code)
	var again map[string]any
	require.NoError(t, json.Unmarshal(body, &again))
	assert.Equal(t, id, again["commandId"])
	assert.Equal(t, "Acked", again["status"])
}

func TestCommands_Validation(t *testing.T) {
	e := newEnv(t)
	code, _ := e.do(t, http.MethodPost, "/v1/commands", "admin", map[string]any{"action": "BootNotification", "stationId": "CS-1", "idempotencyKey": "k"})
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = e.do(t, http.MethodPost, "/v1/commands", "admin", map[string]any{"action": "Reset"})
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = e.do(t, http.MethodGet, "/v1/commands/missing", "admin", nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestPushLocalList(t *testing.T) {
	e := newEnv(t)
	e.connect(t, "CS-1", ocpp.ProtocolOCPP16)
	code, _ := e.do(t, http.MethodPost, "/v1/gateway/stations/CS-1/frames", "gw",
		`[2,"b-1","BootNotification",{"chargePointVendor":"V","chargePointModel":"M1"}]`)
	require.Equal(t, http.StatusAccepted, code)
	e.next(t)

	push := map[string]any{"updateType": "Full", "items": []map[string]any{{"idToken": map[string]string{"idToken": "nobody", "type": "ISO14443"}}}}
	code, _ = e.do(t, http.MethodPost, "/v1/stations/CS-1/local-list", "admin", push)
	assert.Equal(t, http.StatusUnprocessableEntity, code)

	code, _ = e.do(t, http.MethodPost, "/v1/stations/CS-9/local-list", "admin", push)
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = e.do(t, http.MethodPost, "/v1/stations/CS-1/local-list", "admin", map[string]any{"updateType": "Full"})
	require.Equal(t, http.StatusAccepted, code)
	call := e.next(t)
	assert.Equal(t, ocpp.ActionSendLocalList, call.Action)
	var req ocpp.SendLocalList16Request
	require.NoError(t, json.Unmarshal(call.Payload, &req))
	assert.Equal(t, 1, req.ListVersion)

	code, _ = e.do(t, http.MethodPost, "/v1/gateway/stations/CS-1/frames", "gw", `[3,"`+call.UniqueId+`",{"status":"Accepted"}]`)
	require.Equal(t, http.StatusAccepted, code)
	require.Eventually(t, func() bool {
		code, _ := e.do(t, http.MethodGet, "/v1/stations/CS-1/local-list", "admin", nil)
		return code == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)
}

func TestLocationsAndTariffs(t *testing.T) {
	e := newEnv(t)
	e.connect(t, "CS-1", ocpp.ProtocolOCPP201)
	e.boot(t, "CS-1")

	code, body := e.do(t, http.MethodPost, "/v1/locations", "admin", map[string]string{"name": "Depot"})
	require.Equal(t, http.StatusOK, code)
	var loc map[string]any
	require.NoError(t, json.Unmarshal(body, &loc))

	code, _ = e.do(t, http.MethodPut, "/v1/stations/CS-1/location", "admin", map[string]any{"locationId": loc["locationId"]})
	assert.Equal(t, http.StatusNoContent, code)
	code, _ = e.do(t, http.MethodPut, "/v1/stations/CS-9/location", "admin", map[string]any{"locationId": loc["locationId"]})
	assert.Equal(t, http.StatusNotFound, code)

	code, body = e.do(t, http.MethodPost, "/v1/tariffs", "admin", map[string]any{"pricePerKwh": 0.3})
	require.Equal(t, http.StatusOK, code)
	var tariff map[string]any
	require.NoError(t, json.Unmarshal(body, &tariff))
	assert.Equal(t, "USD", tariff["currency"])

	code, _ = e.do(t, http.MethodPut, "/v1/stations/CS-1/evses/1/connectors/1/tariff", "admin", map[string]any{"tariffId": tariff["tariffId"]})
	assert.Equal(t, http.StatusNoContent, code)
	code, _ = e.do(t, http.MethodPut, "/v1/stations/CS-1/evses/1/connectors/1/tariff", "admin", map[string]any{"tariffId": 999})
	assert.Equal(t, http.StatusNotFound, code)
}
