package ocpp

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFrame(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    Frame
		wantErr bool
	}{
		{
			name: "call",
			raw:  `[2,"19223201","BootNotification",{"reason":"PowerUp"}]`,
			want: Frame{Type: TypeCall, UniqueId: "19223201", Action: "BootNotification", Payload: json.RawMessage(`{"reason":"PowerUp"}`)},
		},
		{
			name: "call result",
			raw:  `[3,"19223201",{"status":"Accepted"}]`,
			want: Frame{Type: TypeCallResult, UniqueId: "19223201", Payload: json.RawMessage(`{"status":"Accepted"}`)},
		},
		{
			name: "call error with details",
			raw:  `[4,"19223201","NotImplemented","no handler",{"a":1}]`,
			want: Frame{Type: TypeCallError, UniqueId: "19223201", ErrorCode: "NotImplemented", ErrorDescription: "no handler", ErrorDetails: json.RawMessage(`{"a":1}`)},
		},
		{name: "not json", raw: `[2,"1"`, wantErr: true},
		{name: "object", raw: `{"a":1}`, wantErr: true},
		{name: "unknown type", raw: `[9,"1",{}]`, wantErr: true},
		{name: "call without payload", raw: `[2,"1","Heartbeat"]`, wantErr: true},
		{name: "call with array payload", raw: `[2,"1","Heartbeat",[]]`, wantErr: true},
		{name: "missing id", raw: `[3,"",{}]`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseFrame([]byte(tt.raw))
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrMalformedFrame))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseFrame_KeepsIdOfMalformedCall(t *testing.T) {
	f, err := ParseFrame([]byte(`[2,"abc","Heartbeat","oops"]`))
	require.Error(t, err)
	assert.Equal(t, "abc", f.UniqueId)
}

func TestFrameEncode(t *testing.T) {
	b, err := NewCall("1", "Reset", json.RawMessage(`{"type":"Immediate"}`)).Encode()
	require.NoError(t, err)
	assert.JSONEq(t, `[2,"1","Reset",{"type":"Immediate"}]`, string(b))

	b, err = NewCallResult("1", nil).Encode()
	require.NoError(t, err)
	assert.JSONEq(t, `[3,"1",{}]`, string(b))

	b, err = NewCallError("1", ErrorTimeout, "no answer", nil).Encode()
	require.NoError(t, err)
	assert.JSONEq(t, `[4,"1","Timeout","no answer",{}]`, string(b))
}

func TestDecode_Validates(t *testing.T) {
	var req BootNotificationRequest
	err := Decode([]byte(`{"reason":"PowerUp","chargingStation":{"model":"M"}}`), &req)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidPayload)

	err = Decode([]byte(`{"reason":"PowerUp","chargingStation":{"model":"M","vendorName":"V"}}`), &req)
	require.NoError(t, err)
	assert.Equal(t, "V", req.ChargingStation.VendorName)
}

func TestMeterValue16ToModel(t *testing.T) {
	mv := MeterValue16{SampledValue: []SampledValue16{
		{Value: "1500", Measurand: "Energy.Active.Import.Register", Unit: "Wh"},
		{Value: "sig", Format: "SignedData"},
	}}
	out, err := mv.ToModel()
	require.NoError(t, err)
	require.Len(t, out.SampledValues, 1)
	assert.Equal(t, 1500.0, out.SampledValues[0].Value)
	assert.Equal(t, "Wh", out.SampledValues[0].UnitOfMeasure.Unit)

	_, err = MeterValue16{SampledValue: []SampledValue16{{Value: "x"}}}.ToModel()
	assert.ErrorIs(t, err, ErrInvalidPayload)
}
