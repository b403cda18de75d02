package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const profilesYAML = `
default:
  unknownChargerStatus: Pending
  heartbeatInterval: 300
  bootRetryInterval: 60
  autoAccept: true
models:
  Wallbox-X:
    unknownChargerStatus: Rejected
    heartbeatInterval: 120
    bootRetryInterval: 30
    getBaseReportOnPending: true
    setVariables:
      - component: OCPPCommCtrlr
        variable: HeartbeatInterval
        value: "120"
`

func TestParseBootProfiles(t *testing.T) {
	p, err := ParseBootProfiles([]byte(profilesYAML))
	require.NoError(t, err)

	prof, err := p.For("Wallbox-X")
	require.NoError(t, err)
	assert.Equal(t, "Rejected", prof.UnknownChargerStatus)
	assert.True(t, prof.GetBaseReportOnPending)
	require.Len(t, prof.SetVariables, 1)
	assert.Equal(t, "HeartbeatInterval", prof.SetVariables[0].Variable)

	fallback, err := p.For("unknown")
	require.NoError(t, err)
	assert.Equal(t, 300, fallback.HeartbeatInterval)
	assert.True(t, fallback.AutoAccept)
}

func TestBootProfiles_NoDefault(t *testing.T) {
	p, err := ParseBootProfiles([]byte(`
models:
  A:
    unknownChargerStatus: Accepted
    heartbeatInterval: 10
    bootRetryInterval: 5
`))
	require.NoError(t, err)

	_, err = p.For("B")
	assert.ErrorIs(t, err, ErrNoBootProfile)
}

func TestParseBootProfiles_RejectsBadStatus(t *testing.T) {
	_, err := ParseBootProfiles([]byte(`
default:
  unknownChargerStatus: Maybe
  heartbeatInterval: 10
  bootRetryInterval: 5
`))
	assert.Error(t, err)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("CPMS_BROKER", "redis")
	t.Setenv("CPMS_KAFKA_BROKERS", "k1:9092, k2:9092")
	t.Setenv("CPMS_CALL_TIMEOUT", "5s")
	t.Setenv("CPMS_BOOT_AUTO_ACCEPT", "false")
	t.Setenv("CPMS_BOOT_PROFILES", "")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "redis", cfg.Broker)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, 5*time.Second, cfg.CallTimeout)
	require.NotNil(t, cfg.Boot.Default)
	assert.False(t, cfg.Boot.Default.AutoAccept)
}

func TestLoad_BootProfilesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "boot.yaml")
	require.NoError(t, os.WriteFile(path, []byte(profilesYAML), 0o600))
	t.Setenv("CPMS_BOOT_PROFILES", path)

	cfg, err := Load()
	require.NoError(t, err)
	_, err = cfg.Boot.For("Wallbox-X")
	assert.NoError(t, err)
}
