package config

import (
	"errors"
	"fmt"
	"os"

	"csms/internal/models"

	"gopkg.in/yaml.v3"
)

// ErrNoBootProfile means no boot configuration covers a station's model. The boot
// decision cannot be made and must not be retried.
var ErrNoBootProfile = errors.New("no boot profile for station model")

// BootProfile is the operator configuration consumed by the boot decision.
type BootProfile struct {
	UnknownChargerStatus   string               `yaml:"unknownChargerStatus"`
	HeartbeatInterval      int                  `yaml:"heartbeatInterval"`
	BootRetryInterval      int                  `yaml:"bootRetryInterval"`
	AutoAccept             bool                 `yaml:"autoAccept"`
	GetBaseReportOnPending bool                 `yaml:"getBaseReportOnPending"`
	SetVariables           []models.SetVariable `yaml:"setVariables,omitempty"`
}

// BootProfiles maps station models to profiles. Default, when set, covers every
// model without an entry of its own.
type BootProfiles struct {
	Default *BootProfile           `yaml:"default"`
	Models  map[string]BootProfile `yaml:"models"`
}

// For returns the profile that applies to model.
func (p BootProfiles) For(model string) (BootProfile, error) {
	if prof, ok := p.Models[model]; ok {
		return prof, nil
	}
	if p.Default != nil {
		return *p.Default, nil
	}
	return BootProfile{}, fmt.Errorf("%w: %q", ErrNoBootProfile, model)
}

func LoadBootProfiles(path string) (BootProfiles, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return BootProfiles{}, fmt.Errorf("read boot profiles: %w", err)
	}
	return ParseBootProfiles(data)
}

func ParseBootProfiles(data []byte) (BootProfiles, error) {
	var p BootProfiles
	if err := yaml.Unmarshal(data, &p); err != nil {
		return BootProfiles{}, fmt.Errorf("parse boot profiles: %w", err)
	}
	if p.Default != nil {
		if err := p.Default.validate(); err != nil {
			return BootProfiles{}, fmt.Errorf("default: %w", err)
		}
	}
	for model, prof := range p.Models {
		if err := prof.validate(); err != nil {
			return BootProfiles{}, fmt.Errorf("model %s: %w", model, err)
		}
	}
	return p, nil
}

func (b BootProfile) validate() error {
	if !models.RegistrationStatus(b.UnknownChargerStatus).Valid() {
		return fmt.Errorf("unknownChargerStatus %q is not Pending, Accepted or Rejected", b.UnknownChargerStatus)
	}
	if b.HeartbeatInterval <= 0 {
		return errors.New("heartbeatInterval is required")
	}
	if b.BootRetryInterval <= 0 {
		return errors.New("bootRetryInterval is required")
	}
	return nil
}
