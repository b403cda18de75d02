package ocpp

import (
	"fmt"
	"strconv"

	"csms/internal/models"
)

func (m MeterValue) ToModel() models.MeterValue {
	out := models.MeterValue{Timestamp: m.Timestamp.UTC()}
	for _, sv := range m.SampledValue {
		v := models.SampledValue{
			Value:     sv.Value,
			Context:   sv.Context,
			Measurand: sv.Measurand,
			Phase:     sv.Phase,
			Location:  sv.Location,
		}
		if sv.UnitOfMeasure != nil {
			v.UnitOfMeasure = &models.UnitOfMeasure{Unit: sv.UnitOfMeasure.Unit, Multiplier: sv.UnitOfMeasure.Multiplier}
		}
		out.SampledValues = append(out.SampledValues, v)
	}
	return out
}

// ToModel converts a 1.6 meter value. 1.6 carries readings as decimal strings
// and has no unit multiplier.
func (m MeterValue16) ToModel() (models.MeterValue, error) {
	out := models.MeterValue{Timestamp: m.Timestamp.UTC()}
	for _, sv := range m.SampledValue {
		if sv.Format == "SignedData" {
			continue
		}
		f, err := strconv.ParseFloat(sv.Value, 64)
		if err != nil {
			return models.MeterValue{}, fmt.Errorf("%w: sampled value %q: %v", ErrInvalidPayload, sv.Value, err)
		}
		v := models.SampledValue{
			Value:     f,
			Context:   sv.Context,
			Measurand: sv.Measurand,
			Phase:     sv.Phase,
			Location:  sv.Location,
		}
		if sv.Unit != "" {
			v.UnitOfMeasure = &models.UnitOfMeasure{Unit: sv.Unit}
		}
		out.SampledValues = append(out.SampledValues, v)
	}
	return out, nil
}

// EnergyRegisterWh builds the single-sample meter value 1.6 reports as
// meterStart and meterStop.
func EnergyRegisterWh(wh int, context string) []models.SampledValue {
	return []models.SampledValue{{
		Value:         float64(wh),
		Context:       context,
		Measurand:     models.MeasurandEnergyImportRegister,
		UnitOfMeasure: &models.UnitOfMeasure{Unit: "Wh"},
	}}
}

// IdTagStatus maps an authorization status onto the 1.6 idTagInfo vocabulary,
// which has no Unknown.
func IdTagStatus(s models.AuthorizationStatus) string {
	if s == models.AuthUnknown || s == "" {
		return string(models.AuthInvalid)
	}
	return string(s)
}

func IdTag(idTag string) models.IdToken {
	return models.IdToken{IdToken: idTag, Type: IdTagType}
}

func (t IdToken) ToModel() models.IdToken {
	return models.IdToken{IdToken: t.IdToken, Type: t.Type}
}
