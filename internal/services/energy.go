package services

import (
	"math"
	"sort"
	"strings"

	"csms/internal/models"
)

// TotalKwh reduces the energy register readings of mvs to the energy delivered,
// in kWh: the last reading minus the first. Only phase-less
// Energy.Active.Import.Register samples count; a sample without a measurand is a
// register reading. Readings with the same timestamp count once, so the result
// does not depend on arrival order or on replays.
func TotalKwh(mvs []models.MeterValue) float64 {
	readings := make(map[int64]float64)
	for _, mv := range mvs {
		ts := mv.Timestamp.UnixNano()
		for _, sv := range mv.SampledValues {
			if !isEnergyRegister(sv) {
				continue
			}
			kwh := toKwh(sv)
			// one reading per instant, the larger wins
			if cur, ok := readings[ts]; !ok || kwh > cur {
				readings[ts] = kwh
			}
		}
	}
	if len(readings) < 2 {
		return 0
	}

	stamps := make([]int64, 0, len(readings))
	for ts := range readings {
		stamps = append(stamps, ts)
	}
	sort.Slice(stamps, func(i, j int) bool { return stamps[i] < stamps[j] })

	total := readings[stamps[len(stamps)-1]] - readings[stamps[0]]
	if total < 0 {
		return 0
	}
	return math.Round(total*1e6) / 1e6
}

func isEnergyRegister(sv models.SampledValue) bool {
	if sv.Phase != "" {
		return false
	}
	return sv.Measurand == "" || sv.Measurand == models.MeasurandEnergyImportRegister
}

func toKwh(sv models.SampledValue) float64 {
	v := sv.Value
	unit := "Wh"
	if sv.UnitOfMeasure != nil {
		if sv.UnitOfMeasure.Unit != "" {
			unit = sv.UnitOfMeasure.Unit
		}
		if sv.UnitOfMeasure.Multiplier != 0 {
			v *= math.Pow10(sv.UnitOfMeasure.Multiplier)
		}
	}
	if strings.EqualFold(unit, "kWh") {
		return v
	}
	return v / 1000
}
