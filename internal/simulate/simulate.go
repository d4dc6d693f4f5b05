// Package simulate generates synthetic turbine telemetry with injected faults.
//
// Every turbine reports once per minute with normally distributed channels.
// Turbine 1 develops a gearbox overheating ramp lasting three hours (label 1)
// and turbine 2 a vibration spike lasting two hours (label 2); the rest stay
// normal. The same seed always produces the same data.
package simulate

import (
	"errors"
	"math"
	"math/rand/v2"
	"strconv"
	"time"

	"gonum.org/v1/gonum/stat/distuv"
)

// Fault labels.
const (
	LabelNormal   = 0
	LabelGearbox  = 1
	LabelVibrate  = 2
	pointsPerHour = 60
)

// Operating parameters for normal behaviour and the injected faults.
const (
	windSpeedMean, windSpeedStd = 7.0, 2.0
	rotationMean, rotationStd   = 15.0, 3.0
	gearboxTempMean, gearboxStd = 60.0, 5.0
	powerMean, powerStd         = 1500.0, 300.0
	vibrationMean, vibrationStd = 0.1, 0.02
	gearboxRampPerPoint         = 0.1
	vibrationFactor             = 5.0
	gearboxFaultPoints          = 3 * pointsPerHour
	vibrationFaultPoints        = 2 * pointsPerHour
	gearboxTailPoints           = 5 * pointsPerHour
	vibrationTailPoints         = 6 * pointsPerHour
	timestampLayout             = "2006-01-02 15:04:05"
)

// Record is one simulated reading.
type Record struct {
	Timestamp          string  `json:"timestamp"`
	TurbineID          string  `json:"turbine_id"`
	WindSpeed          float64 `json:"wind_speed_m_s"`
	RotationSpeed      float64 `json:"rotation_speed_rpm"`
	GearboxTemperature float64 `json:"gearbox_temperature_c"`
	GeneratorPower     float64 `json:"generator_power_kw"`
	VibrationX         float64 `json:"vibration_x_g"`
	VibrationY         float64 `json:"vibration_y_g"`
	Label              int     `json:"label"`
}

// Map returns the record as a generic JSON object for the relay.
func (r Record) Map() map[string]any {
	return map[string]any{
		"timestamp":             r.Timestamp,
		"turbine_id":            r.TurbineID,
		"wind_speed_m_s":        r.WindSpeed,
		"rotation_speed_rpm":    r.RotationSpeed,
		"gearbox_temperature_c": r.GearboxTemperature,
		"generator_power_kw":    r.GeneratorPower,
		"vibration_x_g":         r.VibrationX,
		"vibration_y_g":         r.VibrationY,
		"label":                 r.Label,
	}
}

// Anomaly locates an injected fault.
type Anomaly struct {
	Label  int
	Start  int
	Length int
}

// Turbine is the simulated history of one turbine.
type Turbine struct {
	ID      string
	Records []Record
	Anomaly *Anomaly
}

// Config controls Generate.
type Config struct {
	Turbines int
	Points   int       // readings per turbine
	End      time.Time // timestamp of the last reading
	Seed     uint64
}

// Generate produces cfg.Turbines histories of cfg.Points readings each.
func Generate(cfg Config) ([]Turbine, error) {
	if cfg.Turbines < 1 {
		return nil, errors.New("at least one turbine is required")
	}
	if cfg.Points < 1 {
		return nil, errors.New("at least one point per turbine is required")
	}
	if cfg.End.IsZero() {
		cfg.End = time.Now()
	}

	src := rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15)
	rng := rand.New(src)
	normal := func(mu, sigma float64) distuv.Normal {
		return distuv.Normal{Mu: mu, Sigma: sigma, Src: src}
	}
	wind := normal(windSpeedMean, windSpeedStd)
	rotation := normal(rotationMean, rotationStd)
	gearbox := normal(gearboxTempMean, gearboxStd)
	power := normal(powerMean, powerStd)
	vibration := normal(vibrationMean, vibrationStd)

	first := cfg.End.UTC().Truncate(time.Second).Add(-time.Duration(cfg.Points-1) * time.Minute)

	turbines := make([]Turbine, 0, cfg.Turbines)
	for n := 1; n <= cfg.Turbines; n++ {
		t := Turbine{ID: turbineID(n), Records: make([]Record, cfg.Points)}
		for i := range t.Records {
			t.Records[i] = Record{
				Timestamp:          first.Add(time.Duration(i) * time.Minute).Format(timestampLayout),
				TurbineID:          t.ID,
				WindSpeed:          wind.Rand(),
				RotationSpeed:      rotation.Rand(),
				GearboxTemperature: gearbox.Rand(),
				GeneratorPower:     power.Rand(),
				VibrationX:         vibration.Rand(),
				VibrationY:         vibration.Rand(),
				Label:              LabelNormal,
			}
		}

		switch n {
		case 1:
			start := anomalyStart(rng, cfg.Points/2, cfg.Points-gearboxTailPoints, cfg.Points, gearboxFaultPoints)
			t.Anomaly = &Anomaly{Label: LabelGearbox, Start: start, Length: min(gearboxFaultPoints, cfg.Points-start)}
			for i := 0; i < t.Anomaly.Length; i++ {
				r := &t.Records[start+i]
				r.GearboxTemperature += gearboxRampPerPoint * float64(i+1)
				r.Label = LabelGearbox
			}
		case 2:
			start := anomalyStart(rng, cfg.Points/3, cfg.Points-vibrationTailPoints, cfg.Points, vibrationFaultPoints)
			t.Anomaly = &Anomaly{Label: LabelVibrate, Start: start, Length: min(vibrationFaultPoints, cfg.Points-start)}
			for i := 0; i < t.Anomaly.Length; i++ {
				r := &t.Records[start+i]
				r.VibrationX *= vibrationFactor
				r.VibrationY *= vibrationFactor
				r.Label = LabelVibrate
			}
		}

		for i := range t.Records {
			round4(&t.Records[i])
		}
		turbines = append(turbines, t)
	}
	return turbines, nil
}

// anomalyStart draws a start index in [lo, hi). Series too short for that
// range get the fault at the end.
func anomalyStart(rng *rand.Rand, lo, hi, points, length int) int {
	if hi > lo {
		return lo + rng.IntN(hi-lo)
	}
	return max(0, points-length)
}

func turbineID(n int) string {
	return "turbine_" + strconv.Itoa(n)
}

func round4(r *Record) {
	for _, p := range []*float64{
		&r.WindSpeed, &r.RotationSpeed, &r.GearboxTemperature,
		&r.GeneratorPower, &r.VibrationX, &r.VibrationY,
	} {
		*p = math.Round(*p*1e4) / 1e4
	}
}
