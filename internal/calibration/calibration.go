// Package calibration holds calibration records (curves mapping a measured
// quantity to a physical one), their YAML disk store, the curve math, and the
// step-driven session engine that produces them.
package calibration

import (
	"fmt"
	"time"

	"github.com/pioreactor/pioreactor-go/internal/domain"
	"github.com/pioreactor/pioreactor-go/internal/numerical"
)

// Device classes a calibration can target.
const (
	DeviceOD45        = "od45"
	DeviceOD90        = "od90"
	DeviceOD135       = "od135"
	DeviceODFused     = "od_fused"
	DeviceMediaPump   = "media_pump"
	DeviceAltPump     = "alt_media_pump"
	DeviceWastePump   = "waste_pump"
	DeviceStirring    = "stirring"
	DeviceODReference = "od_reference"
)

// Devices lists all calibratable device classes.
var Devices = []string{
	DeviceOD45, DeviceOD90, DeviceOD135, DeviceODFused,
	DeviceMediaPump, DeviceAltPump, DeviceWastePump,
	DeviceStirring, DeviceODReference,
}

// Curve kinds.
const (
	CurvePoly   = "poly"
	CurveSpline = "spline"
	CurveAkima  = "akima"
)

// Curve is the fitted curve variant of a calibration.
type Curve struct {
	Type string `yaml:"type" json:"type"`
	// Coefficients: for poly, descending-degree coefficients; unused for
	// spline/akima (see SegmentCoefficients).
	Coefficients []float64 `yaml:"coefficients,omitempty" json:"coefficients,omitempty"`
	// Knots and per-segment coefficients for the piecewise kinds.
	Knots               []float64   `yaml:"knots,omitempty" json:"knots,omitempty"`
	SegmentCoefficients [][]float64 `yaml:"segment_coefficients,omitempty" json:"segment_coefficients,omitempty"`
}

// RecordedData is the raw (x, y) pairs the curve was fitted from.
type RecordedData struct {
	X []float64 `yaml:"x" json:"x"`
	Y []float64 `yaml:"y" json:"y"`
}

// Calibration is the on-disk record, the union of device-specific fields.
type Calibration struct {
	Name         string       `yaml:"calibration_name" json:"calibration_name"`
	Device       string       `yaml:"device" json:"device"`
	CreatedAt    time.Time    `yaml:"created_at" json:"created_at"`
	CalibratedOn string       `yaml:"calibrated_on_pioreactor_unit" json:"calibrated_on_pioreactor_unit"`
	Recorded     RecordedData `yaml:"recorded_data" json:"recorded_data"`
	CurveData    Curve        `yaml:"curve_data_" json:"curve_data_"`

	// Pump calibrations.
	HZ          float64 `yaml:"hz,omitempty" json:"hz,omitempty"`
	DC          float64 `yaml:"dc,omitempty" json:"dc,omitempty"`
	Voltage     float64 `yaml:"voltage,omitempty" json:"voltage,omitempty"`
	DurationSec float64 `yaml:"duration_,omitempty" json:"duration_,omitempty"`

	// OD calibrations.
	Angle          string  `yaml:"angle,omitempty" json:"angle,omitempty"`
	PDChannel      string  `yaml:"pd_channel,omitempty" json:"pd_channel,omitempty"`
	IRLEDIntensity float64 `yaml:"ir_led_intensity,omitempty" json:"ir_led_intensity,omitempty"`

	// Stirring calibrations.
	PWMHZ float64 `yaml:"pwm_hz,omitempty" json:"pwm_hz,omitempty"`

	// Fusion calibrations: a spline per angle.
	AngleCurves map[string]Curve `yaml:"angle_curves,omitempty" json:"angle_curves,omitempty"`
}

// XToY evaluates the curve at x.
func (c *Calibration) XToY(x float64) (float64, error) {
	switch c.CurveData.Type {
	case CurvePoly:
		return numerical.PolyEval(c.CurveData.Coefficients, x), nil
	case CurveSpline, CurveAkima:
		return numerical.SplineEval(c.CurveData.Knots, c.CurveData.SegmentCoefficients, x), nil
	default:
		return 0, fmt.Errorf("op=calibration.XToY type=%q: %w", c.CurveData.Type, domain.ErrInvalidArgument)
	}
}

// YToX solves curve(x) - y = 0 inside the recorded x-domain. With
// enforceBounds, a solution only found outside the domain is reported as
// below/above-domain.
func (c *Calibration) YToX(y float64, enforceBounds bool) (float64, error) {
	lo, hi, err := c.domainBounds()
	if err != nil {
		return 0, err
	}
	f := func(x float64) float64 {
		v, _ := c.XToY(x)
		return v - y
	}
	if x, ok := numerical.FindRoot(f, lo, hi); ok {
		return x, nil
	}
	// Widen the bracket to classify where the solution fell.
	span := hi - lo
	if span == 0 {
		span = 1
	}
	if x, ok := numerical.FindRoot(f, lo-10*span, lo); ok {
		if enforceBounds {
			return 0, fmt.Errorf("op=calibration.YToX y=%v: %w", y, domain.ErrSolutionBelow)
		}
		return x, nil
	}
	if x, ok := numerical.FindRoot(f, hi, hi+10*span); ok {
		if enforceBounds {
			return 0, fmt.Errorf("op=calibration.YToX y=%v: %w", y, domain.ErrSolutionAbove)
		}
		return x, nil
	}
	return 0, fmt.Errorf("op=calibration.YToX y=%v: %w", y, domain.ErrNoSolution)
}

// DurationToVolumeML applies a pump calibration's linear fit.
func (c *Calibration) DurationToVolumeML(seconds float64) (float64, error) {
	if c.CurveData.Type != CurvePoly || len(c.CurveData.Coefficients) != 2 {
		return 0, fmt.Errorf("op=calibration.DurationToVolumeML: %w", domain.ErrInvalidArgument)
	}
	return numerical.PolyEval(c.CurveData.Coefficients, seconds), nil
}

// VolumeMLToDuration inverts the pump calibration's linear fit.
func (c *Calibration) VolumeMLToDuration(ml float64) (float64, error) {
	if c.CurveData.Type != CurvePoly || len(c.CurveData.Coefficients) != 2 {
		return 0, fmt.Errorf("op=calibration.VolumeMLToDuration: %w", domain.ErrInvalidArgument)
	}
	slope, bias := c.CurveData.Coefficients[0], c.CurveData.Coefficients[1]
	if slope == 0 {
		return 0, fmt.Errorf("op=calibration.VolumeMLToDuration: %w", domain.ErrNoSolution)
	}
	return (ml - bias) / slope, nil
}

func (c *Calibration) domainBounds() (float64, float64, error) {
	if len(c.Recorded.X) == 0 {
		return 0, 0, fmt.Errorf("op=calibration.domainBounds: %w", domain.ErrCalibrationMissing)
	}
	lo, hi := c.Recorded.X[0], c.Recorded.X[0]
	for _, x := range c.Recorded.X {
		if x < lo {
			lo = x
		}
		if x > hi {
			hi = x
		}
	}
	return lo, hi, nil
}
