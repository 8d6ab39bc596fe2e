package calibration

import (
	"fmt"
	"time"

	"github.com/pioreactor/pioreactor-go/internal/domain"
	"github.com/pioreactor/pioreactor-go/internal/numerical"
)

// Protocol names.
const (
	ProtocolDurationBased       = "duration_based"
	ProtocolStandards           = "standards"
	ProtocolODReferenceStandard = "od_reference_standard"
	ProtocolStirringDC          = "stirring_dc"
	ProtocolFusionStandards     = "fusion_standards"
	ProtocolFusionOffset        = "fusion_offset"
)

// Executor action names.
const (
	ActionPump           = "pump"
	ActionReadODVoltage  = "read_od_voltage"
	ActionReadAuxVoltage = "read_aux_voltage"
	ActionStirringSweep  = "stirring_calibration"
	ActionODRefRead      = "od_reference_standard_read"
)

func builtinProtocols() []*Protocol {
	return []*Protocol{
		pumpDurationProtocol(),
		odStandardsProtocol(),
		odReferenceProtocol(),
		stirringDCProtocol(),
		fusionStandardsProtocol(),
		fusionOffsetProtocol(),
	}
}

func floatPtr(f float64) *float64 { return &f }

func newCalibration(sc *StepContext, device string) *Calibration {
	name := sc.Session.DataString("calibration_name")
	if name == "" {
		name = fmt.Sprintf("%s-%s", device, time.Now().UTC().Format("20060102-150405"))
	}
	return &Calibration{
		Name:         name,
		Device:       device,
		CreatedAt:    time.Now().UTC(),
		CalibratedOn: sc.Unit,
	}
}

// pumpDurationProtocol: prime, then repeated timed dispenses at three
// durations with measured volumes, closed with a zero-intercept linear fit
// volume = slope * duration.
func pumpDurationProtocol() *Protocol {
	durations := []float64{0.5, 1.0, 1.5}
	const totalDispenses = 10

	return &Protocol{
		Name:      ProtocolDurationBased,
		Devices:   []string{DeviceMediaPump, DeviceAltPump, DeviceWastePump},
		FirstStep: "intro",
		Steps: map[string]StepHandler{
			"intro": funcStep{
				render: func(sc *StepContext) (Step, error) {
					return Step{
						ID:    "intro",
						Title: "Pump calibration",
						Body:  "Place the source in water, the outflow into a graduated cylinder. The pump will be primed, then run for fixed durations while you record dispensed volumes.",
						Type:  StepInfo,
					}, nil
				},
				advance: func(sc *StepContext) (string, error) { return "settings", nil },
			},
			"settings": funcStep{
				render: func(sc *StepContext) (Step, error) {
					return Step{
						ID: "settings", Title: "PWM settings", Type: StepForm,
						Fields: []Field{
							{Name: "hz", Label: "PWM frequency (Hz)", Type: "float", Min: floatPtr(1), Max: floatPtr(10000), Default: "250"},
							{Name: "dc", Label: "Duty cycle (%)", Type: "float", Min: floatPtr(0), Max: floatPtr(100), Default: "95"},
							{Name: "calibration_name", Label: "Calibration name", Type: "str"},
						},
					}, nil
				},
				advance: func(sc *StepContext) (string, error) {
					hz, ok, err := sc.Inputs.Float("hz", false, floatPtr(1), floatPtr(10000))
					if err != nil {
						return "", err
					}
					if !ok {
						hz = 250
					}
					dc, ok, err := sc.Inputs.Float("dc", false, floatPtr(0), floatPtr(100))
					if err != nil {
						return "", err
					}
					if !ok {
						dc = 95
					}
					name, err := sc.Inputs.Str("calibration_name", false)
					if err != nil {
						return "", err
					}
					sc.Session.Data["hz"] = hz
					sc.Session.Data["dc"] = dc
					if name != "" {
						sc.Session.Data["calibration_name"] = name
					}
					return "prime", nil
				},
			},
			"prime": funcStep{
				render: func(sc *StepContext) (Step, error) {
					return Step{ID: "prime", Title: "Prime the pump", Body: "Advance to run the pump until the tubing is full.", Type: StepAction}, nil
				},
				advance: func(sc *StepContext) (string, error) {
					_, err := sc.Exec(sc.Ctx, ActionPump, map[string]any{
						"device":     sc.Session.Device,
						"duration_s": 3.0,
						"hz":         sc.Session.DataFloat("hz"),
						"dc":         sc.Session.DataFloat("dc"),
					})
					if err != nil {
						return "", err
					}
					return "dispense", nil
				},
			},
			"dispense": funcStep{
				render: func(sc *StepContext) (Step, error) {
					i := int(sc.Session.DataFloat("dispense_index"))
					dur := durations[i%len(durations)]
					return Step{
						ID:    "dispense",
						Title: fmt.Sprintf("Dispense %d of %d", i+1, totalDispenses),
						Body:  fmt.Sprintf("The pump will run for %.1fs. Record the dispensed volume.", dur),
						Type:  StepForm,
						Fields: []Field{
							{Name: "volume_ml", Label: "Measured volume (mL)", Type: "float", Required: true, Min: floatPtr(0)},
						},
						Metadata: map[string]string{"duration_s": fmt.Sprintf("%.1f", dur)},
					}, nil
				},
				advance: func(sc *StepContext) (string, error) {
					i := int(sc.Session.DataFloat("dispense_index"))
					dur := durations[i%len(durations)]
					if _, err := sc.Exec(sc.Ctx, ActionPump, map[string]any{
						"device":     sc.Session.Device,
						"duration_s": dur,
						"hz":         sc.Session.DataFloat("hz"),
						"dc":         sc.Session.DataFloat("dc"),
					}); err != nil {
						return "", err
					}
					ml, _, err := sc.Inputs.Float("volume_ml", true, floatPtr(0), nil)
					if err != nil {
						return "", err
					}
					sc.Session.Data["durations"] = append(sc.Session.DataFloats("durations"), dur)
					sc.Session.Data["volumes"] = append(sc.Session.DataFloats("volumes"), ml)
					i++
					sc.Session.Data["dispense_index"] = float64(i)
					if i < totalDispenses {
						return "dispense", nil
					}
					return "fit", nil
				},
			},
			"fit": funcStep{
				render: func(sc *StepContext) (Step, error) {
					return Step{ID: "fit", Title: "Fit and save", Type: StepAction}, nil
				},
				advance: func(sc *StepContext) (string, error) {
					x := sc.Session.DataFloats("durations")
					y := sc.Session.DataFloats("volumes")
					slope, _, err := numerical.LinearFit(x, y, true)
					if err != nil {
						return "", fmt.Errorf("op=calibration.fit: %w", err)
					}
					cal := newCalibration(sc, sc.Session.Device)
					cal.HZ = sc.Session.DataFloat("hz")
					cal.DC = sc.Session.DataFloat("dc")
					cal.Recorded = RecordedData{X: x, Y: y}
					cal.CurveData = Curve{Type: CurvePoly, Coefficients: []float64{slope, 0}}
					if err := sc.Store.Save(cal); err != nil {
						return "", err
					}
					sc.Session.Result = cal
					return StepIDComplete, nil
				},
			},
		},
	}
}

// odStandardsProtocol: record voltage against OD standards, blank last, then
// a polynomial fit weighted toward the blank.
func odStandardsProtocol() *Protocol {
	return &Protocol{
		Name:      ProtocolStandards,
		Devices:   []string{DeviceOD45, DeviceOD90, DeviceOD135},
		FirstStep: "intro",
		Steps: map[string]StepHandler{
			"intro": funcStep{
				render: func(sc *StepContext) (Step, error) {
					return Step{
						ID:    "intro",
						Title: "OD standards calibration",
						Body:  "Insert the vial holding your first OD standard. Voltages are recorded per standard; the blank is measured last.",
						Type:  StepInfo,
					}, nil
				},
				advance: func(sc *StepContext) (string, error) { return "setup", nil },
			},
			"setup": funcStep{
				render: func(sc *StepContext) (Step, error) {
					return Step{
						ID: "setup", Title: "Optics settings", Type: StepForm,
						Fields: []Field{
							{Name: "pd_channel", Label: "Photodiode channel", Type: "choice", Choices: []string{"1", "2"}, Default: "2"},
							{Name: "ir_led_intensity", Label: "IR LED intensity (%)", Type: "float", Min: floatPtr(0), Max: floatPtr(100), Default: "70"},
							{Name: "calibration_name", Label: "Calibration name", Type: "str"},
						},
					}, nil
				},
				advance: func(sc *StepContext) (string, error) {
					ch, err := sc.Inputs.Choice("pd_channel", false, []string{"1", "2"})
					if err != nil {
						return "", err
					}
					if ch == "" {
						ch = "2"
					}
					intensity, ok, err := sc.Inputs.Float("ir_led_intensity", false, floatPtr(0), floatPtr(100))
					if err != nil {
						return "", err
					}
					if !ok {
						intensity = 70
					}
					name, err := sc.Inputs.Str("calibration_name", false)
					if err != nil {
						return "", err
					}
					sc.Session.Data["pd_channel"] = ch
					sc.Session.Data["ir_led_intensity"] = intensity
					if name != "" {
						sc.Session.Data["calibration_name"] = name
					}
					return "standards", nil
				},
			},
			// Loops while an od value is supplied; empty input moves on to
			// the blank.
			"standards": funcStep{
				render: func(sc *StepContext) (Step, error) {
					n := len(sc.Session.DataFloats("ods"))
					return Step{
						ID:    "standards",
						Title: fmt.Sprintf("Record a standard (%d so far)", n),
						Body:  "Insert a standard and enter its OD; leave blank when done.",
						Type:  StepForm,
						Fields: []Field{
							{Name: "od", Label: "Standard OD", Type: "float", Min: floatPtr(0)},
						},
					}, nil
				},
				advance: func(sc *StepContext) (string, error) {
					od, ok, err := sc.Inputs.Float("od", false, floatPtr(0), nil)
					if err != nil {
						return "", err
					}
					if !ok {
						return "blank", nil
					}
					out, err := sc.Exec(sc.Ctx, ActionReadODVoltage, map[string]any{
						"pd_channel":       sc.Session.DataString("pd_channel"),
						"ir_led_intensity": sc.Session.DataFloat("ir_led_intensity"),
					})
					if err != nil {
						return "", err
					}
					v, err := toFloat(out["voltage"])
					if err != nil {
						return "", fmt.Errorf("op=calibration.standards: bad executor payload: %w", domain.ErrInvalidArgument)
					}
					sc.Session.Data["ods"] = append(sc.Session.DataFloats("ods"), od)
					sc.Session.Data["voltages"] = append(sc.Session.DataFloats("voltages"), v)
					return "standards", nil
				},
			},
			"blank": funcStep{
				render: func(sc *StepContext) (Step, error) {
					return Step{
						ID:    "blank",
						Title: "Blank measurement",
						Body:  "Insert the blank (media only) vial and advance to record and fit.",
						Type:  StepAction,
					}, nil
				},
				advance: func(sc *StepContext) (string, error) {
					out, err := sc.Exec(sc.Ctx, ActionReadODVoltage, map[string]any{
						"pd_channel":       sc.Session.DataString("pd_channel"),
						"ir_led_intensity": sc.Session.DataFloat("ir_led_intensity"),
					})
					if err != nil {
						return "", err
					}
					blankV, err := toFloat(out["voltage"])
					if err != nil {
						return "", fmt.Errorf("op=calibration.blank: bad executor payload: %w", domain.ErrInvalidArgument)
					}
					ods := append(sc.Session.DataFloats("ods"), 0)
					volts := append(sc.Session.DataFloats("voltages"), blankV)

					// x = OD, y = voltage; weight the blank heavily so the
					// curve pins to it.
					weights := make([]float64, len(ods))
					for i := range weights {
						weights[i] = 1
					}
					weights[len(weights)-1] = 10

					// With no standards the fit degenerates to the constant
					// blank curve (degree 0); the session still completes.
					degree := 3
					if len(ods) < degree+1 {
						degree = len(ods) - 1
					}
					coeffs, err := numerical.PolyFit(ods, volts, weights, degree)
					if err != nil {
						return "", fmt.Errorf("op=calibration.blank fit: %w", err)
					}
					cal := newCalibration(sc, sc.Session.Device)
					cal.Angle = angleOfDevice(sc.Session.Device)
					cal.PDChannel = sc.Session.DataString("pd_channel")
					cal.IRLEDIntensity = sc.Session.DataFloat("ir_led_intensity")
					cal.Recorded = RecordedData{X: ods, Y: volts}
					cal.CurveData = Curve{Type: CurvePoly, Coefficients: coeffs}
					if err := sc.Store.Save(cal); err != nil {
						return "", err
					}
					sc.Session.Result = cal
					return StepIDComplete, nil
				},
			},
		},
	}
}

// odReferenceProtocol: two-point linear fit on the optics jig.
func odReferenceProtocol() *Protocol {
	readPoint := func(sc *StepContext, key string, next string) (string, error) {
		od, _, err := sc.Inputs.Float("od", true, floatPtr(0), nil)
		if err != nil {
			return "", err
		}
		out, err := sc.Exec(sc.Ctx, ActionODRefRead, map[string]any{})
		if err != nil {
			return "", err
		}
		v, err := toFloat(out["voltage"])
		if err != nil {
			return "", fmt.Errorf("op=calibration.od_reference: bad executor payload: %w", domain.ErrInvalidArgument)
		}
		sc.Session.Data[key+"_od"] = od
		sc.Session.Data[key+"_v"] = v
		return next, nil
	}
	return &Protocol{
		Name:      ProtocolODReferenceStandard,
		Devices:   []string{DeviceODReference},
		FirstStep: "intro",
		Steps: map[string]StepHandler{
			"intro": funcStep{
				render: func(sc *StepContext) (Step, error) {
					return Step{ID: "intro", Title: "Reference standard calibration", Body: "Two-point fit against the optics jig.", Type: StepInfo}, nil
				},
				advance: func(sc *StepContext) (string, error) { return "point1", nil },
			},
			"point1": funcStep{
				render: func(sc *StepContext) (Step, error) {
					return Step{ID: "point1", Title: "First standard", Type: StepForm,
						Fields: []Field{{Name: "od", Label: "Standard OD", Type: "float", Required: true, Min: floatPtr(0)}}}, nil
				},
				advance: func(sc *StepContext) (string, error) { return readPoint(sc, "p1", "point2") },
			},
			"point2": funcStep{
				render: func(sc *StepContext) (Step, error) {
					return Step{ID: "point2", Title: "Second standard", Type: StepForm,
						Fields: []Field{{Name: "od", Label: "Standard OD", Type: "float", Required: true, Min: floatPtr(0)}}}, nil
				},
				advance: func(sc *StepContext) (string, error) {
					if _, err := readPoint(sc, "p2", ""); err != nil {
						return "", err
					}
					x := []float64{sc.Session.DataFloat("p1_od"), sc.Session.DataFloat("p2_od")}
					y := []float64{sc.Session.DataFloat("p1_v"), sc.Session.DataFloat("p2_v")}
					slope, intercept, err := numerical.LinearFit(x, y, false)
					if err != nil {
						return "", fmt.Errorf("op=calibration.od_reference fit: %w", err)
					}
					cal := newCalibration(sc, sc.Session.Device)
					cal.Recorded = RecordedData{X: x, Y: y}
					cal.CurveData = Curve{Type: CurvePoly, Coefficients: []float64{slope, intercept}}
					if err := sc.Store.Save(cal); err != nil {
						return "", err
					}
					sc.Session.Result = cal
					return StepIDComplete, nil
				},
			},
		},
	}
}

// stirringDCProtocol: sweep the duty cycle up-down-up, discard zero RPM
// samples, fit rpm = slope*dc + b, sanity check the slope.
func stirringDCProtocol() *Protocol {
	return &Protocol{
		Name:      ProtocolStirringDC,
		Devices:   []string{DeviceStirring},
		FirstStep: "intro",
		Steps: map[string]StepHandler{
			"intro": funcStep{
				render: func(sc *StepContext) (Step, error) {
					return Step{ID: "intro", Title: "Stirring calibration", Body: "The duty cycle is swept up, down, then up while RPM is measured.", Type: StepInfo}, nil
				},
				advance: func(sc *StepContext) (string, error) { return "sweep", nil },
			},
			"sweep": funcStep{
				render: func(sc *StepContext) (Step, error) {
					return Step{ID: "sweep", Title: "Run sweep", Type: StepAction}, nil
				},
				advance: func(sc *StepContext) (string, error) {
					out, err := sc.Exec(sc.Ctx, ActionStirringSweep, map[string]any{})
					if err != nil {
						return "", err
					}
					dcs, err1 := toFloats(out["dcs"])
					rpms, err2 := toFloats(out["rpms"])
					if err1 != nil || err2 != nil || len(dcs) != len(rpms) {
						return "", fmt.Errorf("op=calibration.stirring: bad executor payload: %w", domain.ErrInvalidArgument)
					}
					// A stalled stirrer reads zero; those points poison the fit.
					var fx, fy []float64
					for i := range dcs {
						if rpms[i] > 0 {
							fx = append(fx, dcs[i])
							fy = append(fy, rpms[i])
						}
					}
					slope, intercept, err := numerical.LinearFit(fx, fy, false)
					if err != nil {
						return "", fmt.Errorf("op=calibration.stirring fit: %w", err)
					}
					if slope <= 0 {
						return "", fmt.Errorf("op=calibration.stirring: non-positive slope %v: %w", slope, domain.ErrInvalidArgument)
					}
					cal := newCalibration(sc, sc.Session.Device)
					cal.Recorded = RecordedData{X: fx, Y: fy}
					cal.CurveData = Curve{Type: CurvePoly, Coefficients: []float64{slope, intercept}}
					if err := sc.Store.Save(cal); err != nil {
						return "", err
					}
					sc.Session.Result = cal
					return StepIDComplete, nil
				},
			},
		},
	}
}

// fusionStandardsProtocol: a spline per angle over shared standards.
func fusionStandardsProtocol() *Protocol {
	return &Protocol{
		Name:      ProtocolFusionStandards,
		Devices:   []string{DeviceODFused},
		FirstStep: "intro",
		Steps: map[string]StepHandler{
			"intro": funcStep{
				render: func(sc *StepContext) (Step, error) {
					return Step{ID: "intro", Title: "Fusion standards calibration", Body: "Each standard is read on every configured angle; a spline is fitted per angle.", Type: StepInfo}, nil
				},
				advance: func(sc *StepContext) (string, error) { return "standards", nil },
			},
			"standards": funcStep{
				render: func(sc *StepContext) (Step, error) {
					n := len(sc.Session.DataFloats("ods"))
					return Step{ID: "standards", Title: fmt.Sprintf("Record a standard (%d so far)", n),
						Body: "Enter the standard's OD; leave blank when done (minimum 3).", Type: StepForm,
						Fields: []Field{{Name: "od", Label: "Standard OD", Type: "float", Min: floatPtr(0)}}}, nil
				},
				advance: func(sc *StepContext) (string, error) {
					od, ok, err := sc.Inputs.Float("od", false, floatPtr(0), nil)
					if err != nil {
						return "", err
					}
					if !ok {
						if len(sc.Session.DataFloats("ods")) < 3 {
							return "", &ValidationError{Field: "od", Msg: "need at least 3 standards"}
						}
						return "fit", nil
					}
					out, err := sc.Exec(sc.Ctx, ActionReadODVoltage, map[string]any{"all_angles": true})
					if err != nil {
						return "", err
					}
					sc.Session.Data["ods"] = append(sc.Session.DataFloats("ods"), od)
					for _, angle := range []string{"45", "90", "135"} {
						if raw, present := out["voltage_"+angle]; present {
							v, err := toFloat(raw)
							if err != nil {
								return "", fmt.Errorf("op=calibration.fusion: bad executor payload: %w", domain.ErrInvalidArgument)
							}
							key := "voltages_" + angle
							sc.Session.Data[key] = append(sc.Session.DataFloats(key), v)
						}
					}
					return "standards", nil
				},
			},
			"fit": funcStep{
				render: func(sc *StepContext) (Step, error) {
					return Step{ID: "fit", Title: "Fit splines and save", Type: StepAction}, nil
				},
				advance: func(sc *StepContext) (string, error) {
					ods := sc.Session.DataFloats("ods")
					cal := newCalibration(sc, sc.Session.Device)
					cal.AngleCurves = make(map[string]Curve)
					for _, angle := range []string{"45", "90", "135"} {
						volts := sc.Session.DataFloats("voltages_" + angle)
						if len(volts) != len(ods) {
							continue
						}
						knots, coeffs, err := numerical.FitNaturalCubic(ods, volts)
						if err != nil {
							return "", fmt.Errorf("op=calibration.fusion fit angle=%s: %w", angle, err)
						}
						cal.AngleCurves[angle] = Curve{Type: CurveSpline, Knots: knots, SegmentCoefficients: coeffs}
					}
					if len(cal.AngleCurves) == 0 {
						return "", fmt.Errorf("op=calibration.fusion: no angle voltages recorded: %w", domain.ErrInvalidArgument)
					}
					cal.Recorded = RecordedData{X: ods, Y: sc.Session.DataFloats("voltages_90")}
					cal.CurveData = Curve{Type: CurveSpline}
					if err := sc.Store.Save(cal); err != nil {
						return "", err
					}
					sc.Session.Result = cal
					return StepIDComplete, nil
				},
			},
		},
	}
}

// fusionOffsetProtocol: a single standard shifts a previously fitted fusion
// estimator, keeping its shape.
func fusionOffsetProtocol() *Protocol {
	return &Protocol{
		Name:      ProtocolFusionOffset,
		Devices:   []string{DeviceODFused},
		FirstStep: "intro",
		Steps: map[string]StepHandler{
			"intro": funcStep{
				render: func(sc *StepContext) (Step, error) {
					return Step{ID: "intro", Title: "Fusion offset calibration", Body: "One standard re-anchors the active fusion calibration.", Type: StepInfo}, nil
				},
				advance: func(sc *StepContext) (string, error) { return "standard", nil },
			},
			"standard": funcStep{
				render: func(sc *StepContext) (Step, error) {
					return Step{ID: "standard", Title: "Read the standard", Type: StepForm,
						Fields: []Field{{Name: "od", Label: "Standard OD", Type: "float", Required: true, Min: floatPtr(0)}}}, nil
				},
				advance: func(sc *StepContext) (string, error) {
					od, _, err := sc.Inputs.Float("od", true, floatPtr(0), nil)
					if err != nil {
						return "", err
					}
					base, err := sc.Store.LoadActive(sc.Session.Device)
					if err != nil {
						return "", err
					}
					out, err := sc.Exec(sc.Ctx, ActionReadODVoltage, map[string]any{"all_angles": true})
					if err != nil {
						return "", err
					}
					cal := newCalibration(sc, sc.Session.Device)
					cal.AngleCurves = make(map[string]Curve)
					for angle, curve := range base.AngleCurves {
						raw, present := out["voltage_"+angle]
						if !present {
							cal.AngleCurves[angle] = curve
							continue
						}
						v, err := toFloat(raw)
						if err != nil {
							return "", fmt.Errorf("op=calibration.fusion_offset: bad executor payload: %w", domain.ErrInvalidArgument)
						}
						expected := numerical.SplineEval(curve.Knots, curve.SegmentCoefficients, od)
						offset := v - expected
						shifted := Curve{Type: curve.Type, Knots: curve.Knots}
						for _, seg := range curve.SegmentCoefficients {
							c := append([]float64(nil), seg...)
							c[len(c)-1] += offset
							shifted.SegmentCoefficients = append(shifted.SegmentCoefficients, c)
						}
						cal.AngleCurves[angle] = shifted
					}
					cal.Recorded = base.Recorded
					cal.CurveData = Curve{Type: CurveSpline}
					if err := sc.Store.Save(cal); err != nil {
						return "", err
					}
					sc.Session.Result = cal
					return StepIDComplete, nil
				},
			},
		},
	}
}

func angleOfDevice(device string) string {
	switch device {
	case DeviceOD45:
		return "45"
	case DeviceOD90:
		return "90"
	case DeviceOD135:
		return "135"
	default:
		return ""
	}
}

func toFloats(v any) ([]float64, error) {
	switch list := v.(type) {
	case []float64:
		return list, nil
	case []any:
		out := make([]float64, 0, len(list))
		for _, e := range list {
			f, err := toFloat(e)
			if err != nil {
				return nil, err
			}
			out = append(out, f)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("not a float list")
	}
}
