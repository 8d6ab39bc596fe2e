package numerical

import "time"

// PID is a textbook discrete PID controller with output clamping and
// integral anti-windup at the clamp.
type PID struct {
	Kp, Ki, Kd float64
	Setpoint   float64
	OutMin     float64
	OutMax     float64

	integral float64
	lastErr  float64
	primed   bool
}

// NewPID builds a controller with symmetric-free output bounds.
func NewPID(kp, ki, kd, setpoint, outMin, outMax float64) *PID {
	return &PID{Kp: kp, Ki: ki, Kd: kd, Setpoint: setpoint, OutMin: outMin, OutMax: outMax}
}

// SetSetpoint retargets the controller without resetting its state.
func (p *PID) SetSetpoint(sp float64) { p.Setpoint = sp }

// Reset clears the accumulated state.
func (p *PID) Reset() {
	p.integral = 0
	p.lastErr = 0
	p.primed = false
}

// Update advances the controller by dt against a new measurement.
func (p *PID) Update(measured float64, dt time.Duration) float64 {
	e := p.Setpoint - measured
	dts := dt.Seconds()
	if dts <= 0 {
		dts = 1
	}

	var deriv float64
	if p.primed {
		deriv = (e - p.lastErr) / dts
	}
	p.lastErr = e
	p.primed = true

	candidate := p.integral + e*dts
	out := p.Kp*e + p.Ki*candidate + p.Kd*deriv
	if out > p.OutMax {
		out = p.OutMax
	} else if out < p.OutMin {
		out = p.OutMin
	} else {
		p.integral = candidate
	}
	return out
}
