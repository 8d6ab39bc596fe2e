package calibration

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pioreactor/pioreactor-go/internal/domain"
)

// Session statuses.
type SessionStatus string

const (
	StatusInProgress SessionStatus = "in_progress"
	StatusComplete   SessionStatus = "complete"
	StatusAborted    SessionStatus = "aborted"
	StatusFailed     SessionStatus = "failed"
)

// Driver modes.
type Mode string

const (
	ModeCLI Mode = "cli"
	ModeUI  Mode = "ui"
)

// Step types.
type StepType string

const (
	StepInfo   StepType = "info"
	StepForm   StepType = "form"
	StepAction StepType = "action"
	StepResult StepType = "result"
)

// Terminal step ids.
const (
	StepIDComplete = "complete"
	StepIDEnded    = "ended"
)

// Field describes one form input.
type Field struct {
	Name     string   `json:"name"`
	Label    string   `json:"label"`
	Type     string   `json:"type"` // str, float, int, choice, float_list, bool
	Required bool     `json:"required"`
	Min      *float64 `json:"minimum,omitempty"`
	Max      *float64 `json:"maximum,omitempty"`
	Choices  []string `json:"choices,omitempty"`
	Default  string   `json:"default,omitempty"`
}

// Step is the UI description of one session step.
type Step struct {
	ID       string            `json:"step_id"`
	Title    string            `json:"title"`
	Body     string            `json:"body"`
	Type     StepType          `json:"step_type"`
	Fields   []Field           `json:"fields,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Session is the persisted state of one calibration workflow.
type Session struct {
	ID        string         `json:"session_id"`
	Protocol  string         `json:"protocol_name"`
	Device    string         `json:"target_device"`
	Status    SessionStatus  `json:"status"`
	StepID    string         `json:"step_id"`
	Data      map[string]any `json:"data"`
	Result    *Calibration   `json:"result,omitempty"`
	Error     string         `json:"error,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// DataFloat reads a float accumulated into the session data bag.
func (s *Session) DataFloat(key string) float64 {
	switch v := s.Data[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	default:
		return 0
	}
}

// DataFloats reads a []float64 from the data bag (JSON round-trips store
// []any).
func (s *Session) DataFloats(key string) []float64 {
	switch v := s.Data[key].(type) {
	case []float64:
		return v
	case []any:
		out := make([]float64, 0, len(v))
		for _, e := range v {
			if f, ok := e.(float64); ok {
				out = append(out, f)
			}
		}
		return out
	default:
		return nil
	}
}

// DataString reads a string from the data bag.
func (s *Session) DataString(key string) string {
	v, _ := s.Data[key].(string)
	return v
}

// Executor runs a privileged hardware action on the owning unit (pump,
// read_aux_voltage, stirring_calibration, od_reference_standard_read). In UI
// mode the HTTP layer supplies one that calls the unit API; in CLI mode the
// engine is handed a local executor.
type Executor func(ctx context.Context, action string, payload map[string]any) (map[string]any, error)

// StepContext carries everything a step handler sees.
type StepContext struct {
	Ctx     context.Context
	Session *Session
	Mode    Mode
	Inputs  *Inputs
	Exec    Executor
	Store   *Store
	Unit    string
}

// StepHandler renders a step for the UI and advances past it.
type StepHandler interface {
	Render(sc *StepContext) (Step, error)
	// Advance returns the next step id, or "" to keep the session on the
	// current step (reprompt).
	Advance(sc *StepContext) (string, error)
}

type funcStep struct {
	render  func(sc *StepContext) (Step, error)
	advance func(sc *StepContext) (string, error)
}

func (f funcStep) Render(sc *StepContext) (Step, error) { return f.render(sc) }
func (f funcStep) Advance(sc *StepContext) (string, error) {
	if f.advance == nil {
		return "", nil
	}
	return f.advance(sc)
}

// Protocol is a named step graph targeting a set of devices.
type Protocol struct {
	Name      string
	Devices   []string
	FirstStep string
	Steps     map[string]StepHandler
}

// Targets reports whether the protocol can calibrate device.
func (p *Protocol) Targets(device string) bool {
	for _, d := range p.Devices {
		if d == device {
			return true
		}
	}
	return false
}

// Engine owns the protocol registry and session persistence. Concurrent
// advances of the same session are serialized (single writer).
type Engine struct {
	mu        sync.Mutex
	kv        domain.KV
	store     *Store
	unit      string
	protocols map[string]*Protocol
}

// NewEngine builds an engine with the built-in protocols registered.
func NewEngine(kv domain.KV, store *Store, unit string) *Engine {
	e := &Engine{kv: kv, store: store, unit: unit, protocols: make(map[string]*Protocol)}
	for _, p := range builtinProtocols() {
		e.protocols[p.Name] = p
	}
	return e
}

// Protocols lists registered protocol names.
func (e *Engine) Protocols() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	names := make([]string, 0, len(e.protocols))
	for name := range e.protocols {
		names = append(names, name)
	}
	return names
}

// Register adds a protocol (plugins use this).
func (e *Engine) Register(p *Protocol) {
	e.mu.Lock()
	e.protocols[p.Name] = p
	e.mu.Unlock()
}

// Start creates a session at the protocol's first step and persists it.
func (e *Engine) Start(ctx context.Context, protocolName, device string, mode Mode, exec Executor) (*Session, Step, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.protocols[protocolName]
	if !ok {
		return nil, Step{}, fmt.Errorf("op=session.Start protocol=%s: %w", protocolName, domain.ErrNotFound)
	}
	if !p.Targets(device) {
		return nil, Step{}, fmt.Errorf("op=session.Start protocol=%s device=%s: %w", protocolName, device, domain.ErrInvalidArgument)
	}
	now := time.Now().UTC()
	sess := &Session{
		ID:        uuid.NewString(),
		Protocol:  protocolName,
		Device:    device,
		Status:    StatusInProgress,
		StepID:    p.FirstStep,
		Data:      make(map[string]any),
		CreatedAt: now,
		UpdatedAt: now,
	}
	step, err := e.renderLocked(ctx, p, sess, mode, exec)
	if err != nil {
		return nil, Step{}, err
	}
	if err := e.persistLocked(sess); err != nil {
		return nil, Step{}, err
	}
	return sess, step, nil
}

// Get loads a persisted session.
func (e *Engine) Get(id string) (*Session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.loadLocked(id)
}

// Render returns the current step description without advancing (idempotent).
func (e *Engine) Render(ctx context.Context, id string, mode Mode, exec Executor) (*Session, Step, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	sess, err := e.loadLocked(id)
	if err != nil {
		return nil, Step{}, err
	}
	p := e.protocols[sess.Protocol]
	if p == nil {
		return nil, Step{}, fmt.Errorf("op=session.Render protocol=%s: %w", sess.Protocol, domain.ErrNotFound)
	}
	step, err := e.renderLocked(ctx, p, sess, mode, exec)
	return sess, step, err
}

// Advance applies user inputs to the current step and moves the session. A
// validation failure keeps the session in place and returns the error for
// the caller to surface (HTTP 400 / CLI reprompt).
func (e *Engine) Advance(ctx context.Context, id string, inputs map[string]any, mode Mode, exec Executor) (*Session, Step, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	sess, err := e.loadLocked(id)
	if err != nil {
		return nil, Step{}, err
	}
	if sess.Status != StatusInProgress {
		return sess, Step{}, fmt.Errorf("op=session.Advance status=%s: %w", sess.Status, domain.ErrInvalidArgument)
	}
	p := e.protocols[sess.Protocol]
	if p == nil {
		return nil, Step{}, fmt.Errorf("op=session.Advance protocol=%s: %w", sess.Protocol, domain.ErrNotFound)
	}
	handler, ok := p.Steps[sess.StepID]
	if !ok {
		return nil, Step{}, fmt.Errorf("op=session.Advance step=%s: %w", sess.StepID, domain.ErrNotFound)
	}
	sc := &StepContext{Ctx: ctx, Session: sess, Mode: mode, Inputs: NewInputs(inputs), Exec: exec, Store: e.store, Unit: e.unit}
	next, err := handler.Advance(sc)
	sess.UpdatedAt = time.Now().UTC()
	if err != nil {
		if IsValidation(err) {
			_ = e.persistLocked(sess)
			return sess, Step{}, err
		}
		sess.Status = StatusFailed
		sess.Error = err.Error()
		_ = e.persistLocked(sess)
		return sess, Step{}, err
	}
	if next != "" {
		sess.StepID = next
	}
	if sess.StepID == StepIDComplete {
		sess.Status = StatusComplete
	}
	if sess.StepID == StepIDEnded && sess.Status == StatusInProgress {
		sess.Status = StatusAborted
	}
	step, rerr := e.renderLocked(ctx, p, sess, mode, exec)
	if rerr != nil {
		return nil, Step{}, rerr
	}
	if err := e.persistLocked(sess); err != nil {
		return nil, Step{}, err
	}
	return sess, step, nil
}

// Abort terminates a session.
func (e *Engine) Abort(id string) (*Session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	sess, err := e.loadLocked(id)
	if err != nil {
		return nil, err
	}
	if sess.Status == StatusInProgress {
		sess.Status = StatusAborted
		sess.StepID = StepIDEnded
		sess.UpdatedAt = time.Now().UTC()
		if err := e.persistLocked(sess); err != nil {
			return nil, err
		}
	}
	return sess, nil
}

func (e *Engine) renderLocked(ctx context.Context, p *Protocol, sess *Session, mode Mode, exec Executor) (Step, error) {
	handler, ok := p.Steps[sess.StepID]
	if !ok {
		// Terminal steps without handlers render a default.
		switch sess.StepID {
		case StepIDComplete:
			return Step{ID: StepIDComplete, Title: "Calibration complete", Type: StepResult}, nil
		case StepIDEnded:
			return Step{ID: StepIDEnded, Title: "Session ended", Type: StepInfo}, nil
		}
		return Step{}, fmt.Errorf("op=session.render step=%s: %w", sess.StepID, domain.ErrNotFound)
	}
	sc := &StepContext{Ctx: ctx, Session: sess, Mode: mode, Exec: exec, Store: e.store, Unit: e.unit}
	return handler.Render(sc)
}

func (e *Engine) persistLocked(sess *Session) error {
	raw, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("op=session.persist: %w", err)
	}
	return e.kv.Put(domain.ScopeCalibrationSessions, sess.ID, raw)
}

func (e *Engine) loadLocked(id string) (*Session, error) {
	raw, ok, err := e.kv.Get(domain.ScopeCalibrationSessions, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("op=session.load id=%s: %w", id, domain.ErrNotFound)
	}
	var sess Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		return nil, fmt.Errorf("op=session.load id=%s: %w", id, err)
	}
	return &sess, nil
}
