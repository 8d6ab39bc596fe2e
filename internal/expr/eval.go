package expr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/pioreactor/pioreactor-go/internal/domain"
)

// ErrMQTTValue marks a bus fetch that timed out or produced an unusable
// value. The profile engine treats it as the action's condition failing;
// direct evaluation surfaces it.
var ErrMQTTValue = errors.New("mqtt value unavailable")

// Env supplies the evaluation context: identity substitutions, elapsed time,
// and the live bus for fetch tokens.
type Env struct {
	Unit         string
	Experiment   string
	JobName      string
	HoursElapsed float64
	Bus          domain.Bus
	FetchTimeout time.Duration
	Rand         func() float64 // test hook; nil means math/rand
}

func (e Env) fetchTimeout() time.Duration {
	if e.FetchTimeout > 0 {
		return e.FetchTimeout
	}
	return time.Second
}

// Eval parses and evaluates src.
func Eval(ctx context.Context, src string, env Env) (any, error) {
	n, err := Parse(src)
	if err != nil {
		return nil, err
	}
	return evalNode(ctx, n, env)
}

// EvalBool evaluates src and coerces the result to a truth value.
func EvalBool(ctx context.Context, src string, env Env) (bool, error) {
	v, err := Eval(ctx, src, env)
	if err != nil {
		return false, err
	}
	return Truthy(v), nil
}

// Truthy maps a value to a condition result: bools as-is, numbers nonzero,
// strings anything but empty/false/0.
func Truthy(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case float64:
		return t != 0
	case string:
		s := strings.TrimSpace(strings.ToLower(t))
		return s != "" && s != "false" && s != "0"
	default:
		return v != nil
	}
}

var templateRe = regexp.MustCompile(`\$\{\{(.*?)\}\}`)

// RenderTemplated rewrites every ${{ expr }} inside s with its evaluated
// value; a string without brackets passes through unchanged.
func RenderTemplated(ctx context.Context, s string, env Env) (string, error) {
	if !strings.Contains(s, "${{") {
		return s, nil
	}
	var firstErr error
	out := templateRe.ReplaceAllStringFunc(s, func(m string) string {
		inner := templateRe.FindStringSubmatch(m)[1]
		v, err := Eval(ctx, inner, env)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			return m
		}
		return formatValue(v)
	})
	return out, firstErr
}

func evalNode(ctx context.Context, n node, env Env) (any, error) {
	switch t := n.(type) {
	case numberNode:
		return float64(t), nil
	case boolNode:
		return bool(t), nil
	case stringNode:
		return string(t), nil
	case fetchNode:
		return evalFetch(ctx, t, env)
	case callNode:
		return evalCall(ctx, t, env)
	case unaryNode:
		x, err := evalNode(ctx, t.X, env)
		if err != nil {
			return nil, err
		}
		switch t.Op {
		case "not":
			return !Truthy(x), nil
		case "-":
			f, err := asNumber(x)
			if err != nil {
				return nil, err
			}
			return -f, nil
		}
		return nil, fmt.Errorf("op=expr.eval: unknown unary %q: %w", t.Op, domain.ErrInternal)
	case binaryNode:
		return evalBinary(ctx, t, env)
	default:
		return nil, fmt.Errorf("op=expr.eval: unknown node: %w", domain.ErrInternal)
	}
}

func evalBinary(ctx context.Context, b binaryNode, env Env) (any, error) {
	// Booleans short-circuit.
	switch b.Op {
	case "and":
		l, err := evalNode(ctx, b.L, env)
		if err != nil {
			return nil, err
		}
		if !Truthy(l) {
			return false, nil
		}
		r, err := evalNode(ctx, b.R, env)
		if err != nil {
			return nil, err
		}
		return Truthy(r), nil
	case "or":
		l, err := evalNode(ctx, b.L, env)
		if err != nil {
			return nil, err
		}
		if Truthy(l) {
			return true, nil
		}
		r, err := evalNode(ctx, b.R, env)
		if err != nil {
			return nil, err
		}
		return Truthy(r), nil
	}

	l, err := evalNode(ctx, b.L, env)
	if err != nil {
		return nil, err
	}
	r, err := evalNode(ctx, b.R, env)
	if err != nil {
		return nil, err
	}
	switch b.Op {
	case "==":
		return equalValues(l, r), nil
	case "<", ">", "<=", ">=":
		lf, err1 := asNumber(l)
		rf, err2 := asNumber(r)
		if err1 != nil || err2 != nil {
			return nil, fmt.Errorf("op=expr.eval op=%s: non-numeric comparison: %w", b.Op, domain.ErrInvalidArgument)
		}
		switch b.Op {
		case "<":
			return lf < rf, nil
		case ">":
			return lf > rf, nil
		case "<=":
			return lf <= rf, nil
		default:
			return lf >= rf, nil
		}
	case "+", "-", "*", "/", "**":
		lf, err := asNumber(l)
		if err != nil {
			return nil, err
		}
		rf, err := asNumber(r)
		if err != nil {
			return nil, err
		}
		switch b.Op {
		case "+":
			return lf + rf, nil
		case "-":
			return lf - rf, nil
		case "*":
			return lf * rf, nil
		case "/":
			if rf == 0 {
				return nil, fmt.Errorf("op=expr.eval: %w", domain.ErrDivisionByZero)
			}
			return lf / rf, nil
		default:
			return math.Pow(lf, rf), nil
		}
	}
	return nil, fmt.Errorf("op=expr.eval: unknown op %q: %w", b.Op, domain.ErrInternal)
}

func evalCall(ctx context.Context, c callNode, env Env) (any, error) {
	if len(c.Args) != 0 {
		return nil, fmt.Errorf("op=expr.eval call=%s: takes no arguments: %w", c.Name, domain.ErrInvalidArgument)
	}
	switch c.Name {
	case "random":
		if env.Rand != nil {
			return env.Rand(), nil
		}
		return rand.Float64(), nil //nolint:gosec // Not security sensitive.
	case "unit":
		return env.Unit, nil
	case "experiment":
		return env.Experiment, nil
	case "job_name":
		return env.JobName, nil
	case "hours_elapsed":
		return env.HoursElapsed, nil
	default:
		return nil, fmt.Errorf("op=expr.eval call=%s: unknown function: %w", c.Name, domain.ErrInvalidArgument)
	}
}

func evalFetch(ctx context.Context, f fetchNode, env Env) (any, error) {
	if env.Bus == nil {
		return nil, fmt.Errorf("op=expr.fetch: no bus: %w", ErrMQTTValue)
	}
	unit := f.Unit
	if unit == "" {
		unit = env.Unit
	}
	topic := domain.SettingTopic(unit, env.Experiment, f.Job, f.Setting)
	payload, err := env.Bus.Fetch(ctx, topic, env.fetchTimeout())
	if err != nil {
		return nil, fmt.Errorf("op=expr.fetch topic=%s: %w", topic, ErrMQTTValue)
	}
	var v any
	if err := json.Unmarshal(payload, &v); err != nil {
		// Not JSON; treat as a raw scalar string.
		v = string(payload)
	}
	for _, key := range f.Keys {
		m, ok := v.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("op=expr.fetch topic=%s key=%s: not an object: %w", topic, key, ErrMQTTValue)
		}
		v, ok = m[key]
		if !ok {
			return nil, fmt.Errorf("op=expr.fetch topic=%s key=%s: missing: %w", topic, key, ErrMQTTValue)
		}
	}
	if s, ok := v.(string); ok {
		if fl, err := strconv.ParseFloat(s, 64); err == nil {
			return fl, nil
		}
	}
	return v, nil
}

func asNumber(v any) (float64, error) {
	switch t := v.(type) {
	case float64:
		return t, nil
	case bool:
		if t {
			return 1, nil
		}
		return 0, nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return 0, fmt.Errorf("op=expr.eval: %q is not a number: %w", t, domain.ErrInvalidArgument)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("op=expr.eval: not a number: %w", domain.ErrInvalidArgument)
	}
}

func equalValues(l, r any) bool {
	lf, err1 := asNumber(l)
	rf, err2 := asNumber(r)
	if err1 == nil && err2 == nil {
		return lf == rf
	}
	return fmt.Sprintf("%v", l) == fmt.Sprintf("%v", r)
}

func formatValue(v any) string {
	switch t := v.(type) {
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	case string:
		return t
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(raw)
	}
}
