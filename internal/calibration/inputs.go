package calibration

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/pioreactor/pioreactor-go/internal/domain"
)

// ValidationError marks a user-input failure: the UI gets HTTP 400 with the
// description; the CLI reprompts.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("field %q: %s", e.Field, e.Msg)
}

func (e *ValidationError) Unwrap() error { return domain.ErrInvalidArgument }

// IsValidation reports whether err is a user-input validation failure.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// Inputs is a typed accessor over the raw input dict submitted per advance.
type Inputs struct {
	values map[string]any
}

// NewInputs wraps a raw input dict; nil behaves as empty.
func NewInputs(values map[string]any) *Inputs {
	if values == nil {
		values = map[string]any{}
	}
	return &Inputs{values: values}
}

func (in *Inputs) raw(name string, required bool) (any, error) {
	v, ok := in.values[name]
	if !ok || v == nil || v == "" {
		if required {
			return nil, &ValidationError{Field: name, Msg: "required"}
		}
		return nil, nil
	}
	return v, nil
}

// Str returns a string field.
func (in *Inputs) Str(name string, required bool) (string, error) {
	v, err := in.raw(name, required)
	if err != nil || v == nil {
		return "", err
	}
	return fmt.Sprintf("%v", v), nil
}

// Float returns a float field, enforcing optional bounds.
func (in *Inputs) Float(name string, required bool, min, max *float64) (float64, bool, error) {
	v, err := in.raw(name, required)
	if err != nil || v == nil {
		return 0, false, err
	}
	f, err := toFloat(v)
	if err != nil {
		return 0, false, &ValidationError{Field: name, Msg: "must be a number"}
	}
	if min != nil && f < *min {
		return 0, false, &ValidationError{Field: name, Msg: fmt.Sprintf("must be >= %v", *min)}
	}
	if max != nil && f > *max {
		return 0, false, &ValidationError{Field: name, Msg: fmt.Sprintf("must be <= %v", *max)}
	}
	return f, true, nil
}

// Int returns an integer field, enforcing optional bounds.
func (in *Inputs) Int(name string, required bool, min, max *float64) (int, bool, error) {
	f, ok, err := in.Float(name, required, min, max)
	if err != nil || !ok {
		return 0, ok, err
	}
	if f != float64(int(f)) {
		return 0, false, &ValidationError{Field: name, Msg: "must be an integer"}
	}
	return int(f), true, nil
}

// Choice returns a string constrained to choices.
func (in *Inputs) Choice(name string, required bool, choices []string) (string, error) {
	s, err := in.Str(name, required)
	if err != nil || s == "" {
		return "", err
	}
	for _, c := range choices {
		if s == c {
			return s, nil
		}
	}
	return "", &ValidationError{Field: name, Msg: "must be one of " + strings.Join(choices, ", ")}
}

// FloatList returns a list of floats; accepts a JSON array or a
// comma-separated string.
func (in *Inputs) FloatList(name string, required bool) ([]float64, error) {
	v, err := in.raw(name, required)
	if err != nil || v == nil {
		return nil, err
	}
	switch list := v.(type) {
	case []float64:
		return list, nil
	case []any:
		out := make([]float64, 0, len(list))
		for _, e := range list {
			f, err := toFloat(e)
			if err != nil {
				return nil, &ValidationError{Field: name, Msg: "every element must be a number"}
			}
			out = append(out, f)
		}
		return out, nil
	case string:
		parts := strings.Split(list, ",")
		out := make([]float64, 0, len(parts))
		for _, p := range parts {
			f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
			if err != nil {
				return nil, &ValidationError{Field: name, Msg: "every element must be a number"}
			}
			out = append(out, f)
		}
		return out, nil
	default:
		return nil, &ValidationError{Field: name, Msg: "must be a list of numbers"}
	}
}

// Bool returns a boolean field.
func (in *Inputs) Bool(name string, required bool) (bool, error) {
	v, err := in.raw(name, required)
	if err != nil || v == nil {
		return false, err
	}
	switch b := v.(type) {
	case bool:
		return b, nil
	case string:
		parsed, err := strconv.ParseBool(strings.TrimSpace(b))
		if err != nil {
			return false, &ValidationError{Field: name, Msg: "must be a boolean"}
		}
		return parsed, nil
	default:
		return false, &ValidationError{Field: name, Msg: "must be a boolean"}
	}
}

func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case json.Number:
		return n.Float64()
	case string:
		return strconv.ParseFloat(strings.TrimSpace(n), 64)
	default:
		return 0, fmt.Errorf("not a number")
	}
}
