package expr

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pioreactor/pioreactor-go/internal/adapter/bus"
	"github.com/pioreactor/pioreactor-go/internal/domain"
)

func TestEvalArithmetic(t *testing.T) {
	cases := []struct {
		src  string
		want any
	}{
		{"1 + 2 * 3", 7.0},
		{"(1 + 2) * 3", 9.0},
		{"10 / 4", 2.5},
		{"2 ** 3", 8.0},
		{"2 ** 3 ** 2", 512.0}, // right associative
		{"-3 + 5", 2.0},
		{"--4", 4.0},
		{"7 - 2 - 1", 4.0}, // left associative
	}
	for _, tc := range cases {
		got, err := Eval(context.Background(), tc.src, Env{})
		require.NoError(t, err, tc.src)
		assert.Equal(t, tc.want, got, tc.src)
	}
}

func TestEvalBooleansAndComparisons(t *testing.T) {
	cases := []struct {
		src  string
		want bool
	}{
		{"1 < 2", true},
		{"2 <= 2", true},
		{"3 > 4", false},
		{"1 == 1.0", true},
		{"true and false", false},
		{"true or false", true},
		{"not false", true},
		{"not 1 > 2", true},
		{"1 < 2 and 2 < 3", true},
		{"1 > 2 or 3 > 2", true},
	}
	for _, tc := range cases {
		got, err := EvalBool(context.Background(), tc.src, Env{})
		require.NoError(t, err, tc.src)
		assert.Equal(t, tc.want, got, tc.src)
	}
}

func TestShortCircuitSkipsFetch(t *testing.T) {
	// The right side would need a bus; short-circuiting means it is never
	// evaluated.
	got, err := EvalBool(context.Background(), "false and ::stirring:target_rpm > 100", Env{})
	require.NoError(t, err)
	assert.False(t, got)

	got, err = EvalBool(context.Background(), "true or ::stirring:target_rpm > 100", Env{})
	require.NoError(t, err)
	assert.True(t, got)
}

func TestEvalBuiltins(t *testing.T) {
	env := Env{Unit: "u1", Experiment: "exp1", JobName: "stirring", HoursElapsed: 2.5,
		Rand: func() float64 { return 0.25 }}

	got, err := Eval(context.Background(), "unit()", env)
	require.NoError(t, err)
	assert.Equal(t, "u1", got)

	got, err = Eval(context.Background(), "hours_elapsed() * 2", env)
	require.NoError(t, err)
	assert.Equal(t, 5.0, got)

	got, err = Eval(context.Background(), "random() < 0.5", env)
	require.NoError(t, err)
	assert.Equal(t, true, got)

	_, err = Eval(context.Background(), "nope()", env)
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestEvalErrors(t *testing.T) {
	_, err := Eval(context.Background(), "1 / 0", Env{})
	require.ErrorIs(t, err, domain.ErrDivisionByZero)

	for _, src := range []string{"1 +", "1 = 2", "((1)", "1 2", "not"} {
		_, perr := Eval(context.Background(), src, Env{})
		require.ErrorIs(t, perr, domain.ErrInvalidArgument, src)
	}
}

func TestCheckSyntax(t *testing.T) {
	require.NoError(t, CheckSyntax("::od_reading:od1.od > 0.5 and hours_elapsed() < 12"))
	require.Error(t, CheckSyntax("::od_reading:"))
	require.Error(t, CheckSyntax("1 ** "))
}

func exprBus(t *testing.T) domain.Bus {
	t.Helper()
	c := bus.NewBroker().Connect()
	t.Cleanup(c.Close)
	return c
}

func TestFetchScalarAndDottedPath(t *testing.T) {
	b := exprBus(t)
	env := Env{Unit: "u1", Experiment: "exp1", Bus: b, FetchTimeout: 100 * time.Millisecond}

	require.NoError(t, b.Publish(context.Background(),
		domain.SettingTopic("u1", "exp1", "stirring", "target_rpm"), []byte("480"), domain.ExactlyOnce, true))
	got, err := Eval(context.Background(), "::stirring:target_rpm + 20", env)
	require.NoError(t, err)
	assert.Equal(t, 500.0, got)

	payload, err := json.Marshal(map[string]any{"od": 0.82, "angle": "90"})
	require.NoError(t, err)
	require.NoError(t, b.Publish(context.Background(),
		domain.SettingTopic("u2", "exp1", "od_reading", "od1"), payload, domain.ExactlyOnce, true))
	got, err = Eval(context.Background(), "u2:od_reading:od1.od", env)
	require.NoError(t, err)
	assert.Equal(t, 0.82, got)

	_, err = Eval(context.Background(), "u2:od_reading:od1.missing", env)
	require.ErrorIs(t, err, ErrMQTTValue)
}

func TestFetchTimeoutIsMQTTValueError(t *testing.T) {
	b := exprBus(t)
	env := Env{Unit: "u1", Experiment: "exp1", Bus: b, FetchTimeout: 30 * time.Millisecond}
	_, err := Eval(context.Background(), "::stirring:target_rpm > 100", env)
	require.ErrorIs(t, err, ErrMQTTValue)
}

func TestRenderTemplated(t *testing.T) {
	env := Env{Unit: "u1", HoursElapsed: 3}

	out, err := RenderTemplated(context.Background(), "plain string", env)
	require.NoError(t, err)
	assert.Equal(t, "plain string", out)

	out, err = RenderTemplated(context.Background(), "rpm=${{ 400 + 100 }} on ${{ unit() }}", env)
	require.NoError(t, err)
	assert.Equal(t, "rpm=500 on u1", out)

	_, err = RenderTemplated(context.Background(), "${{ 1 / 0 }}", env)
	require.ErrorIs(t, err, domain.ErrDivisionByZero)
}

func TestTruthy(t *testing.T) {
	assert.True(t, Truthy(true))
	assert.False(t, Truthy(false))
	assert.True(t, Truthy(1.0))
	assert.False(t, Truthy(0.0))
	assert.True(t, Truthy("ready"))
	assert.False(t, Truthy(""))
	assert.False(t, Truthy("False"))
	assert.False(t, Truthy("0"))
	assert.False(t, Truthy(nil))
}
