package profile

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimeToSeconds(t *testing.T) {
	cases := []struct {
		in   string
		want float64
	}{
		{"1", 3600},
		{"0.5", 1800},
		{"90s", 90},
		{"2m", 120},
		{"1.5h", 5400},
		{"1d", 86400},
		{"0", 0},
	}
	for _, c := range cases {
		got, err := TimeToSeconds(c.in)
		require.NoError(t, err, c.in)
		assert.InDelta(t, c.want, got, 1e-9, c.in)
	}
}

func TestTimeToSecondsRejects(t *testing.T) {
	for _, in := range []string{"", " 1h", "1 h", "-1", "-2m", "3w", "abc"} {
		_, err := TimeToSeconds(in)
		assert.Error(t, err, in)
	}
}

func TestTimeToSecondsMonotone(t *testing.T) {
	prev := -1.0
	for _, in := range []string{"1s", "30s", "5m", "2h", "1d"} {
		got, err := TimeToSeconds(in)
		require.NoError(t, err)
		assert.Greater(t, got, prev)
		prev = got
	}
}

const sampleProfile = `
experiment_profile_name: demo
metadata:
  author: cam
common:
  jobs:
    stirring:
      actions:
        - type: start
          hours_elapsed: 0
        - type: stop
          hours_elapsed: 2
pioreactors:
  worker1:
    jobs:
      od_reading:
        actions:
          - type: start
            t: 5m
`

func TestDecode(t *testing.T) {
	p, err := Decode(strings.NewReader(sampleProfile))
	require.NoError(t, err)
	assert.Equal(t, "demo", p.ExperimentProfileName)
	require.Len(t, p.Common.Jobs["stirring"].Actions, 2)

	start := p.Common.Jobs["stirring"].Actions[0]
	d, err := start.DelaySeconds()
	require.NoError(t, err)
	assert.Zero(t, d)

	od := p.Pioreactors["worker1"].Jobs["od_reading"].Actions[0]
	d, err = od.DelaySeconds()
	require.NoError(t, err)
	assert.InDelta(t, 300, d, 1e-9)
}

func TestDecodeRejectsUnknownFields(t *testing.T) {
	_, err := Decode(strings.NewReader("experiment_profile_name: x\nbogus_field: 1\n"))
	assert.Error(t, err)
}

func TestDecodeRequiresName(t *testing.T) {
	_, err := Decode(strings.NewReader("metadata:\n  author: cam\n"))
	assert.Error(t, err)
}
