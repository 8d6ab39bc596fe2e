package profile

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pioreactor/pioreactor-go/internal/domain"
)

func TestVerifyRejectsAutomationStart(t *testing.T) {
	p := &Profile{
		ExperimentProfileName: "x",
		Common: Common{Jobs: map[string]JobSpec{
			"dosing_automation": {Actions: []Action{{Type: ActionStart}}},
		}},
	}
	err := Verify(p, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestVerifyControllerUpdateNeedsAutomationName(t *testing.T) {
	p := &Profile{
		ExperimentProfileName: "x",
		Common: Common{Jobs: map[string]JobSpec{
			"temperature_control": {Actions: []Action{{Type: ActionUpdate, Options: map[string]any{"target": 30}}}},
		}},
	}
	err := Verify(p, nil)
	require.Error(t, err)

	p.Common.Jobs["temperature_control"] = JobSpec{Actions: []Action{{
		Type:    ActionUpdate,
		Options: map[string]any{"automation_name": "thermostat", "target_temperature": 30},
	}}}
	assert.NoError(t, Verify(p, nil))
}

func TestVerifyExpressionSyntax(t *testing.T) {
	p := &Profile{
		ExperimentProfileName: "x",
		Common: Common{Jobs: map[string]JobSpec{
			"stirring": {Actions: []Action{{Type: ActionStart, If: "${{ ::od_reading:od1.od > }}"}}},
		}},
	}
	assert.Error(t, Verify(p, nil))

	p.Common.Jobs["stirring"] = JobSpec{Actions: []Action{{Type: ActionStart, If: "${{ ::od_reading:od1.od > 1.0 }}"}}}
	assert.NoError(t, Verify(p, nil))
}

func TestVerifyPluginConstraints(t *testing.T) {
	installed := map[string]string{"my-plugin": "1.2.0"}

	for _, tc := range []struct {
		constraint string
		ok         bool
	}{
		{"1.2.0", true},
		{"==1.2.0", true},
		{">=1.0", true},
		{"<=1.2.0", true},
		{">=2.0", false},
		{"==1.3", false},
	} {
		p := &Profile{
			ExperimentProfileName: "x",
			Plugins:               []Plugin{{Name: "my-plugin", VersionConstraint: tc.constraint}},
		}
		err := Verify(p, installed)
		if tc.ok {
			assert.NoError(t, err, tc.constraint)
		} else {
			assert.ErrorIs(t, err, domain.ErrPluginVersion, tc.constraint)
		}
	}

	p := &Profile{
		ExperimentProfileName: "x",
		Plugins:               []Plugin{{Name: "absent"}},
	}
	assert.ErrorIs(t, Verify(p, installed), domain.ErrPluginVersion)
}

func TestVerifyRecursesNestedActions(t *testing.T) {
	p := &Profile{
		ExperimentProfileName: "x",
		Pioreactors: map[string]PioreactorSpec{
			"worker1": {Jobs: map[string]JobSpec{
				"stirring": {Actions: []Action{{
					Type:      ActionWhen,
					Condition: "::od_reading:od1.od > 1",
					Actions:   []Action{{Type: ActionStart, If: "1 +"}},
				}}},
			}},
		},
	}
	assert.Error(t, Verify(p, nil))
}
