package cli

import (
	"errors"
	"fmt"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pioreactor/pioreactor-go/internal/domain"
)

func TestParseOptions(t *testing.T) {
	opts, err := parseOptions([]string{"target_rpm=600", "automation_name=chemostat"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"target_rpm": "600", "automation_name": "chemostat"}, opts)

	_, err = parseOptions([]string{"no-equals"})
	require.ErrorIs(t, err, domain.ErrInvalidArgument)

	_, err = parseOptions([]string{"=value"})
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func testCmd(run func() error) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "test",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          func(*cobra.Command, []string) error { return run() },
	}
	return cmd
}

func TestExecuteExitCodes(t *testing.T) {
	assert.Equal(t, ExitOK, Execute(testCmd(func() error { return nil })))
	assert.Equal(t, ExitError, Execute(testCmd(func() error { return errors.New("broker down") })))
	assert.Equal(t, ExitUsage, Execute(testCmd(func() error {
		return fmt.Errorf("--device is required: %w", domain.ErrInvalidArgument)
	})))
}

func TestPioCommandTree(t *testing.T) {
	root := NewPioCmd()
	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	assert.ElementsMatch(t, []string{"run", "log", "kill", "calibrations"}, names)

	cals, _, err := root.Find([]string{"calibrations"})
	require.NoError(t, err)
	var subs []string
	for _, c := range cals.Commands() {
		subs = append(subs, c.Name())
	}
	assert.ElementsMatch(t, []string{"list", "run", "display", "set-current", "delete"}, subs)
}

func TestPiosCommandTree(t *testing.T) {
	root := NewPiosCmd()
	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	assert.ElementsMatch(t, []string{"run-across-cluster", "update"}, names)
}
