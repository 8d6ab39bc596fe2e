// Package cli implements the pio and pios command trees.
package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/pioreactor/pioreactor-go/internal/config"
	"github.com/pioreactor/pioreactor-go/internal/domain"
)

// Exit codes.
const (
	ExitOK    = 0
	ExitError = 1
	ExitUsage = 2
)

// NewPioCmd builds the per-unit pio command tree.
func NewPioCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "pio",
		Short:         "Control this Pioreactor unit",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newRunCmd(),
		newLogCmd(),
		newKillCmd(),
		newCalibrationsCmd(),
	)
	return root
}

// NewPiosCmd builds the leader-side cluster command tree.
func NewPiosCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "pios",
		Short:         "Control the Pioreactor cluster from the leader",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newRunAcrossClusterCmd(),
		newClusterUpdateCmd(),
	)
	return root
}

// Execute runs cmd and maps the error to an exit code: usage mistakes exit 2,
// everything else 1.
func Execute(cmd *cobra.Command) int {
	if err := cmd.Execute(); err != nil {
		color.New(color.FgRed).Fprintln(os.Stderr, "Error:", err)
		if errors.Is(err, domain.ErrInvalidArgument) || strings.Contains(err.Error(), "unknown command") ||
			strings.Contains(err.Error(), "unknown flag") || strings.Contains(err.Error(), "accepts") {
			return ExitUsage
		}
		return ExitError
	}
	return ExitOK
}

func loadConfig() (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, fmt.Errorf("op=cli.loadConfig: %w", err)
	}
	return cfg, nil
}

// parseOptions turns repeated key=value flags into a map.
func parseOptions(pairs []string) (map[string]string, error) {
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("option %q is not key=value: %w", p, domain.ErrInvalidArgument)
		}
		out[k] = v
	}
	return out, nil
}

// apiError is the {error, description} envelope every API surface returns.
type apiError struct {
	Err         string `json:"error"`
	Description string `json:"description"`
}

func getJSON(client *http.Client, url string, out any) error {
	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("op=cli.getJSON url=%s: %w", url, err)
	}
	defer func() { _ = resp.Body.Close() }()
	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		var envelope apiError
		if json.Unmarshal(raw, &envelope) == nil && envelope.Description != "" {
			return fmt.Errorf("%s: %s", envelope.Err, envelope.Description)
		}
		return fmt.Errorf("op=cli.getJSON url=%s: status %d", url, resp.StatusCode)
	}
	if out != nil && len(raw) > 0 {
		return json.Unmarshal(raw, out)
	}
	return nil
}

func postJSON(client *http.Client, url string, body any, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	resp, err := client.Post(url, "application/json", &buf)
	if err != nil {
		return fmt.Errorf("op=cli.postJSON url=%s: %w", url, err)
	}
	defer func() { _ = resp.Body.Close() }()
	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		var envelope apiError
		if json.Unmarshal(raw, &envelope) == nil && envelope.Description != "" {
			return fmt.Errorf("%s: %s", envelope.Err, envelope.Description)
		}
		return fmt.Errorf("op=cli.postJSON url=%s: status %d", url, resp.StatusCode)
	}
	if out != nil && len(raw) > 0 {
		return json.Unmarshal(raw, out)
	}
	return nil
}
