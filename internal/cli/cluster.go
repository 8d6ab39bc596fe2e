package cli

import (
	"fmt"
	"net/http"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/pioreactor/pioreactor-go/internal/adapter/httpserver"
	"github.com/pioreactor/pioreactor-go/internal/domain"
)

type workerRow struct {
	PioreactorUnit string `json:"pioreactor_unit"`
	IsActive       bool   `json:"is_active"`
}

func clusterWorkers(client *http.Client, leaderBase string, only []string) ([]string, error) {
	var workers []workerRow
	if err := getJSON(client, leaderBase+"/api/workers", &workers); err != nil {
		return nil, err
	}
	var units []string
	for _, w := range workers {
		if !w.IsActive {
			continue
		}
		if len(only) > 0 && !contains(only, w.PioreactorUnit) {
			continue
		}
		units = append(units, w.PioreactorUnit)
	}
	if len(units) == 0 {
		return nil, fmt.Errorf("op=cli.clusterWorkers: no matching workers: %w", domain.ErrNotFound)
	}
	return units, nil
}

func activeExperiment(client *http.Client, leaderBase string) (string, error) {
	var exp struct {
		Experiment string `json:"experiment"`
	}
	if err := getJSON(client, leaderBase+"/api/experiments/active", &exp); err != nil {
		return "", err
	}
	return exp.Experiment, nil
}

func newRunAcrossClusterCmd() *cobra.Command {
	var (
		options    []string
		experiment string
		units      []string
	)
	cmd := &cobra.Command{
		Use:   "run-across-cluster <job>",
		Short: "Start a job on every active worker via the leader API",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jobName := args[0]
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			opts, err := parseOptions(options)
			if err != nil {
				return err
			}
			client := &http.Client{Timeout: cfg.HTTPTimeout}
			leaderBase := cfg.LeaderAPIBase()

			if experiment == "" {
				experiment, err = activeExperiment(client, leaderBase)
				if err != nil {
					return err
				}
			}
			targets, err := clusterWorkers(client, leaderBase, units)
			if err != nil {
				return err
			}

			body := httpserver.RunRequest{Options: opts}
			out := cmd.OutOrStdout()
			failures := 0
			for _, unit := range targets {
				url := fmt.Sprintf("%s/api/workers/%s/jobs/run/job_name/%s/experiments/%s",
					leaderBase, unit, jobName, experiment)
				if err := postJSON(client, url, body, nil); err != nil {
					failures++
					color.New(color.FgRed).Fprintf(out, "%s: %v\n", unit, err)
					continue
				}
				fmt.Fprintf(out, "%s: %s started\n", unit, jobName)
			}
			if failures > 0 {
				return fmt.Errorf("op=cli.runAcrossCluster job=%s: %d unit(s) failed", jobName, failures)
			}
			return nil
		},
	}
	cmd.Flags().StringArrayVarP(&options, "option", "o", nil, "job option as key=value (repeatable)")
	cmd.Flags().StringVar(&experiment, "experiment", "", "experiment (default: the active one)")
	cmd.Flags().StringSliceVar(&units, "units", nil, "only these workers")
	return cmd
}

func newClusterUpdateCmd() *cobra.Command {
	var units []string
	cmd := &cobra.Command{
		Use:   "update",
		Short: "Trigger a software update on every active worker",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			client := &http.Client{Timeout: cfg.HTTPTimeout}
			targets, err := clusterWorkers(client, cfg.LeaderAPIBase(), units)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			failures := 0
			for _, unit := range targets {
				url := cfg.UnitAPIBase(unit) + "/unit_api/system/update/app"
				var task struct {
					TaskID string `json:"task_id"`
				}
				if err := postJSON(client, url, nil, &task); err != nil {
					failures++
					color.New(color.FgRed).Fprintf(out, "%s: %v\n", unit, err)
					continue
				}
				fmt.Fprintf(out, "%s: update queued (task %s)\n", unit, task.TaskID)
			}
			if failures > 0 {
				return fmt.Errorf("op=cli.clusterUpdate: %d unit(s) failed", failures)
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&units, "units", nil, "only these workers")
	return cmd
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
