package cli

import (
	"fmt"
	"net/http"
	"net/url"

	"github.com/spf13/cobra"

	"github.com/pioreactor/pioreactor-go/internal/domain"
)

func newKillCmd() *cobra.Command {
	var (
		jobName    string
		experiment string
		jobSource  string
		allJobs    bool
	)
	cmd := &cobra.Command{
		Use:   "kill",
		Short: "Stop running jobs on this unit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !allJobs && jobName == "" && experiment == "" && jobSource == "" {
				return fmt.Errorf("give --all-jobs or at least one filter: %w", domain.ErrInvalidArgument)
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			q := url.Values{}
			if jobName != "" {
				q.Set("job_name", jobName)
			}
			if experiment != "" {
				q.Set("experiment", experiment)
			}
			if jobSource != "" {
				q.Set("job_source", jobSource)
			}
			endpoint := cfg.UnitAPIBase(cfg.UnitName) + "/unit_api/jobs/stop"
			if enc := q.Encode(); enc != "" {
				endpoint += "?" + enc
			}

			var result struct {
				Stopped int `json:"stopped"`
			}
			client := &http.Client{Timeout: cfg.HTTPTimeout}
			if err := postJSON(client, endpoint, nil, &result); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "stopped %d job(s)\n", result.Stopped)
			return nil
		},
	}
	cmd.Flags().StringVar(&jobName, "name", "", "stop only this job")
	cmd.Flags().StringVar(&experiment, "experiment", "", "stop jobs in this experiment")
	cmd.Flags().StringVar(&jobSource, "job-source", "", "stop jobs with this source prefix")
	cmd.Flags().BoolVar(&allJobs, "all-jobs", false, "stop every running job")
	return cmd
}
