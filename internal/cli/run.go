package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/pioreactor/pioreactor-go/internal/adapter/bus"
	"github.com/pioreactor/pioreactor-go/internal/adapter/httpserver"
	"github.com/pioreactor/pioreactor-go/internal/adapter/store/jobsdb"
	"github.com/pioreactor/pioreactor-go/internal/adapter/store/kv"
	"github.com/pioreactor/pioreactor-go/internal/app"
	"github.com/pioreactor/pioreactor-go/internal/calibration"
	"github.com/pioreactor/pioreactor-go/internal/domain"
)

func newRunCmd() *cobra.Command {
	var (
		options    []string
		experiment string
		source     string
	)
	cmd := &cobra.Command{
		Use:   "run <job>",
		Short: "Run a background job in the foreground until interrupted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			jobName := args[0]
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if experiment != "" {
				cfg.Experiment = experiment
			}
			if source != "" {
				cfg.JobSource = source
			}
			opts, err := parseOptions(options)
			if err != nil {
				return err
			}

			var b domain.Bus
			will := bus.StateWill(cfg.UnitName, cfg.Experiment, jobName)
			if cfg.IsTest() {
				b = bus.NewBroker().Connect(will)
			} else {
				client, err := bus.NewMQTTClient(cfg.BrokerURL,
					fmt.Sprintf("pio-run-%s-%s", cfg.UnitName, jobName), will)
				if err != nil {
					return err
				}
				b = client
			}
			defer b.Close()

			registry, err := jobsdb.Open(filepath.Join(cfg.StorageDir(), "jobs.sqlite"))
			if err != nil {
				return err
			}
			defer func() { _ = registry.Close() }()
			store, err := kv.Open(filepath.Join(cfg.StorageDir(), "kv.sqlite"))
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			cals := calibration.NewStore(cfg.CalibrationRoot(), store)
			runtime := app.NewRuntime(cfg, b, registry, store, cals, nil)

			req := httpserver.RunRequest{
				Options: opts,
				Env:     map[string]string{"EXPERIMENT": cfg.Experiment, "JOB_SOURCE": cfg.JobSource},
			}
			if err := runtime.Launch(cmd.Context(), jobName, req); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s running (ctrl-c to stop)\n", jobName)

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			select {
			case <-sigCh:
			case <-cmd.Context().Done():
			}

			// Ask the job to disconnect and give it a moment to clean up its
			// retained state before the bus client drops.
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			topic := domain.StateSetTopic(cfg.UnitName, cfg.Experiment, jobName)
			_ = b.Publish(ctx, topic, []byte(domain.StateDisconnected), domain.ExactlyOnce, false)
			time.Sleep(200 * time.Millisecond)
			return nil
		},
	}
	cmd.Flags().StringArrayVarP(&options, "option", "o", nil, "job option as key=value (repeatable)")
	cmd.Flags().StringVar(&experiment, "experiment", "", "experiment to attach to")
	cmd.Flags().StringVar(&source, "source", "", "job source recorded in the registry")
	return cmd
}
