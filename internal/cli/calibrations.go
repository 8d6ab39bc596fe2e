package cli

import (
	"fmt"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/pioreactor/pioreactor-go/internal/adapter/bus"
	"github.com/pioreactor/pioreactor-go/internal/adapter/store/jobsdb"
	"github.com/pioreactor/pioreactor-go/internal/adapter/store/kv"
	"github.com/pioreactor/pioreactor-go/internal/app"
	"github.com/pioreactor/pioreactor-go/internal/calibration"
	"github.com/pioreactor/pioreactor-go/internal/config"
	"github.com/pioreactor/pioreactor-go/internal/domain"
)

func newCalibrationsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "calibrations",
		Short: "Manage calibration files on this unit",
	}
	cmd.AddCommand(
		newCalibrationsListCmd(),
		newCalibrationsRunCmd(),
		newCalibrationsDisplayCmd(),
		newCalibrationsSetCurrentCmd(),
		newCalibrationsDeleteCmd(),
	)
	return cmd
}

func openCalStore(cfg config.Config) (*calibration.Store, domain.KV, error) {
	store, err := kv.Open(filepath.Join(cfg.StorageDir(), "kv.sqlite"))
	if err != nil {
		return nil, nil, err
	}
	return calibration.NewStore(cfg.CalibrationRoot(), store), store, nil
}

func newCalibrationsListCmd() *cobra.Command {
	var device string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List calibrations, marking the active one",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			cals, store, err := openCalStore(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			devices := calibration.Devices
			if device != "" {
				devices = []string{device}
			}
			out := cmd.OutOrStdout()
			for _, dev := range devices {
				names, err := cals.List(dev)
				if err != nil {
					return err
				}
				if len(names) == 0 {
					continue
				}
				active, _ := cals.ActiveName(dev)
				color.New(color.Bold).Fprintln(out, dev)
				for _, name := range names {
					marker := " "
					if name == active {
						marker = "*"
					}
					fmt.Fprintf(out, "  %s %s\n", marker, name)
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&device, "device", "", "only this device class")
	return cmd
}

func newCalibrationsRunCmd() *cobra.Command {
	var (
		protocol string
		device   string
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run an interactive calibration session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if protocol == "" || device == "" {
				return fmt.Errorf("--protocol and --device are required: %w", domain.ErrInvalidArgument)
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			var b domain.Bus
			if cfg.IsTest() {
				b = bus.NewBroker().Connect()
			} else {
				client, err := bus.NewMQTTClient(cfg.BrokerURL, "pio-calibrate-"+cfg.UnitName)
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
			cals, store, err := openCalStore(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			runtime := app.NewRuntime(cfg, b, registry, store, cals, nil)
			engine := calibration.NewEngine(store, cals, cfg.UnitName)
			_, err = calibration.RunSessionInCLI(cmd.Context(), engine, protocol, device,
				runtime.Executor(), cmd.InOrStdin(), cmd.OutOrStdout())
			return err
		},
	}
	cmd.Flags().StringVar(&protocol, "protocol", "", "protocol name")
	cmd.Flags().StringVar(&device, "device", "", "device class to calibrate")
	return cmd
}

func newCalibrationsDisplayCmd() *cobra.Command {
	var (
		device string
		name   string
	)
	cmd := &cobra.Command{
		Use:   "display",
		Short: "Show one calibration with its fitted curve",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if device == "" {
				return fmt.Errorf("--device is required: %w", domain.ErrInvalidArgument)
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			cals, store, err := openCalStore(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			var cal *calibration.Calibration
			if name != "" {
				cal, err = cals.Load(device, name)
			} else {
				cal, err = cals.LoadActive(device)
			}
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			color.New(color.Bold).Fprintf(out, "%s/%s\n", cal.Device, cal.Name)
			fmt.Fprintf(out, "calibrated on %s at %s\n", cal.CalibratedOn, cal.CreatedAt.Format("2006-01-02 15:04"))
			fmt.Fprintf(out, "curve: %s %v\n", cal.CurveData.Type, cal.CurveData.Coefficients)
			calibration.PrintCurveChart(out, cal)
			return nil
		},
	}
	cmd.Flags().StringVar(&device, "device", "", "device class")
	cmd.Flags().StringVar(&name, "name", "", "calibration name (default: the active one)")
	return cmd
}

func newCalibrationsSetCurrentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "set-current <device> <name>",
		Short: "Mark a calibration as the active one for its device",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			cals, store, err := openCalStore(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()
			if err := cals.SetActive(args[0], args[1]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s is now active for %s\n", args[1], args[0])
			return nil
		},
	}
	return cmd
}

func newCalibrationsDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <device> <name>",
		Short: "Delete a calibration file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			cals, store, err := openCalStore(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()
			if err := cals.Delete(args[0], args[1]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s/%s\n", args[0], args[1])
			return nil
		},
	}
	return cmd
}
