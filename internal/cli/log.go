package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/pioreactor/pioreactor-go/internal/adapter/bus"
	"github.com/pioreactor/pioreactor-go/internal/domain"
)

var levelColors = map[string]*color.Color{
	"debug":   color.New(color.Faint),
	"info":    color.New(color.FgCyan),
	"notice":  color.New(color.FgGreen),
	"warning": color.New(color.FgYellow),
	"error":   color.New(color.FgRed),
}

func newLogCmd() *cobra.Command {
	var (
		unit       string
		experiment string
	)
	cmd := &cobra.Command{
		Use:   "log",
		Short: "Tail the cluster log stream from the bus",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if unit == "" {
				unit = "+"
			}
			if experiment == "" {
				experiment = "+"
			}

			var b domain.Bus
			if cfg.IsTest() {
				b = bus.NewBroker().Connect()
			} else {
				client, err := bus.NewMQTTClient(cfg.BrokerURL, "pio-log-"+cfg.UnitName)
				if err != nil {
					return err
				}
				b = client
			}
			defer b.Close()

			out := cmd.OutOrStdout()
			filter := domain.Topic(unit, experiment, "logs", "+")
			unsub, err := b.Subscribe(filter, domain.AtLeastOnce, func(m domain.Message) {
				var entry domain.LogEntry
				if err := json.Unmarshal(m.Payload, &entry); err != nil {
					return
				}
				parts := strings.Split(m.Topic, "/")
				level := entry.Level
				if level == "" && len(parts) > 0 {
					level = parts[len(parts)-1]
				}
				ts := entry.Timestamp
				if ts.IsZero() {
					ts = time.Now().UTC()
				}
				c, ok := levelColors[strings.ToLower(level)]
				if !ok {
					c = color.New()
				}
				c.Fprintf(out, "%s [%s] %-7s %s: %s\n",
					ts.Format("2006-01-02 15:04:05"), parts[1], strings.ToUpper(level), entry.Task, entry.Message)
			})
			if err != nil {
				return err
			}
			defer unsub()

			fmt.Fprintf(out, "tailing %s (ctrl-c to stop)\n", filter)
			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			select {
			case <-sigCh:
			case <-cmd.Context().Done():
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&unit, "unit", "", "only this unit's logs")
	cmd.Flags().StringVar(&experiment, "experiment", "", "only this experiment's logs")
	return cmd
}
