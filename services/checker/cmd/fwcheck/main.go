package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"fwdist/pkg/bus"
	"fwdist/services/checker"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	if err := newRootCommand(os.Stdout, log.Logger).ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type rootOptions struct {
	baseURL string
	timeout time.Duration
}

func newRootCommand(stdout io.Writer, logger zerolog.Logger) *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "fwcheck",
		Short:         "Check a firmware storage server for device updates",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&opts.baseURL, "base-url", "u", "", "Storage server base URL")
	cmd.PersistentFlags().DurationVar(&opts.timeout, "http-timeout", 0, "Overall HTTP client timeout (0 keeps the per-request default)")
	_ = cmd.MarkPersistentFlagRequired("base-url")

	cmd.AddCommand(newWatchCommand(opts, logger))
	cmd.AddCommand(newUpdateCommand(opts, stdout, logger))
	return cmd
}

func (o *rootOptions) client() *http.Client {
	if o.timeout <= 0 {
		return http.DefaultClient
	}
	return &http.Client{Timeout: o.timeout}
}

func newWatchCommand(root *rootOptions, logger zerolog.Logger) *cobra.Command {
	var (
		devicesFile string
		interval    time.Duration
		natsURL     string
	)

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Check devices round-robin until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			devices, err := checker.LoadDevices(devicesFile)
			if err != nil {
				return err
			}

			c, err := checker.New(checker.Options{
				BaseURL: root.baseURL,
				Devices: devices,
				Client:  root.client(),
				Logger:  logger,
				OnAvailable: func(d checker.Device, fw checker.Firmware) {
					logger.Info().Str("device", d.String()).Uint32("version", fw.Version).Str("md5", fw.MD5).Msg("firmware available")
				},
			})
			if err != nil {
				return err
			}

			if natsURL != "" {
				b, err := bus.New(natsURL)
				if err != nil {
					return fmt.Errorf("connect nats: %w", err)
				}
				defer b.Close()
				sub, err := b.Subscribe(ctx, bus.SubjectArtifactStored, "fwcheck", c.HandleEvent)
				if err != nil {
					return fmt.Errorf("subscribe %s: %w", bus.SubjectArtifactStored, err)
				}
				defer sub.Close()
				logger.Info().Str("subject", bus.SubjectArtifactStored).Msg("rechecking on upload events")
			}

			logger.Info().Int("devices", len(devices)).Dur("interval", interval).Msg("watching firmware")
			return c.Run(ctx, interval)
		},
	}

	cmd.Flags().StringVar(&devicesFile, "devices", "", "YAML file listing devices to check")
	cmd.Flags().DurationVar(&interval, "interval", checker.DefaultInterval, "How often to check the next device")
	cmd.Flags().StringVar(&natsURL, "nats-url", "", "Optional NATS URL; upload events trigger an immediate recheck")
	_ = cmd.MarkFlagRequired("devices")
	return cmd
}

func newUpdateCommand(root *rootOptions, stdout io.Writer, logger zerolog.Logger) *cobra.Command {
	var (
		device  checker.Device
		current uint32
	)

	cmd := &cobra.Command{
		Use:   "update",
		Short: "Report whether a newer firmware exists for one device",
		RunE: func(cmd *cobra.Command, args []string) error {
			if device.Type == "" {
				return errors.New("--type is required")
			}
			c, err := checker.New(checker.Options{
				BaseURL: root.baseURL,
				Devices: []checker.Device{device},
				Client:  root.client(),
				Logger:  logger,
			})
			if err != nil {
				return err
			}

			c.Check(cmd.Context(), device)
			update, ok := c.UpdateFor(device, current)
			if !ok {
				fmt.Fprintln(stdout, "up to date")
				return nil
			}
			fmt.Fprintf(stdout, "url=%s md5=%s version=%d\n", update.URL, update.MD5, update.Version)
			return nil
		},
	}

	cmd.Flags().StringVar(&device.Type, "type", "", "Device type")
	cmd.Flags().StringVar(&device.Hardware, "hardware", "", "Device hardware (optional)")
	cmd.Flags().Uint32Var(&current, "version", 0, "Firmware version currently running on the device")
	return cmd
}
