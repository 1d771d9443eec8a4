package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"fwdist/services/uploader"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand(os.Stdout).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand(stdout io.Writer) *cobra.Command {
	var (
		cfg     uploader.Config
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:           "fwupload [flags] firmware",
		Short:         "Upload firmware to HTTP storage",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg.Firmware = args[0]
			cfg.VersionSet = cmd.Flags().Changed("firmware_version")
			cfg.VersionFileSet = cmd.Flags().Changed("firmware_version_file")
			cfg.Timeout = timeout

			res, err := uploader.Run(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			fmt.Fprintln(stdout, res.String())
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&cfg.BaseURL, "base_url", "u", "", "URL on where to upload the firmware.bin and the firmware_version.txt")
	flags.StringVarP(&cfg.Version, "firmware_version", "f", "", "The firmware version for the binary")
	flags.StringVarP(&cfg.VersionFile, "firmware_version_file", "F", "", "The file containing the firmware version for the binary")
	flags.BoolVar(&cfg.CheckStatus, "check-status", false, "Fail when the server answers with a non-2xx status")
	flags.DurationVar(&timeout, "timeout", 0, "Per-request timeout (0 disables)")
	_ = cmd.MarkFlagRequired("base_url")
	return cmd
}
