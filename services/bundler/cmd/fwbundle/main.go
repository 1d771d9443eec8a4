package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"fwdist/services/bundler"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand(os.Stdout).ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand(stdout io.Writer) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "fwbundle",
		Short:         "Move firmware trees between storage servers as signed bundles",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(newExportCommand(stdout))
	cmd.AddCommand(newImportCommand(stdout))
	return cmd
}

func newExportCommand(stdout io.Writer) *cobra.Command {
	var (
		root   string
		output string
	)

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Create a signed bundle from a firmware directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			signer, err := bundler.SignerFromEnv()
			if err != nil {
				return err
			}
			_, err = bundler.Export(cmd.Context(), bundler.ExportConfig{
				Root:   root,
				Output: output,
				Signer: signer,
				Stdout: stdout,
			})
			return err
		},
	}

	cmd.Flags().StringVar(&root, "root", "", "Firmware base directory to export")
	cmd.Flags().StringVar(&output, "output", "", "Destination bundle file (tar.zst)")
	_ = cmd.MarkFlagRequired("root")
	_ = cmd.MarkFlagRequired("output")
	return cmd
}

func newImportCommand(stdout io.Writer) *cobra.Command {
	var (
		bundleFile string
		baseURL    string
		dryRun     bool
		timeout    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "import",
		Short: "Verify a signed bundle and upload it to a storage server",
		RunE: func(cmd *cobra.Command, args []string) error {
			verifier, err := bundler.VerifierFromEnv()
			if err != nil {
				return err
			}
			_, err = bundler.Import(cmd.Context(), bundler.ImportConfig{
				BundlePath: bundleFile,
				BaseURL:    baseURL,
				HTTPClient: &http.Client{Timeout: timeout},
				Verifier:   verifier,
				DryRun:     dryRun,
				Stdout:     stdout,
			})
			return err
		},
	}

	cmd.Flags().StringVar(&bundleFile, "file", "", "Path to the bundle tar.zst")
	cmd.Flags().StringVarP(&baseURL, "base-url", "u", "", "Base URL of the target storage server")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Verify the bundle without uploading")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "Per-request timeout")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}
