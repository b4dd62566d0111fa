// Package cli provides the command-line interface for imageio-upload.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/virt-tools/imageio-upload/internal/config"
	"github.com/virt-tools/imageio-upload/internal/logging"
	"github.com/virt-tools/imageio-upload/internal/version"
)

var (
	// Global flags
	paramsFile string
	verbose    bool

	// Global logger
	logger *logging.Logger
)

// NewRootCmd creates the root command.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "imageio-upload",
		Short: "Upload disk images to oVirt/RHV via ovirt-imageio",
		Long: `imageio-upload streams disk images into an oVirt/RHV storage domain
through the ovirt-imageio data plane. It creates the disk, drives the
image transfer state machine, uploads the data, and finalizes the
transfer. On failure the partially created disk is removed.`,
		Version:      version.String(),
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logging.SetVerbose(verbose)
			logger = logging.NewLogger()
		},
	}

	rootCmd.PersistentFlags().StringVar(&paramsFile, "params", "", "path to the JSON parameter file (required)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	_ = rootCmd.MarkPersistentFlagRequired("params")

	rootCmd.AddCommand(newUploadCmd())
	rootCmd.AddCommand(newPrecheckCmd())
	rootCmd.AddCommand(newDeleteDisksCmd())

	return rootCmd
}

// Execute runs the CLI with signal-aware cancellation.
func Execute() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := NewRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// loadParams loads and validates the parameter file. When no password
// file is configured and stdin is a terminal, the password is prompted
// for instead.
func loadParams() (*config.Params, error) {
	params, err := config.Load(paramsFile)
	if err != nil {
		return nil, err
	}

	// Either the flag or the params file can turn debug logging on.
	if params.Verbose {
		logging.SetVerbose(true)
	}

	if params.OutputPasswordPath == "" && term.IsTerminal(int(os.Stdin.Fd())) {
		fmt.Fprintf(os.Stderr, "Password for %s: ", params.Username())
		pw, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return nil, fmt.Errorf("failed to read password: %w", err)
		}
		params.SetPassword(string(pw))
	}

	return params, nil
}
