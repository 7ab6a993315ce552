package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/smazurov/llmpool/internal/client"
	"github.com/smazurov/llmpool/internal/logging"
	"github.com/smazurov/llmpool/internal/systemd"
	"github.com/spf13/cobra"
)

// CreateStopCmd creates the stop command.
func CreateStopCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop a running pool server",
		Long: `Stops the pool server wherever it runs. A server managed by systemd is ` +
			`stopped through its unit so the unit does not bring it right back; ` +
			`otherwise the server is asked to shut down over its socket.`,
		Args: cobra.NoArgs,
		Run: func(_ *cobra.Command, _ []string) {
			initCLILogging(false)
			os.Exit(runStop())
		},
	}

	return cmd
}

func runStop() int {
	logger := logging.GetLogger("cli")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if mgr, err := systemd.NewManager(ctx); err == nil {
		defer mgr.Close()
		if mgr.IsActive(ctx, systemd.UnitName) {
			stopErr := mgr.StopService(ctx, systemd.UnitName)
			if stopErr == nil {
				fmt.Println("Stopped " + systemd.UnitName)
				return 0
			}
			logger.Warn("Stopping the unit failed, asking the server directly", "error", stopErr)
		}
	}

	poolClient := client.New(nil)
	if err := poolClient.Attach(); err != nil {
		fmt.Println("No pool server is running")
		return 0
	}

	// The server can drop the connection while tearing down; that still
	// counts as stopped.
	if err := poolClient.Shutdown(); err != nil && !errors.Is(err, client.ErrConnectionLost) {
		logger.Error("Shutdown failed", "error", err)
		return 1
	}

	fmt.Println("Pool server stopped")
	return 0
}
