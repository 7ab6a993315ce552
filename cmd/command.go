package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/smazurov/llmpool/internal/logging"
	"github.com/spf13/cobra"
)

// CreateCommandCmd creates the command command.
func CreateCommandCmd() *cobra.Command {
	var configFile string
	var timeout time.Duration
	var logJSON bool

	cmd := &cobra.Command{
		Use:   "command [prompt]",
		Short: "Run one prompt on the command pool",
		Long: `Sends a prompt to the command pool and prints the reply to stdout. The ` +
			`command pool serves one caller at a time with a bounded wait for the reply, ` +
			`keeping long-running prompts away from the completion slots.`,
		Args: cobra.MaximumNArgs(1),
		Run: func(_ *cobra.Command, args []string) {
			initCLILogging(logJSON)
			os.Exit(runCommand(configFile, timeout, args))
		},
	}

	cmd.Flags().StringVar(&configFile, "config", "llmpool.toml", "Path to configuration file")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Reply timeout, 0 uses the server default")
	cmd.Flags().BoolVar(&logJSON, "log-json", false, "Use JSON log format")

	return cmd
}

func runCommand(configFile string, timeout time.Duration, args []string) int {
	logger := logging.GetLogger("cli")

	prompt, err := readPrompt(args)
	if err != nil {
		logger.Error("No prompt to run", "error", err)
		return 1
	}

	ctx := context.Background()

	poolClient, err := activatePool(ctx, configFile, logger)
	if err != nil {
		logger.Error("Failed to reach the session pools", "error", err)
		return 1
	}
	defer poolClient.Dispose()

	result, err := poolClient.SendCommand(ctx, prompt, timeout)
	if err != nil {
		logger.Error("Command failed", "error", err)
		return 1
	}
	if result == nil {
		logger.Warn("No reply from the command pool")
		return 1
	}

	fmt.Println(result.Text)
	return 0
}
