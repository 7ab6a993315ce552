package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/smazurov/llmpool/internal/logging"
	"github.com/spf13/cobra"
)

// CreateCompleteCmd creates the complete command.
func CreateCompleteCmd() *cobra.Command {
	var configFile string
	var timeout time.Duration
	var logJSON bool

	cmd := &cobra.Command{
		Use:   "complete [prompt]",
		Short: "Request one completion from the session pool",
		Long: `Sends a prompt to the completion pool and prints the result to stdout. ` +
			`The prompt comes from the argument or from stdin. Attaches to a running ` +
			`pool server when one exists, otherwise leads one for the duration of the call.`,
		Args: cobra.MaximumNArgs(1),
		Run: func(_ *cobra.Command, args []string) {
			initCLILogging(logJSON)
			os.Exit(runComplete(configFile, timeout, args))
		},
	}

	cmd.Flags().StringVar(&configFile, "config", "llmpool.toml", "Path to configuration file")
	cmd.Flags().DurationVar(&timeout, "timeout", 60*time.Second, "Overall completion deadline")
	cmd.Flags().BoolVar(&logJSON, "log-json", false, "Use JSON log format")

	return cmd
}

func runComplete(configFile string, timeout time.Duration, args []string) int {
	logger := logging.GetLogger("cli")

	prompt, err := readPrompt(args)
	if err != nil {
		logger.Error("No prompt to complete", "error", err)
		return 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	poolClient, err := activatePool(ctx, configFile, logger)
	if err != nil {
		logger.Error("Failed to reach the session pools", "error", err)
		return 1
	}
	defer poolClient.Dispose()

	result, err := poolClient.GetCompletion(ctx, prompt)
	if err != nil {
		logger.Error("Completion failed", "error", err)
		return 1
	}
	if result == nil {
		logger.Warn("No completion available")
		return 1
	}

	fmt.Println(result.Text)
	return 0
}
