// Package cmd holds the cobra subcommands added to the humacli root.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/smazurov/llmpool/internal/client"
	"github.com/smazurov/llmpool/internal/config"
	"github.com/smazurov/llmpool/internal/logging"
	"github.com/smazurov/llmpool/internal/server"
)

// initCLILogging sets up quiet logging for one-shot commands. Results
// go to stdout, so routine logs stay out of the way.
func initCLILogging(logJSON bool) {
	cfg := logging.Config{Level: "warn", Format: "text"}
	if logJSON {
		cfg.Format = "json"
	}
	logging.Initialize(cfg)
}

// readPrompt takes the prompt from the argument, or from stdin when no
// argument was given.
func readPrompt(args []string) (string, error) {
	if len(args) > 0 {
		if strings.TrimSpace(args[0]) == "" {
			return "", errors.New("empty prompt")
		}
		return args[0], nil
	}

	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		return "", fmt.Errorf("reading prompt from stdin: %w", err)
	}
	prompt := strings.TrimSpace(string(data))
	if prompt == "" {
		return "", errors.New("empty prompt")
	}
	return prompt, nil
}

// activatePool attaches to a running pool server, or leads one when
// none is running. Leading needs the backend launch settings from the
// config file; attaching does not.
func activatePool(ctx context.Context, configFile string, logger *slog.Logger) (*client.Client, error) {
	backendCfg, cfgErr := config.LoadBackendConfig(configFile)

	poolClient := client.New(&client.Options{
		Server: server.Options{
			Backend: backendCfg,
			Logger:  logger,
		},
		Logger: logger,
	})

	if err := poolClient.Attach(); err == nil {
		return poolClient, nil
	}
	if cfgErr != nil {
		return nil, fmt.Errorf("no pool server running and no backend config to lead one: %w", cfgErr)
	}
	if err := poolClient.Activate(ctx); err != nil {
		return nil, err
	}
	return poolClient, nil
}
