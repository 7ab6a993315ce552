package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/smazurov/llmpool/internal/logging"
	"github.com/smazurov/llmpool/internal/updater"
	"github.com/spf13/cobra"
)

// CreateUpgradeCmd creates the upgrade command.
func CreateUpgradeCmd() *cobra.Command {
	var checkOnly bool
	var prerelease bool

	cmd := &cobra.Command{
		Use:   "upgrade",
		Short: "Update llmpool to the latest release",
		Long: `Checks GitHub for a newer release and replaces the current binary in ` +
			`place, keeping a backup for rollback. A pool server running under systemd ` +
			`is restarted onto the new binary.`,
		Args: cobra.NoArgs,
		Run: func(_ *cobra.Command, _ []string) {
			initCLILogging(false)
			os.Exit(runUpgrade(checkOnly, prerelease))
		},
	}

	cmd.Flags().BoolVar(&checkOnly, "check", false, "Only check for a newer release")
	cmd.Flags().BoolVar(&prerelease, "prerelease", false, "Include prereleases")

	return cmd
}

func runUpgrade(checkOnly, prerelease bool) int {
	logger := logging.GetLogger("cli")

	svc, err := updater.NewService(&updater.Options{
		Repository: updater.DefaultRepository,
		Prerelease: prerelease,
	})
	if err != nil {
		logger.Error("Update service unavailable", "error", err)
		return 1
	}
	if !svc.IsEnabled() {
		logger.Error("Updates disabled", "reason", svc.DisabledReason())
		return 1
	}

	ctx := context.Background()

	info, err := svc.CheckForUpdate(ctx)
	if err != nil {
		logger.Error("Update check failed", "error", err)
		return 1
	}
	if !info.UpdateAvailable {
		fmt.Printf("llmpool %s is up to date\n", info.CurrentVersion)
		return 0
	}

	fmt.Printf("Update available: %s -> %s\n", info.CurrentVersion, info.LatestVersion)
	if checkOnly {
		return 0
	}

	// Without a supervisor the post-apply restart trigger falls back to
	// SIGTERM; for a one-shot command that signal has nothing to do.
	signal.Ignore(syscall.SIGTERM)

	if err := svc.ApplyUpdate(ctx); err != nil {
		logger.Error("Update failed", "error", err)
		return 1
	}

	fmt.Printf("Updated to %s\n", info.LatestVersion)

	// The restart trigger fires shortly after the apply and restarts a
	// server managed by systemd; stay alive long enough for that.
	time.Sleep(2 * time.Second)
	return 0
}
