package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/smazurov/llmpool/internal/client"
	"github.com/smazurov/llmpool/internal/logging"
	"github.com/spf13/cobra"
)

// CreateStatusCmd creates the status command.
func CreateStatusCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the state of a running pool server",
		Long: `Queries the pool server over its socket and prints per-slot states, ` +
			`reuse counts and degradation flags. Fails when no server is running.`,
		Args: cobra.NoArgs,
		Run: func(_ *cobra.Command, _ []string) {
			initCLILogging(false)
			os.Exit(runStatus(asJSON))
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print status as JSON")

	return cmd
}

func runStatus(asJSON bool) int {
	logger := logging.GetLogger("cli")

	poolClient := client.New(nil)
	if err := poolClient.Attach(); err != nil {
		logger.Error("No pool server is running", "error", err)
		return 1
	}
	defer poolClient.Dispose()

	st, err := poolClient.Status()
	if err != nil {
		logger.Error("Failed to query status", "error", err)
		return 1
	}

	if asJSON {
		out, marshalErr := json.MarshalIndent(st, "", "  ")
		if marshalErr != nil {
			logger.Error("Failed to encode status", "error", marshalErr)
			return 1
		}
		fmt.Println(string(out))
		return 0
	}

	fmt.Printf("Pool server pid %d, version %s\n", st.PID, st.Version)
	for _, p := range st.Pools {
		health := "serving"
		if p.Degraded {
			health = "degraded"
		}
		fmt.Printf("%s (%s)\n", p.Name, health)
		for _, slot := range p.Slots {
			fmt.Printf("  slot %d: %-12s reuses=%d generation=%d\n",
				slot.Slot, slot.State, slot.ReuseCount, slot.Generation)
		}
	}
	return 0
}
