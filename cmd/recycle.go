package cmd

import (
	"fmt"
	"os"

	"github.com/smazurov/llmpool/internal/client"
	"github.com/smazurov/llmpool/internal/logging"
	"github.com/spf13/cobra"
)

// CreateRecycleCmd creates the recycle command.
func CreateRecycleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "recycle [pool]",
		Short: "Recycle sessions on a running pool server",
		Long: `Forces every slot in the named pool (completion or command) to tear down ` +
			`its session and start fresh. Without an argument both pools recycle.`,
		Args: cobra.MaximumNArgs(1),
		Run: func(_ *cobra.Command, args []string) {
			initCLILogging(false)
			os.Exit(runRecycle(args))
		},
	}

	return cmd
}

func runRecycle(args []string) int {
	logger := logging.GetLogger("cli")

	poolName := ""
	if len(args) == 1 {
		poolName = args[0]
	}

	poolClient := client.New(nil)
	if err := poolClient.Attach(); err != nil {
		logger.Error("No pool server is running", "error", err)
		return 1
	}
	defer poolClient.Dispose()

	if err := poolClient.Recycle(poolName); err != nil {
		logger.Error("Recycle failed", "error", err)
		return 1
	}

	if poolName == "" {
		fmt.Println("Recycled all pools")
	} else {
		fmt.Printf("Recycled %s pool\n", poolName)
	}
	return 0
}
