package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/pelangilabs/concierge/internal/bootstrap"
)

func initCmd() *cobra.Command {
	var kbDir, dataDir string

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Seed a starter config and sample knowledge-base files",
		Long:  "Creates config.json5, the knowledge-base directory, and the data directory for a new deployment. Existing files are left untouched.",
		Run: func(cmd *cobra.Command, args []string) {
			created, err := bootstrap.EnsureWorkspace(resolveConfigPath(), kbDir, dataDir)
			if err != nil {
				fmt.Fprintf(os.Stderr, "init: %v\n", err)
				os.Exit(1)
			}
			if len(created) == 0 {
				fmt.Println("Nothing to do: workspace already initialized.")
				return
			}
			for _, f := range created {
				fmt.Printf("created %s\n", f)
			}
			fmt.Println("\nNext: set CONCIERGE_OPENAI_API_KEY and CONCIERGE_BRIDGE_TOKEN, then run `concierge serve`.")
		},
	}

	cmd.Flags().StringVar(&kbDir, "kb-dir", "./kb", "knowledge-base directory to seed")
	cmd.Flags().StringVar(&dataDir, "data-dir", "./data", "data directory to create")
	return cmd
}
