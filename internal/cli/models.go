package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "List models the local backends can serve",
	RunE: func(cmd *cobra.Command, args []string) error {
		providers, err := buildProviders(cfg)
		if err != nil {
			return err
		}

		records := providers.DiscoverAll(cmd.Context())
		if len(records) == 0 {
			fmt.Println("No servable models found. Are the backends running?")
			return nil
		}

		for _, rec := range records {
			line := fmt.Sprintf("%-8s %-10s %s", rec.Capability, rec.Provider, rec.Name)
			if rec.SizeBytes > 0 {
				line += fmt.Sprintf("  (%.1f GB)", float64(rec.SizeBytes)/(1<<30))
			}
			fmt.Println(line)
		}
		return nil
	},
}
