package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Probe each backend's liveness",
	RunE: func(cmd *cobra.Command, args []string) error {
		providers, err := buildProviders(cfg)
		if err != nil {
			return err
		}

		for _, p := range providers.All() {
			status := "down"
			if p.IsRunning(cmd.Context()) {
				status = "up"
			}
			fmt.Printf("%-26s %s\n", p.DisplayName(), status)
		}
		return nil
	},
}
