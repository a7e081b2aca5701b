package cmd

import (
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// cleanupCmd represents the cleanup command
var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Deletes ephemeral VMs left behind by crashed sessions",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		comps, err := getComponents()
		if err != nil {
			log.Fatal(err)
		}

		ctx, cancel := signalContext()
		defer cancel()

		deleted, err := comps.Sessions.CleanupOrphans(ctx)
		if err != nil {
			log.Fatal(err)
		}
		log.WithField("deleted", deleted).Info("orphan cleanup finished")
	},
}

func init() {
	rootCmd.AddCommand(cleanupCmd)
}
