package cmd

import (
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// validateCmd represents the validate command
var validateCmd = &cobra.Command{
	Use:   "validate <image>",
	Short: "Boots an image and verifies the build toolchain is complete",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		comps, err := getComponents()
		if err != nil {
			log.Fatal(err)
		}

		ctx, cancel := signalContext()
		defer cancel()

		res, err := comps.Validator.Validate(ctx, args[0])
		if err != nil {
			log.Fatal(err)
		}
		if !res.Passed {
			log.Fatalf("image %s is missing tools %v - delete it and rebuild with 'macvm prepare --force-refresh'", args[0], res.MissingTools)
		}
	},
}

func init() {
	rootCmd.AddCommand(validateCmd)
}
