package cmd

import (
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// pushCmd represents the push command
var pushCmd = &cobra.Command{
	Use:   "push <image>",
	Short: "Pushes a local build image to the registry",
	Long: `Push uploads a local image under its primary tag and the floating latest
tag for its OS release. The image name must decode into a version tuple.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		comps, err := getComponents()
		if err != nil {
			log.Fatal(err)
		}

		tuple, ok := comps.Naming.Decode(args[0])
		if !ok {
			log.Fatalf("%s is not a managed image name", args[0])
		}

		ctx, cancel := signalContext()
		defer cancel()

		if err := comps.Remote.Push(ctx, args[0], tuple); err != nil {
			log.Fatal(err)
		}
	},
}

func init() {
	rootCmd.AddCommand(pushCmd)
}
