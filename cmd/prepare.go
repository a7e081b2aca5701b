package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/oven-sh/macvm/pkg/macvm"
)

// prepareCmd represents the prepare command
var prepareCmd = &cobra.Command{
	Use:   "prepare",
	Short: "Produces a ready-to-use build VM image for the current workspace",
	Long: `Prepare resolves the target version tuple from the workspace, decides the
cheapest safe source of a matching build image and executes that decision.
On success the name of the ready local image is printed on stdout.`,
	Args: cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		comps, err := getComponents()
		if err != nil {
			log.Fatal(err)
		}

		release, _ := cmd.Flags().GetString("release")
		arch, _ := cmd.Flags().GetString("arch")
		flags := macvm.Flags{}
		flags.ForceRefresh, _ = cmd.Flags().GetBool("force-refresh")
		flags.ForceRemoteRefresh, _ = cmd.Flags().GetBool("force-remote-refresh")
		flags.LocalDevOnly, _ = cmd.Flags().GetBool("local-dev")
		noPush, _ := cmd.Flags().GetBool("no-push")
		forceRebuildAll, _ := cmd.Flags().GetBool("force-rebuild-all")

		if forceRebuildAll {
			dir := filepath.Join(comps.Config.CacheRoot, "build-results")
			log.WithField("dir", dir).Warn("discarding the build-artifact cache")
			if err := os.RemoveAll(dir); err != nil {
				log.Fatal(err)
			}
			flags.ForceRefresh = true
		}

		target := getVersionResolver(comps.Config).Resolve(release, arch)
		log.WithFields(log.Fields{
			"os":        target.OS,
			"arch":      target.Arch,
			"version":   target.ProjectVersion,
			"bootstrap": target.BootstrapVersion,
		}).Info("resolved target version tuple")

		ctx, cancel := signalContext()
		defer cancel()

		decision, err := comps.Engine.Decide(ctx, target, flags)
		if err != nil {
			log.Fatal(err)
		}
		log.WithField("decision", decision.Kind).Info("cache decision made")

		var image string
		switch decision.Kind {
		case macvm.UseLocalExact:
			image = decision.Image
		case macvm.UseRemote:
			image, err = comps.Remote.Pull(ctx, target, flags.ForceRemoteRefresh)
			if err != nil {
				log.Fatalf("%v - retry with --local-dev to build without the registry", err)
			}
		default:
			builder := &macvm.Builder{
				Store:     macvm.TartSessionStore{Client: comps.Store},
				Sessions:  comps.Sessions,
				Validator: comps.Validator,
				Remote:    comps.Remote,
				Naming:    comps.Naming,
				Config:    comps.Config,
				NoPush:    noPush || flags.LocalDevOnly,
			}
			image, err = builder.Build(ctx, decision, target)
			if err != nil {
				log.Fatal(err)
			}
		}

		fmt.Println(image)
	},
}

func init() {
	rootCmd.AddCommand(prepareCmd)

	prepareCmd.Flags().String("release", "macos-14", "target macOS release")
	prepareCmd.Flags().String("arch", "arm64", "target architecture (arm64 or x64)")
	prepareCmd.Flags().Bool("force-refresh", false, "ignore local images and fetch or rebuild")
	prepareCmd.Flags().Bool("force-remote-refresh", false, "re-pull remote images even when present locally")
	prepareCmd.Flags().Bool("local-dev", false, "never touch the registry (offline iteration)")
	prepareCmd.Flags().Bool("no-push", false, "do not push freshly built images to the registry")
	prepareCmd.Flags().Bool("force-rebuild-all", false, "additionally discard the build-artifact cache")
}
