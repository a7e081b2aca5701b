package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gookit/color"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/oven-sh/macvm/pkg/macvm"
	"github.com/oven-sh/macvm/pkg/tart"
)

var (
	// version is set during the build using ldflags
	version string = "unknown"

	workspace string
	verbose   bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "macvm",
	Short: "VM image lifecycle manager for Bun's macOS CI",
	Long: color.Render(`<light_yellow>macvm keeps Bun's macOS build VMs cached and consistent.</> Build images are keyed by a version
tuple (OS release, architecture, Bun version, bootstrap script version). For every CI job macvm
decides the cheapest safe source of a ready image: a validated local image, a prebuilt image
from the registry, an incremental rebuild on top of a compatible base, or a full bootstrap.

<white>Configuration</>
macvm reads an optional macvm.yaml in the workspace root. The following environment variables
have an effect on macvm:
     <light_blue>MACVM_CACHE_DIR</>  Location of the local build-artifact cache.
  <light_blue>MACVM_CACHE_BUCKET</>  Enables the S3 tier of the artifact cache. Set to the bucket name.
     <light_blue>MACVM_REGISTRY_USERNAME / MACVM_REGISTRY_PASSWORD</>  Explicit registry credentials.
     <light_blue>GITHUB_ACTOR / GITHUB_TOKEN</>  CI-provided registry credentials, used when no explicit ones are set.
`),
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if verbose {
			log.SetLevel(log.DebugLevel)
		}
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", ".", "workspace root (the Bun checkout)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enables verbose logging")
}

// signalContext returns a context cancelled on SIGINT/SIGTERM, so a VM session
// interrupted by CI teardown still runs its cleanup path.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func getConfig() (*macvm.Config, error) {
	return macvm.LoadConfig(workspace)
}

// components is the object graph shared by all commands, wired once per
// invocation.
type components struct {
	Config    *macvm.Config
	Store     *tart.Client
	Naming    *macvm.ImageNaming
	Sessions  *macvm.Sessions
	Index     *macvm.LocalImageIndex
	Remote    *macvm.RemoteImageClient
	Validator *macvm.Validator
	Engine    *macvm.Engine
}

func getComponents() (*components, error) {
	cfg, err := getConfig()
	if err != nil {
		return nil, err
	}

	store := tart.NewClient(cfg.TartExecutable)
	naming := macvm.NewImageNaming(cfg)
	sessions := macvm.NewSessions(macvm.TartSessionStore{Client: store}, cfg)
	validator := &macvm.Validator{Sessions: sessions, Config: cfg}
	remote := &macvm.RemoteImageClient{Store: store, Naming: naming}
	index := &macvm.LocalImageIndex{Store: store, Naming: naming}

	return &components{
		Config:    cfg,
		Store:     store,
		Naming:    naming,
		Sessions:  sessions,
		Index:     index,
		Remote:    remote,
		Validator: validator,
		Engine: &macvm.Engine{
			Index:     index,
			Store:     store,
			Remote:    remote,
			Validator: validator,
		},
	}, nil
}

func getVersionResolver(cfg *macvm.Config) *macvm.VersionResolver {
	gitInfo, err := macvm.GetGitInfo(cfg.WorkspaceRoot)
	if err != nil {
		log.WithError(err).Warn("cannot determine git state of the workspace")
	}
	return &macvm.VersionResolver{Config: cfg, Git: gitInfo}
}
