package cmd

import (
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/oven-sh/macvm/pkg/macvm"
	"github.com/oven-sh/macvm/pkg/macvm/cache"
	"github.com/oven-sh/macvm/pkg/macvm/cache/local"
	"github.com/oven-sh/macvm/pkg/macvm/cache/remote"
)

// cacheCmd represents the cache command
var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Interacts with the build-artifact cache",
}

// cacheLookupCmd represents the cache lookup command
var cacheLookupCmd = &cobra.Command{
	Use:   "lookup <cpp|zig>",
	Short: "Restores cached artifacts for the current sources",
	Long: `Lookup computes the cache key for the given build type from the current
workspace and restores the cached artifacts into the output directory. A hit
prints the restored paths and exits 0, signalling the caller to skip the
compile step. A miss exits 1.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ac, err := getArtifactCache()
		if err != nil {
			log.Fatal(err)
		}

		key, err := ac.Key(cache.BuildType(args[0]))
		if err != nil {
			log.Fatal(err)
		}

		ctx, cancel := signalContext()
		defer cancel()

		outputDir, _ := cmd.Flags().GetString("output-dir")
		artifacts, hit, err := ac.Lookup(ctx, key, outputDir)
		if err != nil {
			log.Fatal(err)
		}
		if !hit {
			log.WithField("key", key.String()).Info("artifact cache miss")
			os.Exit(1)
		}
		for _, artifact := range artifacts {
			fmt.Println(artifact)
		}
	},
}

// cacheStoreCmd represents the cache store command
var cacheStoreCmd = &cobra.Command{
	Use:   "store <cpp|zig> <artifact> [artifact...]",
	Short: "Records compiled artifacts for the current sources",
	Args:  cobra.MinimumNArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		ac, err := getArtifactCache()
		if err != nil {
			log.Fatal(err)
		}

		key, err := ac.Key(cache.BuildType(args[0]))
		if err != nil {
			log.Fatal(err)
		}

		ctx, cancel := signalContext()
		defer cancel()

		if err := ac.Store(ctx, key, args[1:]); err != nil {
			log.Fatal(err)
		}
	},
}

func getArtifactCache() (*macvm.BuildArtifactCache, error) {
	cfg, err := getConfig()
	if err != nil {
		return nil, err
	}

	localCache, err := local.NewFilesystemCache(cfg.CacheRoot)
	if err != nil {
		return nil, err
	}

	var remoteCache cache.RemoteCache = cache.NoRemoteCache{}
	if cfg.ArtifactBucket != "" {
		ctx, cancel := signalContext()
		defer cancel()
		s3Cache, err := remote.NewS3Cache(ctx, cfg.ArtifactBucket)
		if err != nil {
			log.WithError(err).Warn("cannot set up remote artifact cache, continuing with the local tier only")
		} else {
			remoteCache = s3Cache
		}
	}

	gitInfo, err := macvm.GetGitInfo(cfg.WorkspaceRoot)
	if err != nil {
		log.WithError(err).Warn("cannot determine git state of the workspace")
	}

	return &macvm.BuildArtifactCache{
		Local:  localCache,
		Remote: remoteCache,
		Config: cfg,
		Git:    gitInfo,
	}, nil
}

func init() {
	rootCmd.AddCommand(cacheCmd)
	cacheCmd.AddCommand(cacheLookupCmd)
	cacheCmd.AddCommand(cacheStoreCmd)

	cacheLookupCmd.Flags().String("output-dir", "build", "directory to restore artifacts into")
}
