package macvm

import (
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"
	"golang.org/x/xerrors"
	"gopkg.in/yaml.v3"
)

// Environment variables understood by LoadConfig. This is the only place in
// the codebase that reads the process environment.
const (
	// EnvvarCacheDir overrides the artifact cache location
	EnvvarCacheDir = "MACVM_CACHE_DIR"
	// EnvvarArtifactBucket enables the S3 tier of the artifact cache
	EnvvarArtifactBucket = "MACVM_CACHE_BUCKET"
	// EnvvarRegistryUsername and EnvvarRegistryPassword are explicit registry credentials
	EnvvarRegistryUsername = "MACVM_REGISTRY_USERNAME"
	EnvvarRegistryPassword = "MACVM_REGISTRY_PASSWORD"
	// EnvvarGithubActor and EnvvarGithubToken are the credentials CI provides
	EnvvarGithubActor = "GITHUB_ACTOR"
	EnvvarGithubToken = "GITHUB_TOKEN"
)

// RegistryConfig locates VM images in an OCI registry.
type RegistryConfig struct {
	Host string `yaml:"host"`
	Org  string `yaml:"org"`
	Repo string `yaml:"repo"`

	// Username/Password are resolved at load time: explicit env credentials
	// win over CI-provided ones. Empty means "try the Docker keychain, then
	// go unauthenticated".
	Username string `yaml:"-"`
	Password string `yaml:"-"`
}

// VMConfig holds guest resource allocation and shell access.
type VMConfig struct {
	CPUs     int    `yaml:"cpus"`
	MemoryMB int    `yaml:"memoryMB"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
}

// Config is assembled once at the entry point and passed to every component.
type Config struct {
	// WorkspaceRoot is the checkout that gets mounted into build VMs.
	WorkspaceRoot string `yaml:"workspaceRoot"`

	// CacheRoot is the base directory of the build-artifact cache.
	CacheRoot string `yaml:"cacheRoot"`

	// ArtifactBucket enables the remote (S3) artifact cache tier when set.
	ArtifactBucket string `yaml:"artifactBucket"`

	// BootstrapScript provisions a fresh VM and carries the
	// "# Version: <major>.<minor>" marker.
	BootstrapScript string `yaml:"bootstrapScript"`

	// ImagePrefix is the leading segment of every image name we manage.
	ImagePrefix string `yaml:"imagePrefix"`

	// BaseImages maps an OS release to the vanilla image a full bootstrap
	// starts from.
	BaseImages map[string]string `yaml:"baseImages"`

	// TartExecutable overrides the tart binary, mostly for tests.
	TartExecutable string `yaml:"tartExecutable"`

	// DiskPressureRatio is the local disk usage above which orphan cleanup
	// runs again before a session starts.
	DiskPressureRatio float64 `yaml:"diskPressureRatio"`

	Registry RegistryConfig `yaml:"registry"`
	VM       VMConfig       `yaml:"vm"`
}

// DefaultConfigFile is looked up relative to the workspace root.
const DefaultConfigFile = "macvm.yaml"

const defaultImagePrefix = "bun-build"

// ephemeralInfix marks VMs that must never outlive a session. Orphan cleanup
// deletes everything matching <prefix>-tmp-*.
const ephemeralInfix = "-tmp-"

// LoadConfig builds the configuration from defaults, an optional macvm.yaml in
// the workspace root, and the environment.
func LoadConfig(workspaceRoot string) (*Config, error) {
	if workspaceRoot == "" {
		workspaceRoot = "."
	}
	abs, err := filepath.Abs(workspaceRoot)
	if err != nil {
		return nil, xerrors.Errorf("cannot resolve workspace root: %w", err)
	}

	cfg := &Config{
		WorkspaceRoot:   abs,
		CacheRoot:       filepath.Join(abs, ".cache", "macvm"),
		BootstrapScript: filepath.Join(abs, "scripts", "bootstrap.sh"),
		ImagePrefix:     defaultImagePrefix,
		BaseImages: map[string]string{
			"macos-13": "ghcr.io/cirruslabs/macos-ventura-xcode:latest",
			"macos-14": "ghcr.io/cirruslabs/macos-sonoma-xcode:latest",
			"macos-15": "ghcr.io/cirruslabs/macos-sequoia-xcode:latest",
		},
		DiskPressureRatio: 0.9,
		Registry: RegistryConfig{
			Host: "ghcr.io",
			Org:  "oven-sh",
			Repo: "bun",
		},
		VM: VMConfig{
			CPUs:     8,
			MemoryMB: 16384,
			User:     "admin",
			Password: "admin",
		},
	}

	fn := filepath.Join(abs, DefaultConfigFile)
	if fc, err := os.ReadFile(fn); err == nil {
		if err := yaml.Unmarshal(fc, cfg); err != nil {
			return nil, xerrors.Errorf("cannot parse %s: %w", fn, err)
		}
		log.WithField("file", fn).Debug("loaded configuration file")
	} else if !os.IsNotExist(err) {
		return nil, xerrors.Errorf("cannot read %s: %w", fn, err)
	}

	if dir := os.Getenv(EnvvarCacheDir); dir != "" {
		cfg.CacheRoot = dir
	}
	if bucket := os.Getenv(EnvvarArtifactBucket); bucket != "" {
		cfg.ArtifactBucket = bucket
	}

	// explicit credentials win over what CI provides
	cfg.Registry.Username = os.Getenv(EnvvarRegistryUsername)
	cfg.Registry.Password = os.Getenv(EnvvarRegistryPassword)
	if cfg.Registry.Username == "" && cfg.Registry.Password == "" {
		cfg.Registry.Username = os.Getenv(EnvvarGithubActor)
		cfg.Registry.Password = os.Getenv(EnvvarGithubToken)
	}

	return cfg, nil
}

// EphemeralPrefix returns the name prefix of session-scoped VMs.
func (c *Config) EphemeralPrefix() string {
	return c.ImagePrefix + ephemeralInfix
}

// BaseImage returns the vanilla image for an OS release.
func (c *Config) BaseImage(osRelease string) (string, error) {
	img, ok := c.BaseImages[osRelease]
	if !ok {
		return "", xerrors.Errorf("no base image configured for %s", osRelease)
	}
	return img, nil
}
