package macvm

import (
	"fmt"
	"regexp"
)

// ImageNaming is the bidirectional codec between version tuples and the string
// identifiers used by the local VM store and the remote registry. Image
// identity lives entirely in these names; everything else in the codebase
// works on VersionTuple and ImageRecord.
type ImageNaming struct {
	Prefix   string
	Registry RegistryConfig
}

// NewImageNaming derives the naming scheme from the configuration.
func NewImageNaming(cfg *Config) *ImageNaming {
	return &ImageNaming{Prefix: cfg.ImagePrefix, Registry: cfg.Registry}
}

// Encode renders the local VM store name for a tuple, e.g.
// "bun-build-macos-14-1.2.16-bootstrap-4.1" or, arch-qualified,
// "bun-build-macos-14-arm64-1.2.16-bootstrap-4.1".
func (n *ImageNaming) Encode(t VersionTuple) string {
	if t.Arch != "" {
		return fmt.Sprintf("%s-%s-%s-%s-bootstrap-%s", n.Prefix, t.OS, t.Arch, t.ProjectVersion, t.BootstrapVersion)
	}
	return fmt.Sprintf("%s-%s-%s-bootstrap-%s", n.Prefix, t.OS, t.ProjectVersion, t.BootstrapVersion)
}

// Decode parses a VM store name back into a tuple. ok is false for anything
// that does not match the scheme - unrelated VMs, base images, ephemeral
// clones. Callers skip such records; a foreign name is never an error.
func (n *ImageNaming) Decode(name string) (t VersionTuple, ok bool) {
	m := n.pattern().FindStringSubmatch(name)
	if m == nil {
		return VersionTuple{}, false
	}
	return VersionTuple{
		OS:               m[1],
		Arch:             m[2],
		ProjectVersion:   m[3],
		BootstrapVersion: m[4],
	}, true
}

func (n *ImageNaming) pattern() *regexp.Regexp {
	return regexp.MustCompile(fmt.Sprintf(
		`^%s-(macos-\d+)(?:-(arm64|x64))?-(\d+\.\d+\.\d+)-bootstrap-(\d+\.\d+)$`,
		regexp.QuoteMeta(n.Prefix),
	))
}

// RegistryRef renders the fully qualified OCI reference for a tuple:
// <host>/<org>/<repo>/<prefix>-<os>:<version>-bootstrap-<bootstrapVersion>.
func (n *ImageNaming) RegistryRef(t VersionTuple) string {
	return fmt.Sprintf("%s:%s-bootstrap-%s", n.registryRepository(t.OS), t.ProjectVersion, t.BootstrapVersion)
}

// RegistryLatestRef renders the floating latest tag for an OS release.
func (n *ImageNaming) RegistryLatestRef(osRelease string) string {
	return n.registryRepository(osRelease) + ":latest"
}

func (n *ImageNaming) registryRepository(osRelease string) string {
	return fmt.Sprintf("%s/%s/%s/%s-%s", n.Registry.Host, n.Registry.Org, n.Registry.Repo, n.Prefix, osRelease)
}
