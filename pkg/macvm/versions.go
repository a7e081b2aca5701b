package macvm

import (
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
	"golang.org/x/mod/semver"
)

// VersionTuple keys every cache decision. Two images with the same tuple are
// interchangeable.
type VersionTuple struct {
	// OS is the target release, e.g. "macos-14".
	OS string
	// Arch is "arm64" or "x64". Empty for legacy un-qualified image names.
	Arch string
	// ProjectVersion is the Bun version in MAJOR.MINOR.PATCH form.
	ProjectVersion string
	// BootstrapVersion is the bootstrap script version in MAJOR.MINOR form.
	BootstrapVersion string
}

const (
	// fallbackProjectVersion is substituted when no source yields a parseable
	// version. A build keyed on it is never cache-compatible with a real
	// release, which is the safe direction to fail in.
	fallbackProjectVersion = "0.0.0"

	// fallbackBootstrapVersion is the single fallback for an unreadable
	// version marker.
	fallbackBootstrapVersion = "4.0"
)

// bootstrapVersionMarker matches the "# Version: 4.1" line in the bootstrap
// script. This line is the sole source of truth for bootstrap versioning.
var bootstrapVersionMarker = regexp.MustCompile(`(?m)^#\s*Version:\s*(\d+\.\d+)\s*$`)

var (
	packageJSONVersion = regexp.MustCompile(`^\d+\.\d+\.\d+$`)
	cmakeVersion       = regexp.MustCompile(`(?m)VERSION\s+"?(\d+\.\d+\.\d+)"?`)
	bootstrapVersion   = regexp.MustCompile(`^\d+\.\d+$`)
)

// VersionResolver derives the version coordinates of the working copy. It is
// a pure read of ambient files and never fails; every coordinate has a
// fallback.
type VersionResolver struct {
	Config *Config
	Git    *GitInfo
}

// ProjectVersion resolves the Bun version. Precedence: package.json, then the
// CMake version declaration, then the closest git tag, then the fallback
// constant. The order matters: the manifest is what a release actually ships.
func (r *VersionResolver) ProjectVersion() string {
	if v, ok := r.fromPackageJSON(); ok {
		return v
	}
	if v, ok := r.fromCMakeLists(); ok {
		return v
	}
	if v, ok := r.fromGitTag(); ok {
		return v
	}
	log.WithField("fallback", fallbackProjectVersion).Warn("cannot determine project version from package.json, CMakeLists.txt or git")
	return fallbackProjectVersion
}

func (r *VersionResolver) fromPackageJSON() (string, bool) {
	fc, err := os.ReadFile(filepath.Join(r.Config.WorkspaceRoot, "package.json"))
	if err != nil {
		return "", false
	}
	var manifest struct {
		Version string `json:"version"`
	}
	if err := json.Unmarshal(fc, &manifest); err != nil {
		log.WithError(err).Debug("cannot parse package.json")
		return "", false
	}
	if !packageJSONVersion.MatchString(manifest.Version) {
		return "", false
	}
	return manifest.Version, true
}

func (r *VersionResolver) fromCMakeLists() (string, bool) {
	fc, err := os.ReadFile(filepath.Join(r.Config.WorkspaceRoot, "CMakeLists.txt"))
	if err != nil {
		return "", false
	}
	m := cmakeVersion.FindSubmatch(fc)
	if m == nil {
		return "", false
	}
	return string(m[1]), true
}

func (r *VersionResolver) fromGitTag() (string, bool) {
	if r.Git == nil {
		return "", false
	}
	tag, err := r.Git.Describe()
	if err != nil {
		return "", false
	}
	// tags look like "bun-v1.2.16" or "v1.2.16"
	v := strings.TrimPrefix(tag[strings.LastIndex(tag, "v")+1:], "v")
	if !packageJSONVersion.MatchString(v) {
		return "", false
	}
	return v, true
}

// BootstrapVersion reads the version marker from the bootstrap script.
func (r *VersionResolver) BootstrapVersion() string {
	fc, err := os.ReadFile(r.Config.BootstrapScript)
	if err != nil {
		log.WithError(err).WithField("fallback", fallbackBootstrapVersion).Warn("cannot read bootstrap script")
		return fallbackBootstrapVersion
	}
	m := bootstrapVersionMarker.FindSubmatch(fc)
	if m == nil {
		log.WithFields(log.Fields{
			"script":   r.Config.BootstrapScript,
			"fallback": fallbackBootstrapVersion,
		}).Warn("bootstrap script carries no version marker")
		return fallbackBootstrapVersion
	}
	return string(m[1])
}

// Resolve produces the full target tuple for an OS release and architecture.
func (r *VersionResolver) Resolve(osRelease, arch string) VersionTuple {
	return VersionTuple{
		OS:               osRelease,
		Arch:             arch,
		ProjectVersion:   r.ProjectVersion(),
		BootstrapVersion: r.BootstrapVersion(),
	}
}

// MajorMinor returns the "MAJOR.MINOR" prefix of the project version.
func (t VersionTuple) MajorMinor() string {
	return strings.TrimPrefix(semver.MajorMinor("v"+t.ProjectVersion), "v")
}

// compareProjectVersions orders two MAJOR.MINOR.PATCH strings.
func compareProjectVersions(a, b string) int {
	return semver.Compare("v"+a, "v"+b)
}

// compareBootstrapVersions orders two MAJOR.MINOR strings numerically, so that
// "4.10" sorts above "4.9".
func compareBootstrapVersions(a, b string) int {
	am, an, aok := parseBootstrapVersion(a)
	bm, bn, bok := parseBootstrapVersion(b)
	if !aok || !bok {
		return strings.Compare(a, b)
	}
	if am != bm {
		if am < bm {
			return -1
		}
		return 1
	}
	if an != bn {
		if an < bn {
			return -1
		}
		return 1
	}
	return 0
}

func parseBootstrapVersion(v string) (major, minor int, ok bool) {
	if !bootstrapVersion.MatchString(v) {
		return 0, 0, false
	}
	segs := strings.SplitN(v, ".", 2)
	major, _ = strconv.Atoi(segs[0])
	minor, _ = strconv.Atoi(segs[1])
	return major, minor, true
}
