package macvm

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeWorkspaceFile(t *testing.T, root, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(root, name), []byte(content), 0644))
}

func testResolver(t *testing.T) (*VersionResolver, string) {
	t.Helper()
	root := t.TempDir()
	cfg := &Config{
		WorkspaceRoot:   root,
		BootstrapScript: filepath.Join(root, "scripts", "bootstrap.sh"),
	}
	return &VersionResolver{Config: cfg}, root
}

func TestProjectVersionPrecedence(t *testing.T) {
	t.Run("package.json wins", func(t *testing.T) {
		r, root := testResolver(t)
		writeWorkspaceFile(t, root, "package.json", `{"name": "bun", "version": "1.2.16"}`)
		writeWorkspaceFile(t, root, "CMakeLists.txt", `project(bun VERSION "1.0.0")`)
		require.Equal(t, "1.2.16", r.ProjectVersion())
	})

	t.Run("CMakeLists when package.json is absent", func(t *testing.T) {
		r, root := testResolver(t)
		writeWorkspaceFile(t, root, "CMakeLists.txt", "cmake_minimum_required(VERSION 3.22)\nproject(bun VERSION \"1.2.15\")\n")
		require.Equal(t, "1.2.15", r.ProjectVersion())
	})

	t.Run("malformed package.json falls through", func(t *testing.T) {
		r, root := testResolver(t)
		writeWorkspaceFile(t, root, "package.json", `{"version": "canary"}`)
		writeWorkspaceFile(t, root, "CMakeLists.txt", `project(bun VERSION "1.2.15")`)
		require.Equal(t, "1.2.15", r.ProjectVersion())
	})

	t.Run("fallback when no source yields a version", func(t *testing.T) {
		r, _ := testResolver(t)
		require.Equal(t, "0.0.0", r.ProjectVersion())
	})
}

func TestBootstrapVersion(t *testing.T) {
	tests := []struct {
		Name   string
		Script string
		Want   string
	}{
		{
			Name:   "version marker",
			Script: "#!/bin/bash\n# Version: 4.1\nset -euo pipefail\n",
			Want:   "4.1",
		},
		{
			Name:   "marker with extra spacing",
			Script: "#!/bin/bash\n#  Version:  4.10\n",
			Want:   "4.10",
		},
		{
			Name:   "no marker falls back",
			Script: "#!/bin/bash\nset -euo pipefail\n",
			Want:   "4.0",
		},
		{
			Name:   "marker must sit on its own line",
			Script: "#!/bin/bash\necho '# Version: 9.9 (not a marker)'\n",
			Want:   "4.0",
		},
	}

	for _, test := range tests {
		t.Run(test.Name, func(t *testing.T) {
			r, _ := testResolver(t)
			require.NoError(t, os.MkdirAll(filepath.Dir(r.Config.BootstrapScript), 0755))
			require.NoError(t, os.WriteFile(r.Config.BootstrapScript, []byte(test.Script), 0755))
			require.Equal(t, test.Want, r.BootstrapVersion())
		})
	}

	t.Run("missing script falls back", func(t *testing.T) {
		r, _ := testResolver(t)
		require.Equal(t, "4.0", r.BootstrapVersion())
	})
}

func TestResolve(t *testing.T) {
	r, root := testResolver(t)
	writeWorkspaceFile(t, root, "package.json", `{"version": "1.2.16"}`)
	require.NoError(t, os.MkdirAll(filepath.Dir(r.Config.BootstrapScript), 0755))
	require.NoError(t, os.WriteFile(r.Config.BootstrapScript, []byte("# Version: 4.1\n"), 0755))

	tuple := r.Resolve("macos-14", "arm64")
	require.Equal(t, VersionTuple{
		OS:               "macos-14",
		Arch:             "arm64",
		ProjectVersion:   "1.2.16",
		BootstrapVersion: "4.1",
	}, tuple)
	require.Equal(t, "1.2", tuple.MajorMinor())
}

func TestCompareBootstrapVersions(t *testing.T) {
	tests := []struct {
		A, B string
		Want int
	}{
		{"4.1", "4.1", 0},
		{"4.0", "4.1", -1},
		{"4.1", "4.0", 1},
		{"4.10", "4.9", 1},
		{"4.9", "4.10", -1},
		{"5.0", "4.10", 1},
	}
	for _, test := range tests {
		if got := compareBootstrapVersions(test.A, test.B); got != test.Want {
			t.Errorf("compareBootstrapVersions(%s, %s) = %d, want %d", test.A, test.B, got, test.Want)
		}
	}
}

func TestCompareProjectVersions(t *testing.T) {
	tests := []struct {
		A, B string
		Want int
	}{
		{"1.2.16", "1.2.16", 0},
		{"1.2.15", "1.2.16", -1},
		{"1.2.16", "1.2.15", 1},
		{"1.10.0", "1.9.0", 1},
	}
	for _, test := range tests {
		if got := compareProjectVersions(test.A, test.B); got != test.Want {
			t.Errorf("compareProjectVersions(%s, %s) = %d, want %d", test.A, test.B, got, test.Want)
		}
	}
}
