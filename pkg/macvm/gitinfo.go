package macvm

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"
)

// GitError represents an error that occurred during a Git operation
type GitError struct {
	Op  string
	Err error
}

func (e *GitError) Error() string {
	return fmt.Sprintf("git operation %s failed: %v", e.Op, e.Err)
}

func (e *GitError) Unwrap() error { return e.Err }

// GitInfo captures the state of the working copy a build runs from. The commit
// keys the artifact cache; a dirty tree keeps its locally cached artifacts but
// never publishes them to the shared remote tier.
type GitInfo struct {
	WorkingCopyLoc string
	Commit         string
	Dirty          bool
}

func executeGitCommand(dir string, args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", &GitError{Op: strings.Join(args, " "), Err: err}
	}
	return strings.TrimSpace(string(out)), nil
}

// GetGitInfo returns the git state of loc, or nil if loc is not a working copy.
func GetGitInfo(loc string) (*GitInfo, error) {
	stat, err := os.Stat(filepath.Join(loc, ".git"))
	if err != nil || !stat.IsDir() {
		return nil, nil
	}

	commit, err := executeGitCommand(loc, "rev-parse", "HEAD")
	if err != nil {
		return nil, err
	}

	res := GitInfo{WorkingCopyLoc: loc, Commit: commit}

	status, err := executeGitCommand(loc, "status", "--porcelain")
	if err != nil {
		log.WithError(err).WithField("workingCopy", loc).Debug("git status failed, assuming dirty working copy")
		res.Dirty = true
	} else if status != "" {
		log.WithField("workingCopy", loc).Debug("working copy is dirty")
		res.Dirty = true
	}

	return &res, nil
}

// Describe returns the closest annotated tag, e.g. "bun-v1.2.16".
func (info *GitInfo) Describe() (string, error) {
	return executeGitCommand(info.WorkingCopyLoc, "describe", "--tags", "--abbrev=0")
}
