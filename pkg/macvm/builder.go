package macvm

import (
	"context"
	"fmt"
	"os"

	"github.com/segmentio/textio"
	log "github.com/sirupsen/logrus"
	"golang.org/x/xerrors"
)

const guestBootstrapPath = "/tmp/bootstrap.sh"

// ImagePusher uploads a finished image to the registry.
type ImagePusher interface {
	Push(ctx context.Context, localName string, t VersionTuple) error
}

// Builder executes BuildIncremental and BuildNew decisions: clone a base,
// boot it, run the bootstrap procedure over the shell, re-validate, and
// optionally publish the result.
type Builder struct {
	Store     SessionStore
	Sessions  *Sessions
	Validator ImageValidator
	Remote    ImagePusher
	Naming    *ImageNaming
	Config    *Config

	// NoPush suppresses the registry upload, e.g. for local-dev iteration.
	NoPush bool
}

// Build produces a validated image for the target tuple and returns its local
// name. Only BuildIncremental and BuildNew decisions are buildable; the other
// two kinds already name a ready image.
func (b *Builder) Build(ctx context.Context, decision Decision, target VersionTuple) (string, error) {
	targetName := b.Naming.Encode(target)

	var (
		base        string
		incremental bool
		err         error
	)
	switch decision.Kind {
	case BuildIncremental:
		base = decision.BaseImage
		incremental = true
	case BuildNew:
		base, err = b.Config.BaseImage(target.OS)
		if err != nil {
			return "", err
		}
	default:
		return "", xerrors.Errorf("decision %s is not buildable", decision.Kind)
	}

	log.WithFields(log.Fields{
		"target":      targetName,
		"base":        base,
		"incremental": incremental,
	}).Info("building VM image")

	// a stale image at the target name is a partial build from an earlier
	// run; it must not shadow the one we are about to produce
	if err := b.Store.Delete(ctx, targetName); err != nil {
		return "", xerrors.Errorf("cannot delete stale image %s: %w", targetName, err)
	}

	err = b.Sessions.With(ctx, SessionOptions{
		Image:     targetName,
		CloneFrom: base,
		SharedDir: b.Config.WorkspaceRoot,
		CPUs:      b.Config.VM.CPUs,
		MemoryMB:  b.Config.VM.MemoryMB,
	}, func(ctx context.Context, sess *Session) error {
		return b.bootstrap(ctx, sess, target, incremental)
	})
	if err != nil {
		// no partial state may remain registered under the target name
		if delErr := b.Store.Delete(context.WithoutCancel(ctx), targetName); delErr != nil {
			log.WithError(delErr).WithField("image", targetName).Error("cannot delete failed build")
		}
		return "", xerrors.Errorf("bootstrapping %s failed: %w (rebuild from scratch with --force-refresh)", targetName, err)
	}

	res, err := b.Validator.Validate(ctx, targetName)
	if err != nil {
		return "", xerrors.Errorf("cannot validate freshly built image %s: %w", targetName, err)
	}
	if !res.Passed {
		if delErr := b.Store.Delete(ctx, targetName); delErr != nil {
			log.WithError(delErr).WithField("image", targetName).Error("cannot delete invalid build")
		}
		return "", xerrors.Errorf("freshly built image %s is missing tools %v: check the bootstrap script and rebuild with --force-refresh", targetName, res.MissingTools)
	}

	if !b.NoPush {
		// best effort: a failed push never fails the build
		if err := b.Remote.Push(ctx, targetName, target); err != nil {
			log.WithError(err).Warn("cannot push image to registry")
		}
	}

	return targetName, nil
}

// bootstrap copies the bootstrap script into the guest and executes it. In
// degraded-copy mode the workspace is transferred over the shell first, since
// no shared directory is mounted.
func (b *Builder) bootstrap(ctx context.Context, sess *Session, target VersionTuple, incremental bool) error {
	script, err := os.ReadFile(b.Config.BootstrapScript)
	if err != nil {
		return xerrors.Errorf("cannot read bootstrap script: %w", err)
	}
	if err := sess.WriteFile(ctx, guestBootstrapPath, script, 0755); err != nil {
		return err
	}

	if sess.DegradedCopy {
		log.WithField("vm", sess.Name).Info("copying workspace over the shell")
		if err := sess.CopyTree(ctx, b.Config.WorkspaceRoot, "~/workspace"); err != nil {
			return xerrors.Errorf("cannot copy workspace into guest: %w", err)
		}
	}

	command := fmt.Sprintf("BUN_VERSION=%s MACVM_INCREMENTAL=%t bash %s", target.ProjectVersion, incremental, guestBootstrapPath)
	out := textio.NewPrefixWriter(os.Stdout, fmt.Sprintf("[%s] ", sess.Name))
	defer out.Flush()

	res, err := sess.ExecStream(ctx, command, out)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return xerrors.Errorf("bootstrap script exited with status %d", res.ExitCode)
	}
	return nil
}
