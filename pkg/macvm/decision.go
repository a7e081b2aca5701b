package macvm

import (
	"context"

	log "github.com/sirupsen/logrus"
	"golang.org/x/xerrors"
)

// DecisionKind enumerates the possible sources of a ready-to-use build image.
type DecisionKind string

const (
	// UseLocalExact reuses a validated local image matching the full tuple.
	UseLocalExact DecisionKind = "use-local-exact"
	// UseRemote pulls a prebuilt image from the registry.
	UseRemote DecisionKind = "use-remote"
	// BuildIncremental bootstraps only the delta on top of a compatible base.
	BuildIncremental DecisionKind = "build-incremental"
	// BuildNew bootstraps from the vanilla OS base image.
	BuildNew DecisionKind = "build-new"
)

// Decision is the single outcome of one engine invocation.
type Decision struct {
	Kind DecisionKind
	// Image is the local image to use (UseLocalExact).
	Image string
	// BaseImage is the incremental base to clone from (BuildIncremental).
	BaseImage string
	// RemoteRef is the registry reference to pull (UseRemote).
	RemoteRef string
}

// Flags steer a decision cycle.
type Flags struct {
	// ForceRefresh skips both local tiers entirely.
	ForceRefresh bool
	// ForceRemoteRefresh re-pulls remote images even when a copy exists locally.
	ForceRemoteRefresh bool
	// LocalDevOnly never touches the registry, for fully offline iteration.
	LocalDevOnly bool
}

// ImageLister enumerates managed local images.
type ImageLister interface {
	List(ctx context.Context) ([]ImageRecord, error)
}

// ImageDeleter removes a local image. The engine deletes images that fail
// validation so a corrupt cache entry is never chosen twice.
type ImageDeleter interface {
	Delete(ctx context.Context, name string) error
}

// RemoteChecker reports whether the registry holds an image for a tuple.
type RemoteChecker interface {
	Exists(ctx context.Context, t VersionTuple) (exists bool, ref string, err error)
}

// ImageValidator asserts a local image is actually usable.
type ImageValidator interface {
	Validate(ctx context.Context, image string) (*ValidationResult, error)
}

// Engine decides the cheapest safe source of a build image. Priority, first
// match wins: validated exact local, validated compatible local (incremental),
// remote, full build. Exact matches cost nothing, compatible ones skip the
// full bootstrap, remote trades local compute for network transfer, and a
// full build is the last resort.
//
// The decision itself is a pure function of the inputs, but validation
// failures delete the offending image as a side effect: repeated invocations
// see a store with the corrupt entry gone and fall through to the next tier.
type Engine struct {
	Index     ImageLister
	Store     ImageDeleter
	Remote    RemoteChecker
	Validator ImageValidator
}

// Decide produces exactly one decision for the target tuple.
func (e *Engine) Decide(ctx context.Context, target VersionTuple, flags Flags) (Decision, error) {
	records, err := e.Index.List(ctx)
	if err != nil {
		return Decision{}, xerrors.Errorf("cannot index local VM store: %w", err)
	}
	cls := Classify(target, records)

	if flags.ForceRefresh {
		log.Info("force refresh requested, ignoring local images")
	} else {
		if cls.Exact != nil {
			if e.validateOrDelete(ctx, cls.Exact) {
				return Decision{Kind: UseLocalExact, Image: cls.Exact.Name}, nil
			}
		}
		if cls.Compatible != nil {
			if e.validateOrDelete(ctx, cls.Compatible) {
				return Decision{Kind: BuildIncremental, BaseImage: cls.Compatible.Name}, nil
			}
		}
	}

	if !flags.LocalDevOnly {
		exists, ref, err := e.Remote.Exists(ctx, target)
		if err != nil {
			// the read path degrades gracefully: an unreachable registry
			// means a local build, not a failed one
			log.WithError(err).Warn("cannot check remote registry, falling back to a local build")
		} else if exists {
			return Decision{Kind: UseRemote, RemoteRef: ref}, nil
		}
	}

	return Decision{Kind: BuildNew}, nil
}

// validateOrDelete returns true when the record passed validation. A failed
// validation is a corrupt-cache signal: the image is deleted so the next
// cycle cannot pick it again. A validation that could not run at all
// (hypervisor trouble, not a bad image) keeps the image but skips it for this
// cycle.
func (e *Engine) validateOrDelete(ctx context.Context, rec *ImageRecord) bool {
	res, err := e.Validator.Validate(ctx, rec.Name)
	if err != nil {
		log.WithError(err).WithField("image", rec.Name).Warn("cannot validate image, skipping it for this cycle")
		return false
	}
	if res.Passed {
		return true
	}

	log.WithFields(log.Fields{
		"image":   rec.Name,
		"missing": res.MissingTools,
	}).Warn("image failed validation, deleting corrupt cache entry")
	if err := e.Store.Delete(ctx, rec.Name); err != nil {
		log.WithError(err).WithField("image", rec.Name).Error("cannot delete corrupt image")
	}
	return false
}
