package macvm

import (
	"context"

	log "github.com/sirupsen/logrus"

	"github.com/oven-sh/macvm/pkg/sshexec"
)

// ValidationResult is the outcome of probing a candidate image. Transient:
// produced and consumed within one validation cycle, never persisted.
type ValidationResult struct {
	Passed       bool
	MissingTools []string
}

// toolProbe asserts one required piece of the toolchain inside the guest.
type toolProbe struct {
	Name    string
	Command string
}

// toolProbes is the fixed checklist a build image must pass. Every probe is
// required; one miss fails the whole validation.
var toolProbes = []toolProbe{
	{Name: "bun", Command: "bun --version"},
	{Name: "cmake", Command: "cmake --version"},
	{Name: "ninja", Command: "ninja --version"},
	{Name: "zig", Command: "zig version"},
	{Name: "clang", Command: "clang --version"},
	{Name: "rustc", Command: "rustc --version"},
	{Name: "macos-sdk", Command: "xcrun --sdk macosx --show-sdk-path"},
	{Name: "codesign", Command: "xcrun --find codesign"},
	{Name: "xcode", Command: "xcode-select -p"},
}

// commandExecutor runs a command in a guest. Session implements it.
type commandExecutor interface {
	Exec(ctx context.Context, command string) (*sshexec.Result, error)
}

// Validator boots candidate images transiently and asserts the toolchain is
// complete. A failed validation marks the image as corrupt cache state; the
// decision engine deletes it rather than retrying it.
type Validator struct {
	Sessions *Sessions
	Config   *Config
}

// Validate boots an ephemeral clone of the image and runs the probe checklist
// against it. The clone, not the image itself, is booted: booting mutates the
// disk, and a cache entry must stay byte-stable.
func (v *Validator) Validate(ctx context.Context, image string) (*ValidationResult, error) {
	var res *ValidationResult
	err := v.Sessions.With(ctx, SessionOptions{
		Image:     v.Sessions.EphemeralName(),
		CloneFrom: image,
		Ephemeral: true,
		CPUs:      v.Config.VM.CPUs,
		MemoryMB:  v.Config.VM.MemoryMB,
	}, func(ctx context.Context, sess *Session) error {
		res = runProbes(ctx, sess)
		return nil
	})
	if err != nil {
		return nil, err
	}

	if res.Passed {
		log.WithField("image", image).Info("image validation passed")
	} else {
		log.WithFields(log.Fields{
			"image":   image,
			"missing": res.MissingTools,
		}).Warn("image validation failed")
	}
	return res, nil
}

// runProbes executes the checklist and aggregates the result. A probe whose
// command cannot be executed at all counts as missing, the same as a non-zero
// exit.
func runProbes(ctx context.Context, exec commandExecutor) *ValidationResult {
	res := &ValidationResult{Passed: true}
	for _, probe := range toolProbes {
		out, err := exec.Exec(ctx, probe.Command)
		if err != nil || out.ExitCode != 0 {
			res.Passed = false
			res.MissingTools = append(res.MissingTools, probe.Name)
			continue
		}
		log.WithFields(log.Fields{"probe": probe.Name}).Debug("probe passed")
	}
	return res
}
