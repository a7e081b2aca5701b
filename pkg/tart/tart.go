// Package tart wraps the Tart hypervisor CLI in a typed client. All parsing of
// tart's output lives here; callers only ever see structured records.
package tart

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
)

// CommandError represents a failed tart invocation including its output, which
// tart uses for almost all of its error reporting.
type CommandError struct {
	Args   []string
	Output string
	Err    error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("tart %s failed: %v: %s", strings.Join(e.Args, " "), e.Err, strings.TrimSpace(e.Output))
}

func (e *CommandError) Unwrap() error { return e.Err }

// VM is a single entry of the local tart VM store.
type VM struct {
	Name    string `json:"Name"`
	Source  string `json:"Source"`
	DiskGB  int    `json:"Disk"`
	SizeGB  int    `json:"Size"`
	State   string `json:"State"`
	Running bool   `json:"Running"`
}

// RunOptions configure a tart run invocation. CPU and memory are set with
// SetResources before booting; tart run does not take them.
type RunOptions struct {
	// SharedDir mounts a host directory into the guest, in tart's
	// "name:/host/path" notation. Empty means no mount.
	SharedDir string
	Headless  bool
}

// Client executes tart commands. The zero value is not usable; use NewClient.
type Client struct {
	executable string
}

// NewClient returns a client using the given tart executable, or "tart" from
// PATH if empty.
func NewClient(executable string) *Client {
	if executable == "" {
		executable = "tart"
	}
	return &Client{executable: executable}
}

// execCommand can be replaced in tests for mocking
var execCommand = func(ctx context.Context, env []string, executable string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, executable, args...)
	cmd.Env = append(os.Environ(), env...)
	return cmd.CombinedOutput()
}

func (c *Client) run(ctx context.Context, args ...string) (string, error) {
	return c.runEnv(ctx, nil, args...)
}

func (c *Client) runEnv(ctx context.Context, env []string, args ...string) (string, error) {
	log.WithField("args", args).Debug("running tart")
	out, err := execCommand(ctx, env, c.executable, args...)
	if err != nil {
		return "", &CommandError{Args: args, Output: string(out), Err: err}
	}
	return strings.TrimSpace(string(out)), nil
}

// List returns all VMs tart knows about, local and remote-origin alike.
func (c *Client) List(ctx context.Context) ([]VM, error) {
	out, err := c.run(ctx, "list", "--format", "json")
	if err != nil {
		return nil, err
	}
	return parseListOutput([]byte(out))
}

func parseListOutput(out []byte) ([]VM, error) {
	out = bytes.TrimSpace(out)
	if len(out) == 0 {
		return nil, nil
	}
	var vms []VM
	if err := json.Unmarshal(out, &vms); err != nil {
		return nil, fmt.Errorf("cannot parse tart list output: %w", err)
	}
	return vms, nil
}

// Exists re-checks the store for a VM by name. State may have changed since a
// previous List, so callers about to stop or delete a VM should use this.
func (c *Client) Exists(ctx context.Context, name string) (bool, error) {
	vms, err := c.List(ctx)
	if err != nil {
		return false, err
	}
	for _, vm := range vms {
		if vm.Name == name {
			return true, nil
		}
	}
	return false, nil
}

// Clone duplicates a VM or an OCI image reference into a new local VM.
func (c *Client) Clone(ctx context.Context, src, dst string) error {
	_, err := c.run(ctx, "clone", src, dst)
	return err
}

// Delete removes a VM from the local store. Deleting a VM that does not exist
// is not an error; the store may have changed underneath us.
func (c *Client) Delete(ctx context.Context, name string) error {
	exists, err := c.Exists(ctx, name)
	if err != nil {
		return err
	}
	if !exists {
		return nil
	}
	_, err = c.run(ctx, "delete", name)
	return err
}

// Stop forcefully terminates a running VM.
func (c *Client) Stop(ctx context.Context, name string) error {
	_, err := c.run(ctx, "stop", name)
	return err
}

// IP returns the guest address, or "" while DHCP has not assigned one yet.
func (c *Client) IP(ctx context.Context, name string) (string, error) {
	out, err := c.run(ctx, "ip", name)
	if err != nil {
		// tart exits non-zero while the lease is still pending
		return "", nil
	}
	return out, nil
}

// SetResources reconfigures CPU count and memory of a stopped VM.
func (c *Client) SetResources(ctx context.Context, name string, cpus, memoryMB int) error {
	_, err := c.run(ctx, "set", name, "--cpu", fmt.Sprint(cpus), "--memory", fmt.Sprint(memoryMB))
	return err
}

// Pull downloads an OCI image into the local store. Registry credentials are
// passed through TART_REGISTRY_USERNAME/TART_REGISTRY_PASSWORD.
func (c *Client) Pull(ctx context.Context, ref string, credentials []string) error {
	_, err := c.runEnv(ctx, credentials, "pull", ref)
	return err
}

// Push uploads a local VM under one or more OCI references.
func (c *Client) Push(ctx context.Context, name string, refs []string, credentials []string) error {
	args := append([]string{"push", name}, refs...)
	_, err := c.runEnv(ctx, credentials, args...)
	return err
}

// Process is a handle on a backgrounded tart run invocation.
type Process struct {
	cmd    *exec.Cmd
	output *bytes.Buffer

	mu   sync.Mutex
	done chan struct{}
	err  error
}

// Run boots a VM in the background and returns immediately. Use Exited to
// detect an early crash (e.g. a failed directory mount) and Wait to reap the
// process after stopping the VM.
func (c *Client) Run(ctx context.Context, name string, opts RunOptions) (*Process, error) {
	args := []string{"run", name}
	if opts.Headless {
		args = append(args, "--no-graphics")
	}
	if opts.SharedDir != "" {
		args = append(args, fmt.Sprintf("--dir=%s", opts.SharedDir))
	}

	log.WithFields(log.Fields{"vm": name, "args": args}).Debug("booting VM")

	var buf bytes.Buffer
	cmd := exec.CommandContext(ctx, c.executable, args...)
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	if err := cmd.Start(); err != nil {
		return nil, &CommandError{Args: args, Output: buf.String(), Err: err}
	}

	p := &Process{cmd: cmd, output: &buf, done: make(chan struct{})}
	go func() {
		err := cmd.Wait()
		p.mu.Lock()
		p.err = err
		p.mu.Unlock()
		close(p.done)
	}()
	return p, nil
}

// Exited reports whether the hypervisor process has terminated.
func (p *Process) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the hypervisor process terminates.
func (p *Process) Wait() error {
	<-p.done
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Output returns everything the hypervisor process has written so far.
func (p *Process) Output() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.output.String()
}
