package macvm

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"

	"github.com/oven-sh/macvm/pkg/sshexec"
	"github.com/oven-sh/macvm/pkg/tart"
)

// Poll bounds for the blocking waits of a session. Variables so tests can
// shorten them.
var (
	ipPollAttempts    = 60
	ipPollInterval    = 5 * time.Second
	shellPollAttempts = 30
	shellPollInterval = 10 * time.Second
	stopPollAttempts  = 24
	stopPollInterval  = 5 * time.Second
	bootGraceWindow   = 3 * time.Second
)

const cleanupTimeout = 3 * time.Minute

// shellConn is the part of the remote shell sessions use. Implemented by
// sshexec.Client.
type shellConn interface {
	Exec(ctx context.Context, command string) (*sshexec.Result, error)
	ExecStream(ctx context.Context, command string, out io.Writer) (*sshexec.Result, error)
	CopyTree(ctx context.Context, src, dst string) error
	WriteFile(ctx context.Context, dst string, content []byte, mode os.FileMode) error
	Close() error
}

// VMProcess is a handle on the hypervisor process backing a session.
type VMProcess interface {
	Exited() bool
	Wait() error
	Output() string
}

// SessionStore is the part of the VM store sessions operate on.
type SessionStore interface {
	List(ctx context.Context) ([]tart.VM, error)
	Clone(ctx context.Context, src, dst string) error
	Delete(ctx context.Context, name string) error
	Stop(ctx context.Context, name string) error
	IP(ctx context.Context, name string) (string, error)
	SetResources(ctx context.Context, name string, cpus, memoryMB int) error
	Run(ctx context.Context, name string, opts tart.RunOptions) (VMProcess, error)
}

// TartSessionStore adapts the tart client to the SessionStore interface.
type TartSessionStore struct {
	*tart.Client
}

// Run boots a VM and returns the process handle.
func (s TartSessionStore) Run(ctx context.Context, name string, opts tart.RunOptions) (VMProcess, error) {
	return s.Client.Run(ctx, name, opts)
}

// SessionOptions configure one VM lifecycle session.
type SessionOptions struct {
	// Image is the local VM to boot.
	Image string
	// CloneFrom, when set, clones that source to Image before booting.
	CloneFrom string
	// Ephemeral VMs are deleted during cleanup.
	Ephemeral bool
	// SharedDir is a host path to mount into the guest as "workspace".
	SharedDir string

	CPUs     int
	MemoryMB int
}

// Session is a booted VM with an established shell. Obtained via
// Sessions.With, which guarantees cleanup on every exit path.
type Session struct {
	Name string
	IP   string

	// DegradedCopy is set when every shared-directory mount attempt failed
	// and files must be copied over the shell instead.
	DegradedCopy bool

	store     SessionStore
	shell     shellConn
	proc      VMProcess
	ephemeral bool

	cleanup sync.Once
}

// Exec runs a command in the guest.
func (s *Session) Exec(ctx context.Context, command string) (*sshexec.Result, error) {
	return s.shell.Exec(ctx, command)
}

// ExecStream runs a command in the guest, streaming output as it is produced.
func (s *Session) ExecStream(ctx context.Context, command string, out io.Writer) (*sshexec.Result, error) {
	return s.shell.ExecStream(ctx, command, out)
}

// CopyTree transfers a host directory into the guest over the shell channel.
func (s *Session) CopyTree(ctx context.Context, src, dst string) error {
	return s.shell.CopyTree(ctx, src, dst)
}

// WriteFile places a file in the guest.
func (s *Session) WriteFile(ctx context.Context, dst string, content []byte, mode os.FileMode) error {
	return s.shell.WriteFile(ctx, dst, content, mode)
}

// Sessions creates VM lifecycle sessions.
type Sessions struct {
	Store  SessionStore
	Config *Config

	// dialShell can be replaced in tests for mocking
	dialShell func(ctx context.Context, addr, user, password string) (shellConn, error)
}

// NewSessions returns a session factory backed by the given store.
func NewSessions(store SessionStore, cfg *Config) *Sessions {
	return &Sessions{
		Store:  store,
		Config: cfg,
		dialShell: func(ctx context.Context, addr, user, password string) (shellConn, error) {
			return sshexec.Dial(ctx, addr, user, password)
		},
	}
}

// EphemeralName mints a VM name matching the orphan-cleanup pattern.
func (s *Sessions) EphemeralName() string {
	return s.Config.EphemeralPrefix() + uuid.NewString()[:8]
}

// With runs fn against a booted VM. Cleanup - graceful shutdown, forced stop,
// deletion of ephemeral VMs - is registered as soon as resources are acquired
// and runs exactly once on every exit path: normal return, error, or an
// interrupt cancelling ctx.
func (s *Sessions) With(ctx context.Context, opts SessionOptions, fn func(ctx context.Context, sess *Session) error) (err error) {
	if _, err := s.CleanupOrphans(ctx); err != nil {
		log.WithError(err).Warn("orphan VM cleanup failed")
	}
	s.relieveDiskPressure(ctx)

	if opts.CloneFrom != "" {
		if err := s.Store.Clone(ctx, opts.CloneFrom, opts.Image); err != nil {
			return xerrors.Errorf("cannot clone %s to %s: %w", opts.CloneFrom, opts.Image, err)
		}
	}

	sess := &Session{
		Name:      opts.Image,
		store:     s.Store,
		ephemeral: opts.Ephemeral,
	}
	// From here on the VM exists and possibly runs: cleanup must fire no
	// matter how we leave this function.
	defer func() {
		cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
		defer cancel()
		sess.Close(cleanupCtx)
	}()

	if opts.CPUs > 0 && opts.MemoryMB > 0 {
		if err := s.Store.SetResources(ctx, opts.Image, opts.CPUs, opts.MemoryMB); err != nil {
			return xerrors.Errorf("cannot allocate resources for %s: %w", opts.Image, err)
		}
	}

	sess.proc, sess.DegradedCopy, err = s.startWithMountFallback(ctx, opts.Image, opts.SharedDir)
	if err != nil {
		return err
	}

	// a dying hypervisor process aborts every wait below
	waitCtx, cancelWait := context.WithCancel(ctx)
	defer cancelWait()
	go func() {
		_ = sess.proc.Wait()
		cancelWait()
	}()

	sess.IP, err = s.waitForIP(waitCtx, sess)
	if err != nil {
		return err
	}
	sess.shell, err = s.waitForShell(waitCtx, sess)
	if err != nil {
		return err
	}

	log.WithFields(log.Fields{"vm": sess.Name, "ip": sess.IP}).Debug("session established")
	return fn(waitCtx, sess)
}

func (s *Sessions) waitForIP(ctx context.Context, sess *Session) (string, error) {
	var ip string
	err := retry(ctx, fmt.Sprintf("IP assignment for %s", sess.Name), ipPollAttempts, ipPollInterval, func(ctx context.Context) (bool, error) {
		var err error
		ip, err = s.Store.IP(ctx, sess.Name)
		if err != nil {
			return false, err
		}
		return ip != "", nil
	})
	if err != nil {
		if sess.proc.Exited() {
			return "", xerrors.Errorf("hypervisor exited while waiting for an IP: %s", strings.TrimSpace(sess.proc.Output()))
		}
		return "", xerrors.Errorf("VM %s never received an IP address: %w", sess.Name, err)
	}
	return ip, nil
}

func (s *Sessions) waitForShell(ctx context.Context, sess *Session) (shellConn, error) {
	var shell shellConn
	vm := s.Config.VM
	err := retry(ctx, fmt.Sprintf("shell readiness on %s", sess.Name), shellPollAttempts, shellPollInterval, func(ctx context.Context) (bool, error) {
		var err error
		shell, err = s.dialShell(ctx, sess.IP, vm.User, vm.Password)
		if err != nil {
			return false, err
		}
		return true, nil
	})
	if err != nil {
		if sess.proc.Exited() {
			return nil, xerrors.Errorf("hypervisor exited while waiting for the shell: %s", strings.TrimSpace(sess.proc.Output()))
		}
		return nil, xerrors.Errorf("shell on %s never became ready: %w", sess.Name, err)
	}
	return shell, nil
}

// mountErrorMarkers identify the hypervisor complaining about the shared
// directory. Anything else is a real boot failure.
var mountErrorMarkers = []string{
	"failed to mount",
	"shared directory",
	"virtiofs",
}

func isMountFailure(output string) bool {
	lower := strings.ToLower(output)
	for _, marker := range mountErrorMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// startWithMountFallback boots the VM, degrading the shared-directory mount in
// up to three rungs: aliased mount, un-aliased mount, no mount at all. Each
// rung is attempted at most once.
func (s *Sessions) startWithMountFallback(ctx context.Context, image, sharedDir string) (VMProcess, bool, error) {
	if sharedDir == "" {
		proc, err := s.bootOnce(ctx, image, "")
		return proc, false, err
	}

	rungs := []struct {
		dir      string
		degraded bool
	}{
		{dir: "workspace:" + sharedDir},
		{dir: sharedDir},
		{dir: "", degraded: true},
	}
	for i, rung := range rungs {
		proc, err := s.bootOnce(ctx, image, rung.dir)
		if err == nil {
			if rung.degraded {
				log.WithField("vm", image).Warn("booted without a shared directory, files will be copied over the shell")
			}
			return proc, rung.degraded, nil
		}
		if i == len(rungs)-1 || !isMountFailure(err.Error()) {
			return nil, false, err
		}
		log.WithError(err).WithField("vm", image).Warn("shared directory mount failed, retrying with a simpler configuration")
	}
	// unreachable: the last rung always returns
	return nil, false, xerrors.Errorf("cannot boot %s", image)
}

// bootOnce starts the VM and gives the hypervisor a short grace window to
// report immediate startup failures such as a rejected mount.
func (s *Sessions) bootOnce(ctx context.Context, image, sharedDir string) (VMProcess, error) {
	proc, err := s.Store.Run(ctx, image, tart.RunOptions{Headless: true, SharedDir: sharedDir})
	if err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(bootGraceWindow):
	}
	if proc.Exited() {
		return nil, xerrors.Errorf("hypervisor exited immediately: %s", strings.TrimSpace(proc.Output()))
	}
	return proc, nil
}

// Close shuts the session down: graceful in-guest shutdown first, forced stop
// after a grace period, deletion if the VM is ephemeral. Safe to call multiple
// times; only the first call acts.
func (sess *Session) Close(ctx context.Context) {
	sess.cleanup.Do(func() {
		log.WithField("vm", sess.Name).Debug("cleaning up session")

		if sess.shell != nil {
			if _, err := sess.shell.Exec(ctx, "sudo shutdown -h now"); err != nil {
				log.WithError(err).WithField("vm", sess.Name).Debug("graceful shutdown command failed")
			}
			_ = sess.shell.Close()
		}

		if sess.proc != nil {
			stopped := retry(ctx, fmt.Sprintf("shutdown of %s", sess.Name), stopPollAttempts, stopPollInterval, func(ctx context.Context) (bool, error) {
				return sess.proc.Exited(), nil
			})
			if stopped != nil {
				log.WithField("vm", sess.Name).Warn("VM did not shut down gracefully, forcing termination")
				if err := sess.store.Stop(ctx, sess.Name); err != nil {
					log.WithError(err).WithField("vm", sess.Name).Warn("cannot stop VM")
				}
				_ = sess.proc.Wait()
			}
		}

		if sess.ephemeral {
			if err := sess.store.Delete(ctx, sess.Name); err != nil {
				log.WithError(err).WithField("vm", sess.Name).Warn("cannot delete ephemeral VM")
			}
		}
	})
}

// CleanupOrphans deletes ephemeral VMs left behind by crashed sessions. It
// runs before every session, and again when disk usage crosses the threshold.
func (s *Sessions) CleanupOrphans(ctx context.Context) (int, error) {
	vms, err := s.Store.List(ctx)
	if err != nil {
		return 0, err
	}

	prefix := s.Config.EphemeralPrefix()
	var deleted int
	for _, vm := range vms {
		if !strings.HasPrefix(vm.Name, prefix) {
			continue
		}
		log.WithField("vm", vm.Name).Info("deleting orphaned ephemeral VM")
		if vm.Running {
			if err := s.Store.Stop(ctx, vm.Name); err != nil {
				log.WithError(err).WithField("vm", vm.Name).Warn("cannot stop orphaned VM")
			}
		}
		if err := s.Store.Delete(ctx, vm.Name); err != nil {
			log.WithError(err).WithField("vm", vm.Name).Warn("cannot delete orphaned VM")
			continue
		}
		deleted++
	}
	return deleted, nil
}

// relieveDiskPressure checks local disk usage and runs the orphan sweep once
// more when over the threshold. Persistent pressure produces a warning but
// never blocks a build.
func (s *Sessions) relieveDiskPressure(ctx context.Context) {
	ratio, err := diskUsageRatio(vmStorePath())
	if err != nil {
		log.WithError(err).Debug("cannot determine disk usage")
		return
	}
	if ratio < s.Config.DiskPressureRatio {
		return
	}

	log.WithField("usage", fmt.Sprintf("%.0f%%", ratio*100)).Warn("local disk usage over threshold, sweeping orphaned VMs")
	if _, err := s.CleanupOrphans(ctx); err != nil {
		log.WithError(err).Warn("orphan VM cleanup failed")
	}

	if ratio, err = diskUsageRatio(vmStorePath()); err == nil && ratio >= s.Config.DiskPressureRatio {
		log.WithField("usage", fmt.Sprintf("%.0f%%", ratio*100)).Warn("disk usage still over threshold, continuing anyway")
	}
}

func vmStorePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "/"
	}
	return filepath.Join(home, ".tart")
}

func diskUsageRatio(path string) (float64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, err
	}
	if st.Blocks == 0 {
		return 0, nil
	}
	return 1 - float64(st.Bavail)/float64(st.Blocks), nil
}
