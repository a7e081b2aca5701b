// Package sshexec provides the password-authenticated remote shell used for
// all in-guest command execution and file transfer. Host keys are not checked:
// every target is an ephemeral VM on a private interface whose key was minted
// seconds ago.
package sshexec

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
	"golang.org/x/xerrors"
)

// Result captures a single remote command execution.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Client is an established shell connection to a guest.
type Client struct {
	addr string
	conn *ssh.Client
}

// Dial connects to addr:22 with password authentication. It respects the
// context deadline for the TCP connect.
func Dial(ctx context.Context, addr, user, password string) (*Client, error) {
	cfg := &ssh.ClientConfig{
		User:            user,
		Auth:            []ssh.AuthMethod{ssh.Password(password)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         10 * time.Second,
	}

	var d net.Dialer
	tcp, err := d.DialContext(ctx, "tcp", net.JoinHostPort(addr, "22"))
	if err != nil {
		return nil, xerrors.Errorf("cannot reach shell on %s: %w", addr, err)
	}
	conn, chans, reqs, err := ssh.NewClientConn(tcp, addr, cfg)
	if err != nil {
		tcp.Close()
		return nil, xerrors.Errorf("cannot establish shell on %s: %w", addr, err)
	}

	return &Client{addr: addr, conn: ssh.NewClient(conn, chans, reqs)}, nil
}

// Close terminates the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Exec runs a command in the guest and captures its output. A non-zero exit
// code is not an error; callers decide what a failed command means.
func (c *Client) Exec(ctx context.Context, command string) (*Result, error) {
	return c.exec(ctx, command, nil, nil)
}

// ExecStream runs a command with stdout and stderr streamed to out as the
// command produces them, in addition to being captured in the result.
func (c *Client) ExecStream(ctx context.Context, command string, out io.Writer) (*Result, error) {
	return c.exec(ctx, command, nil, out)
}

func (c *Client) exec(ctx context.Context, command string, stdin io.Reader, stream io.Writer) (*Result, error) {
	session, err := c.conn.NewSession()
	if err != nil {
		return nil, xerrors.Errorf("cannot open shell session on %s: %w", c.addr, err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdin = stdin
	session.Stdout = &stdout
	session.Stderr = &stderr
	if stream != nil {
		session.Stdout = io.MultiWriter(&stdout, stream)
		session.Stderr = io.MultiWriter(&stderr, stream)
	}

	log.WithFields(log.Fields{"addr": c.addr, "command": command}).Debug("executing remote command")

	done := make(chan error, 1)
	go func() { done <- session.Run(command) }()

	select {
	case <-ctx.Done():
		// closing the session tears down the remote process
		_ = session.Signal(ssh.SIGKILL)
		return nil, ctx.Err()
	case err = <-done:
	}

	res := &Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if err == nil {
		return res, nil
	}
	var exitErr *ssh.ExitError
	if ok := xerrors.As(err, &exitErr); ok {
		res.ExitCode = exitErr.ExitStatus()
		return res, nil
	}
	return nil, xerrors.Errorf("remote command failed on %s: %w", c.addr, err)
}

// CopyTree streams a local directory into the guest as a tar archive and
// unpacks it at dst. This is the degraded-mode replacement for a shared
// directory mount.
func (c *Client) CopyTree(ctx context.Context, src, dst string) error {
	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(writeTar(src, pw))
	}()

	res, err := c.exec(ctx, fmt.Sprintf("mkdir -p %q && tar -x -C %q -f -", dst, dst), pr, nil)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return xerrors.Errorf("unpacking archive in guest failed (exit %d): %s", res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return nil
}

// WriteFile places content at dst in the guest with the given mode.
func (c *Client) WriteFile(ctx context.Context, dst string, content []byte, mode os.FileMode) error {
	res, err := c.exec(ctx, fmt.Sprintf("cat > %q && chmod %o %q", dst, mode, dst), bytes.NewReader(content), nil)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return xerrors.Errorf("writing %s in guest failed (exit %d): %s", dst, res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return nil
}

func writeTar(root string, w io.Writer) error {
	tw := tar.NewWriter(w)
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}

		var link string
		if info.Mode()&os.ModeSymlink != 0 {
			if link, err = os.Readlink(path); err != nil {
				return err
			}
		}
		hdr, err := tar.FileInfoHeader(info, link)
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}

		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
	if err != nil {
		return err
	}
	return tw.Close()
}
