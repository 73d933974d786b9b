// Package ssh drives actionners reachable as shell commands on a remote host.
//
// One SSH client is kept per remote; every command runs in its own session
// on that client, so calls overlap freely.
package ssh

import (
	"bytes"
	"cmp"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/nerrad567/homegate/internal/protocol"
	"github.com/nerrad567/homegate/internal/transport"
)

// ProtocolName is the catalog name of this driver.
const ProtocolName = "ssh"

const defaultPort = "22"

// Config configures the driver.
type Config struct {
	// User is used when the remote does not name one.
	User string

	KeyPath    string
	Passphrase []byte

	// KnownHostsPath defaults to ~/.ssh/known_hosts.
	KnownHostsPath           string
	InsecureSkipHostKeyCheck bool
}

// Driver implements transport.Driver over SSH.
type Driver struct {
	cfg Config
}

// New creates a driver. Keys and known hosts are read on every dial.
func New(cfg Config) *Driver {
	return &Driver{cfg: cfg}
}

// Protocol implements transport.Driver.
func (d *Driver) Protocol() protocol.Protocol {
	return protocol.Protocol{
		Name:        ProtocolName,
		Description: "Commands executed on a remote host over SSH",
	}
}

// Dial connects to remote, written "[user@]host[:port]".
func (d *Driver) Dial(ctx context.Context, remote string) (transport.Conn, error) {
	user, address, err := splitRemote(remote, d.cfg.User)
	if err != nil {
		return nil, err
	}
	config, err := d.clientConfig(user)
	if err != nil {
		return nil, err
	}

	var dialer net.Dialer
	nc, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("ssh: dial %s: %w", address, err)
	}

	// The handshake has no context of its own.
	stop := context.AfterFunc(ctx, func() { nc.Close() })
	clientConn, chans, reqs, err := ssh.NewClientConn(nc, address, config)
	if !stop() {
		if err == nil {
			clientConn.Close()
		}
		return nil, fmt.Errorf("ssh: handshake with %s: %w", address, ctx.Err())
	}
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("ssh: handshake with %s: %w", address, err)
	}

	c := &conn{client: ssh.NewClient(clientConn, chans, reqs), dead: make(chan struct{})}
	go func() {
		err := c.client.Wait()
		c.fail(err)
	}()
	return c, nil
}

func splitRemote(remote, defaultUser string) (user, address string, err error) {
	host := strings.TrimSpace(remote)
	user = defaultUser
	if at := strings.LastIndex(host, "@"); at >= 0 {
		user, host = host[:at], host[at+1:]
	}
	if host == "" {
		return "", "", errors.New("ssh: remote host is required")
	}
	if user == "" {
		return "", "", errors.New("ssh: user is required")
	}
	if _, _, err := net.SplitHostPort(host); err == nil {
		return user, host, nil
	}
	return user, net.JoinHostPort(host, defaultPort), nil
}

func (d *Driver) clientConfig(user string) (*ssh.ClientConfig, error) {
	signer, err := d.signer()
	if err != nil {
		return nil, err
	}

	var hostKeyCallback ssh.HostKeyCallback
	if d.cfg.InsecureSkipHostKeyCheck {
		hostKeyCallback = ssh.InsecureIgnoreHostKey() //nolint:gosec // explicitly configured
	} else {
		hostKeyCallback, err = d.knownHostsCallback()
		if err != nil {
			return nil, err
		}
	}

	return &ssh.ClientConfig{
		User:            user,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: hostKeyCallback,
	}, nil
}

func (d *Driver) signer() (ssh.Signer, error) {
	if d.cfg.KeyPath == "" {
		return nil, errors.New("ssh: key path is required")
	}

	privateKey, err := os.ReadFile(d.cfg.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("ssh: reading key: %w", err)
	}

	var signer ssh.Signer
	if len(d.cfg.Passphrase) > 0 {
		signer, err = ssh.ParsePrivateKeyWithPassphrase(privateKey, d.cfg.Passphrase)
	} else {
		signer, err = ssh.ParsePrivateKey(privateKey)
	}
	if err != nil {
		return nil, fmt.Errorf("ssh: parsing key: %w", err)
	}
	return signer, nil
}

func (d *Driver) knownHostsCallback() (ssh.HostKeyCallback, error) {
	path := strings.TrimSpace(d.cfg.KnownHostsPath)
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, errors.New("ssh: known hosts path not set and home dir unavailable")
		}
		path = filepath.Join(home, ".ssh", "known_hosts")
	}

	cb, err := knownhosts.New(path)
	if err != nil {
		return nil, fmt.Errorf("ssh: loading known hosts: %w", err)
	}
	return cb, nil
}

// Command renders the shell line run for a command aimed at target.
func Command(command []byte, target string) string {
	cmd := strings.TrimSpace(string(command))
	if target == "" {
		return cmd
	}
	return cmd + " " + shellEscape(target)
}

func shellEscape(value string) string {
	return "'" + strings.ReplaceAll(value, "'", `'"'"'`) + "'"
}

type conn struct {
	client *ssh.Client

	failOnce sync.Once
	dead     chan struct{}
	cause    error
}

func (c *conn) fail(err error) {
	c.failOnce.Do(func() {
		c.cause = cmp.Or(err, net.ErrClosed)
		close(c.dead)
	})
}

func (c *conn) Multiplexed() bool { return true }

func (c *conn) Close() error {
	c.fail(net.ErrClosed)
	return c.client.Close()
}

func (c *conn) Send(_ context.Context, target string, command []byte) (transport.Call, error) {
	session, err := c.client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("ssh: opening session: %w", err)
	}

	cl := &call{c: c, session: session, done: make(chan struct{})}
	session.Stdout = &cl.out
	session.Stderr = &cl.out // combined, like CombinedOutput
	if err := session.Start(Command(command, target)); err != nil {
		session.Close()
		return nil, fmt.Errorf("ssh: starting command: %w", err)
	}

	go func() {
		cl.err = session.Wait()
		close(cl.done)
	}()
	return cl, nil
}

// syncBuffer lets stdout and stderr share one buffer.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

type call struct {
	c       *conn
	session *ssh.Session
	out     syncBuffer
	done    chan struct{}
	err     error
}

func (cl *call) Reply(ctx context.Context) ([]byte, error) {
	defer cl.session.Close()

	select {
	case <-cl.done:
	case <-cl.c.dead:
		return nil, fmt.Errorf("ssh: connection lost: %w", cl.c.cause)
	case <-ctx.Done():
		cl.session.Signal(ssh.SIGKILL) //nolint:errcheck // best effort
		return nil, ctx.Err()
	}

	out := bytes.TrimSpace(cl.out.buf.Bytes())
	if cl.err == nil {
		return bytes.Clone(out), nil
	}

	var exitErr *ssh.ExitError
	if errors.As(cl.err, &exitErr) {
		msg := string(out)
		if msg == "" {
			msg = fmt.Sprintf("exit status %d", exitErr.ExitStatus())
		}
		return nil, &transport.RemoteError{Message: msg}
	}
	return nil, fmt.Errorf("ssh: session: %w", cl.err)
}
