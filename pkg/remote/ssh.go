package remote

import (
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/ssh"
)

// Executor opens remote execution sessions on scheduled machines.
type Executor interface {
	Open(host, user, keyPath string) (Session, error)
}

// Session is one job's connection to its machine. Start dispatches the
// job command without waiting for it; Exec runs a short command (the
// completion probe) and returns its trimmed output.
type Session interface {
	ID() string
	Start(cmd string) error
	Exec(cmd string) (string, error)
	Close() error
}

// SSHExecutor connects over SSH with public-key auth. Host keys are not
// verified; the machines are provisioned by the same operator that wrote
// the schedule.
type SSHExecutor struct {
	dialTimeout time.Duration
}

func NewSSHExecutor() *SSHExecutor {
	return &SSHExecutor{dialTimeout: 30 * time.Second}
}

func (e *SSHExecutor) Open(host, user, keyPath string) (Session, error) {
	key, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("reading private key %s: %w", keyPath, err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("parsing private key %s: %w", keyPath, err)
	}

	cfg := &ssh.ClientConfig{
		User:            user,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         e.dialTimeout,
	}

	client, err := ssh.Dial("tcp", net.JoinHostPort(host, "22"), cfg)
	if err != nil {
		return nil, fmt.Errorf("dialing %s@%s: %w", user, host, err)
	}

	return &sshSession{id: uuid.NewString(), client: client}, nil
}

type sshSession struct {
	id     string
	client *ssh.Client
}

func (s *sshSession) ID() string { return s.id }

func (s *sshSession) Start(cmd string) error {
	sess, err := s.client.NewSession()
	if err != nil {
		return fmt.Errorf("opening session: %w", err)
	}
	if err := sess.Start(cmd); err != nil {
		sess.Close()
		return fmt.Errorf("starting command: %w", err)
	}
	// Reap the remote process whenever it finishes; completion is
	// observed through the probe, not through this session.
	go func() {
		_ = sess.Wait()
		_ = sess.Close()
	}()
	return nil
}

func (s *sshSession) Exec(cmd string) (string, error) {
	sess, err := s.client.NewSession()
	if err != nil {
		return "", fmt.Errorf("opening session: %w", err)
	}
	defer sess.Close()

	out, err := sess.Output(cmd)
	if err != nil {
		return "", fmt.Errorf("running %q: %w", cmd, err)
	}
	return strings.TrimSpace(string(out)), nil
}

func (s *sshSession) Close() error {
	return s.client.Close()
}
