// Package background tracks long-running shells started in background mode:
// the registry owns the child process, a cancellation scope, and rolling
// stdout/stderr buffers, exposing out-of-band output retrieval and kill.
// Grounded on the teacher's sandbox.ProcessSandbox (process-group execution,
// SysProcAttr isolation) adapted from synchronous to backgrounded execution.
package background

import (
	"bytes"
	"fmt"
	"math/rand"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/ngoclaw/ngoclaw/gateway/internal/domain/cancel"
	"github.com/ngoclaw/ngoclaw/gateway/pkg/errors"
)

// Status is the lifecycle state of a background shell.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusKilled    Status = "killed"
)

const idAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// shell is the registry's internal record for one background process.
type shell struct {
	mu       sync.Mutex
	id       string
	cmd      *exec.Cmd
	scope    *cancel.Scope
	stdout   *bytes.Buffer
	stderr   *bytes.Buffer
	status   Status
	exitCode int
	err      error
	readPos  int // bytes already delivered via incremental output reads
	done     chan struct{}
}

// Output is a snapshot returned by Output(). For an incremental read,
// Stdout only covers bytes not previously returned by an incremental read on
// this shell; Stderr is always the whole stderr buffer.
type Output struct {
	Stdout   string
	Stderr   string
	Status   Status
	ExitCode int
}

// Registry is process-unique and durable only in memory for the process
// lifetime — it is never persisted to disk.
type Registry struct {
	mu     sync.Mutex
	shells map[string]*shell
	rng    *rand.Rand
}

// New creates an empty background task registry.
func New() *Registry {
	return &Registry{
		shells: make(map[string]*shell),
		rng:    rand.New(rand.NewSource(1)),
	}
}

// Spawn starts command under bash -c in the background, returning a
// process-unique alphanumeric shell_id immediately.
func (r *Registry) Spawn(parent *cancel.Scope, workDir, command string) (string, error) {
	scope := parent.Child()
	cmd := exec.CommandContext(scope.Context(), "bash", "-c", command)
	cmd.Dir = workDir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	sh := &shell{
		stdout: &bytes.Buffer{},
		stderr: &bytes.Buffer{},
		status: StatusRunning,
		scope:  scope,
		done:   make(chan struct{}),
	}
	cmd.Stdout = sh.stdout
	cmd.Stderr = sh.stderr
	sh.cmd = cmd

	id := r.newID()
	sh.id = id

	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("background: start %s: %w", command, err)
	}

	r.mu.Lock()
	r.shells[id] = sh
	r.mu.Unlock()

	go r.wait(sh)

	return id, nil
}

func (r *Registry) wait(sh *shell) {
	err := sh.cmd.Wait()
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if sh.status == StatusKilled {
		close(sh.done)
		return
	}
	if err != nil {
		sh.status = StatusFailed
		sh.err = err
		if exitErr, ok := err.(*exec.ExitError); ok {
			sh.exitCode = exitErr.ExitCode()
		}
	} else {
		sh.status = StatusCompleted
	}
	close(sh.done)
}

// Output returns buffered output plus status. When incremental is true,
// Stdout only includes bytes not previously returned to an incremental reader
// of this shell, and the stdout read position advances; two incremental reads
// never overlap on stdout. Stderr has no read position: every call returns
// the whole stderr buffer. When incremental is false, the full buffers are
// returned.
// If timeout > 0 and the shell is still running, Output waits up to timeout
// for it to finish before returning the current snapshot.
func (r *Registry) Output(id string, incremental bool, timeout time.Duration) (Output, error) {
	sh, err := r.find(id)
	if err != nil {
		return Output{}, err
	}

	if timeout > 0 {
		select {
		case <-sh.done:
		case <-time.After(timeout):
		}
	}

	sh.mu.Lock()
	defer sh.mu.Unlock()

	full := sh.stdout.String()
	out := Output{Stderr: sh.stderr.String(), Status: sh.status, ExitCode: sh.exitCode}
	if incremental {
		if sh.readPos > len(full) {
			sh.readPos = len(full)
		}
		out.Stdout = full[sh.readPos:]
		sh.readPos = len(full)
	} else {
		out.Stdout = full
	}
	return out, nil
}

// Kill cancels the shell's cancellation scope and reaps the process group.
func (r *Registry) Kill(id string) error {
	sh, err := r.find(id)
	if err != nil {
		return err
	}

	sh.mu.Lock()
	if sh.status != StatusRunning {
		sh.mu.Unlock()
		return nil
	}
	sh.status = StatusKilled
	pid := sh.cmd.Process.Pid
	sh.mu.Unlock()

	sh.scope.ForceCancel(cancel.ReasonManual)
	_ = syscall.Kill(-pid, syscall.SIGKILL)

	<-sh.done
	return nil
}

func (r *Registry) find(id string) (*shell, error) {
	if !ValidID(id) {
		return nil, errors.NewInvalidInputError(fmt.Sprintf("background: invalid shell id %q", id))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	sh, ok := r.shells[id]
	if !ok {
		return nil, errors.NewNotFoundError(fmt.Sprintf("background: no such shell %q", id))
	}
	return sh, nil
}

func (r *Registry) newID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	for {
		b := make([]byte, 12)
		for i := range b {
			b[i] = idAlphabet[r.rng.Intn(len(idAlphabet))]
		}
		id := string(b)
		if _, exists := r.shells[id]; !exists {
			return id
		}
	}
}

// ValidID reports whether id is alphanumeric-only and non-empty, the input
// validation required before a shell_id reaches the registry.
func ValidID(id string) bool {
	if id == "" {
		return false
	}
	for _, r := range id {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9') {
			return false
		}
	}
	return true
}
