// Package supervisor implements the optional multi-worker parent process
// of §4.12: it forks N children re-executing the current binary, fans
// out SIGHUP/SIGUSR1, and forwards a shutdown signal with a bounded
// grace period before killing stragglers.
package supervisor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/floegence/mtrelay/internal/relerr"
)

// Environment variable names a supervised worker receives from its
// parent, matching the CLI's MTPROXY_GO_ prefix convention (§6).
const (
	EnvSupervisedWorker = "MTPROXY_GO_SUPERVISED_WORKER"
	EnvWorkerID         = "MTPROXY_GO_WORKER_ID"
	EnvSupervisorPID    = "MTPROXY_GO_SUPERVISOR_PID"
)

// shutdownGrace is how long Supervisor waits for children to exit after
// forwarding a shutdown signal before killing the rest (§4.12).
const shutdownGrace = 5 * time.Second

// childLivenessInterval is how often a supervised worker polls its
// parent pid (§4.12: "2 Hz").
const childLivenessInterval = 500 * time.Millisecond

// Config configures a Supervisor.
type Config struct {
	Workers int      // number of children to fork; Supervisor is a no-op if <= 0
	Args    []string // the child's argv, excluding argv[0]
	Env     []string // base environment; per-child vars are appended
	Stdout  *os.File
	Stderr  *os.File
}

// Supervisor owns N worker children re-executing the current binary.
type Supervisor struct {
	cfg      Config
	execPath string

	mu       sync.Mutex
	children []*exec.Cmd
}

// New constructs a Supervisor for the currently running executable.
func New(cfg Config) (*Supervisor, error) {
	path, err := os.Executable()
	if err != nil {
		return nil, err
	}
	return &Supervisor{cfg: cfg, execPath: path}, nil
}

// IsSupervisedWorker reports whether the current process was launched as
// a supervised worker, i.e. it should not itself fork children.
func IsSupervisedWorker() bool {
	return os.Getenv(EnvSupervisedWorker) == "1"
}

// WorkerID returns the current process's worker index, valid only when
// IsSupervisedWorker is true.
func WorkerID() int {
	var id int
	fmt.Sscanf(os.Getenv(EnvWorkerID), "%d", &id)
	return id
}

// spawn forks one child with worker index i.
func (s *Supervisor) spawn(i int) (*exec.Cmd, error) {
	cmd := exec.Command(s.execPath, s.cfg.Args...)
	cmd.Env = append(append([]string{}, s.cfg.Env...),
		EnvSupervisedWorker+"=1",
		fmt.Sprintf("%s=%d", EnvWorkerID, i),
		fmt.Sprintf("%s=%d", EnvSupervisorPID, os.Getpid()),
	)
	if s.cfg.Stdout != nil {
		cmd.Stdout = s.cfg.Stdout
	}
	if s.cfg.Stderr != nil {
		cmd.Stderr = s.cfg.Stderr
	}
	if err := cmd.Start(); err != nil {
		return nil, relerr.Wrap(relerr.StageSupervis, relerr.CodeSupervisorChildExit, err)
	}
	return cmd, nil
}

// Run forks every worker, then blocks fanning out SIGHUP/SIGUSR1,
// forwarding SIGTERM/SIGINT on receipt (or on ctx cancellation) with the
// §4.12 grace period, and returning a non-nil error the instant any
// child exits unexpectedly. A normal shutdown (every child forwarded
// the shutdown signal and reaped within the grace period) returns nil.
func (s *Supervisor) Run(ctx context.Context) error {
	if s.cfg.Workers <= 0 {
		return nil
	}

	s.mu.Lock()
	for i := 0; i < s.cfg.Workers; i++ {
		cmd, err := s.spawn(i)
		if err != nil {
			s.killAll(syscall.SIGTERM)
			s.mu.Unlock()
			return err
		}
		s.children = append(s.children, cmd)
	}
	children := append([]*exec.Cmd{}, s.children...)
	s.mu.Unlock()

	exited := make(chan exitReport, len(children))
	for i, cmd := range children {
		go func(i int, cmd *exec.Cmd) {
			err := cmd.Wait()
			exited <- exitReport{worker: i, err: err}
		}(i, cmd)
	}

	sig := make(chan os.Signal, 2)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP, syscall.SIGUSR1)
	defer signal.Stop(sig)

	remaining := len(children)
	for {
		select {
		case <-ctx.Done():
			return s.shutdown(exited, remaining, syscall.SIGTERM)

		case s2 := <-sig:
			switch s2 {
			case syscall.SIGHUP, syscall.SIGUSR1:
				s.forward(s2)
			default:
				return s.shutdown(exited, remaining, s2.(syscall.Signal))
			}

		case report := <-exited:
			remaining--
			// An unexpected exit: forward SIGTERM to the rest and fail.
			s.forward(syscall.SIGTERM)
			s.drainExits(exited, remaining)
			return relerr.Wrap(relerr.StageSupervis, relerr.CodeSupervisorChildExit,
				fmt.Errorf("worker %d exited unexpectedly: %v", report.worker, report.err))
		}
	}
}

type exitReport struct {
	worker int
	err    error
}

// shutdown forwards sig to every live child and waits up to the grace
// period for all of them to exit, killing stragglers on timeout. Exit
// via the forwarded signal is success (§4.12).
func (s *Supervisor) shutdown(exited chan exitReport, remaining int, sig syscall.Signal) error {
	s.forward(sig)

	deadline := time.After(shutdownGrace)
	for remaining > 0 {
		select {
		case <-exited:
			remaining--
		case <-deadline:
			s.killAll(syscall.SIGKILL)
			return nil
		}
	}
	return nil
}

// drainExits waits for the remaining children to be reaped, bounded by
// the shutdown grace period, after an unexpected-exit fast path has
// already decided the overall result.
func (s *Supervisor) drainExits(exited chan exitReport, remaining int) {
	deadline := time.After(shutdownGrace)
	for remaining > 0 {
		select {
		case <-exited:
			remaining--
		case <-deadline:
			s.killAll(syscall.SIGKILL)
			return
		}
	}
}

// forward sends sig to every started child via its pid.
func (s *Supervisor) forward(sig syscall.Signal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cmd := range s.children {
		if cmd.Process == nil {
			continue
		}
		_ = unix.Kill(cmd.Process.Pid, sig)
	}
}

func (s *Supervisor) killAll(sig syscall.Signal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cmd := range s.children {
		if cmd.Process == nil {
			continue
		}
		_ = unix.Kill(cmd.Process.Pid, sig)
	}
}

// WatchParent polls the expected supervisor pid at 2 Hz and cancels
// cancel once the real parent no longer matches (§4.12): it runs until
// ctx is done or the mismatch fires.
func WatchParent(ctx context.Context, expectedPID int, cancel context.CancelFunc) {
	ticker := time.NewTicker(childLivenessInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if unix.Getppid() != expectedPID {
				cancel()
				return
			}
		}
	}
}
