package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"time"

	"github.com/dubplane/dubplane/pkg/config"
)

// Stage failure classifications surfaced on the job.
var (
	// ErrPhaseTimeout marks a stage killed for exceeding its deadline.
	ErrPhaseTimeout = errors.New("phase timeout")
	// ErrCanceled marks a stage killed by a cancel request.
	ErrCanceled = errors.New("canceled")
)

// childMemEnv passes the optional RLIMIT_AS cap (in MB) to the child.
const childMemEnv = "DUBPLANE_CHILD_MAX_MEM_MB"

// CancelCheck reports whether the job was asked to stop. Polled at the
// watchdog interval, so it must be cheap.
type CancelCheck func() bool

// Supervisor launches stage children and enforces deadline, cancellation
// and memory policy on them.
type Supervisor struct {
	cfg config.WatchdogConfig
	// executable is the binary re-exec'd with the stage-worker subcommand.
	executable string
}

// NewSupervisor builds a supervisor re-executing the current binary for
// stage children.
func NewSupervisor(cfg config.WatchdogConfig) (*Supervisor, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("resolving own executable: %w", err)
	}
	return &Supervisor{cfg: cfg, executable: exe}, nil
}

// RunStage executes one stage in an isolated child and returns its
// response. The child gets the request over stdin and answers over stdout,
// both as length-prefixed JSON frames; its stderr flows into stageLog.
// Deadline or cancel kills the child: SIGTERM, a short grace, then SIGKILL.
func (s *Supervisor) RunStage(ctx context.Context, req StageRequest, cancelCheck CancelCheck, stageLog *os.File) (*StageResponse, error) {
	timeout := s.cfg.TimeoutFor(req.Stage)
	deadline := time.Now().Add(timeout)

	cmd := exec.Command(s.executable, "stage-worker")
	cmd.Env = append(os.Environ(), fmt.Sprintf("%s=%d", childMemEnv, s.cfg.ChildMaxMemMB))
	cmd.Stderr = stageLog

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting stage child: %w", err)
	}

	if err := WriteFrame(stdin, req); err != nil {
		s.kill(cmd)
		cmd.Wait()
		return nil, fmt.Errorf("sending stage request: %w", err)
	}
	stdin.Close()

	// Read the response concurrently; the poll loop below decides whether
	// the child finished, timed out or was canceled.
	type result struct {
		resp StageResponse
		err  error
	}
	done := make(chan result, 1)
	go func() {
		var resp StageResponse
		err := ReadFrame(stdout, &resp)
		done <- result{resp: resp, err: err}
	}()

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case r := <-done:
			waitErr := cmd.Wait()
			if r.err != nil {
				if waitErr != nil {
					return nil, fmt.Errorf("stage child crashed: %w", waitErr)
				}
				return nil, fmt.Errorf("reading stage response: %w", r.err)
			}
			return &r.resp, nil

		case <-ticker.C:
			if cancelCheck != nil && cancelCheck() {
				slog.Info("Cancel requested, killing stage child",
					"job_id", req.JobID, "stage", req.Stage)
				s.kill(cmd)
				cmd.Wait()
				return nil, ErrCanceled
			}
			if time.Now().After(deadline) {
				slog.Warn("Stage deadline exceeded, killing child",
					"job_id", req.JobID, "stage", req.Stage, "timeout", timeout)
				s.kill(cmd)
				cmd.Wait()
				return nil, fmt.Errorf("%w: stage %s exceeded %s", ErrPhaseTimeout, req.Stage, timeout)
			}

		case <-ctx.Done():
			s.kill(cmd)
			cmd.Wait()
			return nil, ErrCanceled
		}
	}
}

// kill asks the child to terminate, waits the grace period, then forces it.
func (s *Supervisor) kill(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	_ = terminate(cmd.Process)
	exited := make(chan struct{})
	go func() {
		for {
			// Signal 0 probes liveness without delivering anything.
			if !processAlive(cmd.Process) {
				close(exited)
				return
			}
			time.Sleep(50 * time.Millisecond)
		}
	}()
	select {
	case <-exited:
	case <-time.After(s.cfg.TermGrace):
		_ = cmd.Process.Kill()
	}
}
