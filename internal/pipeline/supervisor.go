// Package pipeline wires the pieces into the two process roles.
//
// The supervisor process hosts the queue server, the consumer and the
// reclaim guard, and spawns one worker subprocess per configured camera by
// re-executing its own binary with the worker flag. Worker processes host
// exactly one camera each; a crashed camera driver takes down its worker,
// never the supervisor.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/visiona/multicam/internal/config"
	"github.com/visiona/multicam/internal/consume"
	"github.com/visiona/multicam/internal/queue"
	"github.com/visiona/multicam/internal/reclaim"
	"github.com/visiona/multicam/internal/segment"
)

// Process exit codes shared between supervisor and workers.
const (
	ExitOK = 0
	// ExitFailure covers camera failures and the consumer's failure
	// threshold.
	ExitFailure = 1
	// ExitExhausted is a worker's way of reporting shared-memory
	// exhaustion; the supervisor treats it as fatal for the whole run.
	ExitExhausted = 2
)

// workerStopGrace is how long an exiting worker gets between SIGTERM and
// SIGKILL.
const workerStopGrace = 5 * time.Second

// ExitCodeFor maps a worker error to its process exit code.
func ExitCodeFor(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, segment.ErrAllocation):
		return ExitExhausted
	default:
		return ExitFailure
	}
}

type workerExit struct {
	serial string
	code   int
	err    error
}

// Snapshot is a periodic view of pipeline health for the stats reporter.
type Snapshot struct {
	Uptime  time.Duration
	Queue   queue.Stats
	Cameras map[string]consume.CameraStats
	// Tracked is the number of segment files currently on disk for this
	// run, Swept the total the guard removed.
	Tracked int
	Swept   uint64
}

// Supervisor runs the consumer side and manages worker subprocesses.
type Supervisor struct {
	cfg  *config.Config
	proc consume.Processor
	log  *slog.Logger

	// StatsInterval > 0 enables periodic reporting through StatsFunc.
	StatsInterval time.Duration
	StatsFunc     func(Snapshot)

	// execPath is the binary re-executed for workers. Defaults to the
	// running executable.
	execPath string
}

// NewSupervisor creates a supervisor for cfg that feeds frames to proc.
func NewSupervisor(cfg *config.Config, proc consume.Processor, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{cfg: cfg, proc: proc, log: logger}
}

// Run executes the pipeline until ctx is cancelled or a fatal condition
// stops it, and returns the process exit code.
func (s *Supervisor) Run(ctx context.Context) int {
	reg := segment.NewRegistry(s.cfg.ShmDir, s.cfg.RunID)
	q := queue.New(s.cfg.QueueCapacity)

	srv := queue.NewServer(q, s.cfg.SocketPath, s.cfg.PushTimeout, s.log)
	if err := srv.Start(); err != nil {
		s.log.Error("pipeline: start queue server", "error", err)
		return ExitFailure
	}
	defer srv.Close()

	consumer := consume.New(q, reg, s.proc, s.cfg.PopTimeout, s.cfg.FailureLimit, s.log)

	guard, err := reclaim.New(reg, func(name string) bool {
		return q.Contains(name) || consumer.InFlight(name)
	}, s.log)
	if err != nil {
		s.log.Error("pipeline: start reclaim guard", "error", err)
		return ExitFailure
	}
	defer guard.Close()

	workers, exits, err := s.spawnWorkers()
	if err != nil {
		s.log.Error("pipeline: spawn workers", "error", err)
		return ExitFailure
	}

	consumerDone := make(chan error, 1)
	go func() { consumerDone <- consumer.Run(ctx) }()

	if s.StatsInterval > 0 && s.StatsFunc != nil {
		stopStats := s.reportStats(q, consumer, guard)
		defer stopStats()
	}

	s.log.Info("pipeline: running",
		"run_id", s.cfg.RunID,
		"cameras", len(workers),
		"queue_capacity", s.cfg.QueueCapacity,
		"segment_bytes", s.cfg.SegmentBytes,
		"socket", s.cfg.SocketPath)

	code := ExitOK
	consumerExited := false

	for {
		select {
		case <-ctx.Done():
			s.log.Info("pipeline: shutdown requested")
			s.stopWorkers(workers)
			s.drainExits(exits, workers, guard)
			return s.finish(q, consumer, guard, consumerDone, consumerExited, code)

		case exit := <-exits:
			delete(workers, exit.serial)
			guard.OnWorkerExit(exit.serial)
			switch exit.code {
			case ExitOK:
				s.log.Info("pipeline: worker exited cleanly", "camera", exit.serial)
			case ExitExhausted:
				s.log.Error("pipeline: worker reports shared memory exhausted, stopping pipeline",
					"camera", exit.serial)
				code = ExitExhausted
				s.stopWorkers(workers)
				s.drainExits(exits, workers, guard)
				return s.finish(q, consumer, guard, consumerDone, consumerExited, code)
			default:
				// One camera down; the rest keep capturing.
				s.log.Error("pipeline: worker failed",
					"camera", exit.serial, "code", exit.code, "error", exit.err)
				if code == ExitOK {
					code = ExitFailure
				}
			}
			if len(workers) == 0 {
				s.log.Info("pipeline: all workers exited")
				return s.finish(q, consumer, guard, consumerDone, consumerExited, code)
			}

		case err := <-consumerDone:
			consumerExited = true
			if err != nil {
				s.log.Error("pipeline: consumer aborted", "error", err)
				code = ExitFailure
				s.stopWorkers(workers)
				s.drainExits(exits, workers, guard)
				return s.finish(q, consumer, guard, consumerDone, consumerExited, code)
			}
			// A nil return before shutdown means the queue was drained;
			// keep waiting for workers.
		}
	}
}

// finish drains and releases everything still buffered, then removes all
// remaining segment files. Call with no worker running.
func (s *Supervisor) finish(q *queue.Queue, consumer *consume.Consumer, guard *reclaim.Guard,
	consumerDone <-chan error, consumerExited bool, code int) int {

	q.Shutdown()
	if !consumerExited {
		if err := <-consumerDone; err != nil {
			s.log.Error("pipeline: consumer aborted during drain", "error", err)
			code = ExitFailure
		}
	}
	if n := consumer.Drain(); n > 0 {
		s.log.Info("pipeline: released undelivered frames", "count", n)
	}
	guard.SweepAll()

	qs := q.Stats()
	s.log.Info("pipeline: stopped",
		"pushed", qs.Pushed, "popped", qs.Popped, "rejected", qs.Rejected,
		"swept", guard.Swept(), "exit_code", code)
	return code
}

// reportStats runs the periodic snapshot loop until the returned stop func
// is called.
func (s *Supervisor) reportStats(q *queue.Queue, consumer *consume.Consumer, guard *reclaim.Guard) func() {
	stop := make(chan struct{})
	done := make(chan struct{})
	start := time.Now()

	go func() {
		defer close(done)
		ticker := time.NewTicker(s.StatsInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				s.StatsFunc(Snapshot{
					Uptime:  time.Since(start),
					Queue:   q.Stats(),
					Cameras: consumer.Stats(),
					Tracked: guard.Tracked(),
					Swept:   guard.Swept(),
				})
			}
		}
	}()
	return func() {
		close(stop)
		<-done
	}
}

// spawnWorkers re-executes this binary once per camera.
func (s *Supervisor) spawnWorkers() (map[string]*exec.Cmd, chan workerExit, error) {
	exe := s.execPath
	if exe == "" {
		var err error
		exe, err = os.Executable()
		if err != nil {
			return nil, nil, fmt.Errorf("pipeline: resolve executable: %w", err)
		}
	}

	workers := make(map[string]*exec.Cmd, len(s.cfg.Cameras))
	exits := make(chan workerExit, len(s.cfg.Cameras))

	for _, cam := range s.cfg.Cameras {
		cmd := exec.Command(exe, "-worker", "-camera", cam.Serial)
		cmd.Env = append(os.Environ(), s.cfg.Environ()...)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		if err := cmd.Start(); err != nil {
			for serial, running := range workers {
				s.log.Warn("pipeline: killing already-started worker", "camera", serial)
				running.Process.Kill()
				running.Wait()
			}
			return nil, nil, fmt.Errorf("pipeline: start worker for %s: %w", cam.Serial, err)
		}
		s.log.Info("pipeline: worker started", "camera", cam.Alias, "pid", cmd.Process.Pid)
		workers[cam.Serial] = cmd

		go func(serial string, cmd *exec.Cmd) {
			err := cmd.Wait()
			exits <- workerExit{serial: serial, code: cmd.ProcessState.ExitCode(), err: err}
		}(cam.Serial, cmd)
	}
	return workers, exits, nil
}

// stopWorkers asks every running worker to stop. SIGTERM triggers the
// worker's context cancellation; escalation happens in drainExits.
func (s *Supervisor) stopWorkers(workers map[string]*exec.Cmd) {
	for serial, cmd := range workers {
		if err := cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
			s.log.Warn("pipeline: signal worker", "camera", serial, "error", err)
		}
	}
}

// drainExits waits for the remaining workers, killing stragglers after the
// grace period, and sweeps each camera's orphans as it goes.
func (s *Supervisor) drainExits(exits chan workerExit, workers map[string]*exec.Cmd, guard *reclaim.Guard) {
	if len(workers) == 0 {
		return
	}
	grace := time.NewTimer(workerStopGrace)
	defer grace.Stop()

	for len(workers) > 0 {
		select {
		case exit := <-exits:
			delete(workers, exit.serial)
			guard.OnWorkerExit(exit.serial)
			if exit.code != ExitOK {
				s.log.Warn("pipeline: worker exited during shutdown",
					"camera", exit.serial, "code", exit.code)
			}
		case <-grace.C:
			for serial, cmd := range workers {
				s.log.Warn("pipeline: worker did not stop in time, killing", "camera", serial)
				cmd.Process.Kill()
			}
		}
	}
}
