//go:build linux || darwin || dragonfly || freebsd || netbsd || openbsd

package server

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"

	"github.com/marmos91/rpcgate/internal/logger"
	"github.com/marmos91/rpcgate/pkg/metrics"
	"golang.org/x/sys/unix"
)

// ChildReaper collects the exit status of terminated child processes so
// they do not linger as zombies.
//
// Install subscribes to SIGCHLD. On each delivery the reaper collects every
// child that has exited, since several exits can collapse into one signal,
// then re-arms the subscription. Restore unsubscribes and puts back the
// disposition SIGCHLD had before Install.
//
// The reaper waits for any child (pid -1), so it also collects children
// started elsewhere in the process; exec.Cmd.Wait on such a child then
// fails with ECHILD.
type ChildReaper struct {
	log     *logger.Scoped
	metrics metrics.ServerMetrics

	sigs    chan os.Signal
	done    chan struct{}
	stopped chan struct{}

	// wasIgnored records whether SIGCHLD was ignored before Install
	wasIgnored bool

	installed   atomic.Bool
	restoreOnce sync.Once
	reaped      atomic.Int64
}

// NewChildReaper creates a reaper. Nil arguments get a default logger and
// no-op metrics.
func NewChildReaper(log *logger.Scoped, m metrics.ServerMetrics) *ChildReaper {
	if log == nil {
		log = logger.Named("reaper")
	}
	if m == nil {
		m = metrics.NewNoopServerMetrics()
	}
	return &ChildReaper{
		log:     log,
		metrics: m,
		sigs:    make(chan os.Signal, 1),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

// Install records the current SIGCHLD disposition, arms the subscription
// and starts the reaping goroutine. Calls after the first are ignored.
func (r *ChildReaper) Install() {
	if !r.installed.CompareAndSwap(false, true) {
		return
	}
	r.wasIgnored = signal.Ignored(unix.SIGCHLD)
	r.Arm()
	go r.loop()
	r.log.Debug("child reaper installed (SIGCHLD previously ignored: %t)", r.wasIgnored)
}

// Arm (re)subscribes to SIGCHLD. Go keeps a subscription across
// deliveries, so re-arming after each delivery is idempotent.
func (r *ChildReaper) Arm() {
	signal.Notify(r.sigs, unix.SIGCHLD)
}

// Reap collects every child that has already exited without blocking.
// Returns how many were collected.
func (r *ChildReaper) Reap() int {
	n := 0
	for {
		var status unix.WaitStatus
		pid, err := unix.Wait4(-1, &status, unix.WNOHANG, nil)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil || pid <= 0 {
			break
		}
		n++
		r.log.Debug("reaped child %d (%s)", pid, describeWaitStatus(status))
	}

	if n > 0 {
		r.reaped.Add(int64(n))
		r.metrics.RecordChildrenReaped(n)
	}
	return n
}

// Restore stops the reaper, collects any child that already exited, and
// reinstates the SIGCHLD disposition seen by Install. Safe to call more
// than once, and before Install.
func (r *ChildReaper) Restore() {
	if !r.installed.Load() {
		return
	}
	r.restoreOnce.Do(func() {
		signal.Stop(r.sigs)
		close(r.done)
		<-r.stopped

		r.Reap()
		if r.wasIgnored {
			signal.Ignore(unix.SIGCHLD)
		}
		r.log.Debug("child reaper restored previous SIGCHLD disposition")
	})
}

// PreviouslyIgnored reports whether SIGCHLD was ignored before Install.
func (r *ChildReaper) PreviouslyIgnored() bool {
	return r.wasIgnored
}

// Reaped returns the total number of children collected.
func (r *ChildReaper) Reaped() int64 {
	return r.reaped.Load()
}

func (r *ChildReaper) loop() {
	defer close(r.stopped)
	for {
		select {
		case <-r.sigs:
			r.Reap()
			r.Arm()
		case <-r.done:
			return
		}
	}
}

func describeWaitStatus(ws unix.WaitStatus) string {
	switch {
	case ws.Exited():
		return fmt.Sprintf("exit status %d", ws.ExitStatus())
	case ws.Signaled():
		return fmt.Sprintf("killed by %v", ws.Signal())
	default:
		return fmt.Sprintf("status %#x", uint32(ws))
	}
}
