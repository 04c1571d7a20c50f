//go:build linux || darwin || dragonfly || freebsd || netbsd || openbsd

package server

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync/atomic"

	"github.com/marmos91/rpcgate/internal/logger"
	"golang.org/x/sys/unix"
)

// Forking serves every connection in a separate OS process.
//
// Handoff contract:
//   - Parent: duplicates the accepted socket, starts a child with the
//     duplicate as fd 3, closes its own handle without shutting the socket
//     down, drops it from the client set and returns immediately.
//   - Child: RunForkedChild restores the SIGCHLD disposition the parent had
//     before its reaper, starts with an empty client set, runs the gate and
//     the session on fd 3 and returns an exit code.
//
// Terminated children are collected by a ChildReaper installed by Start and
// restored by Stop. A failure in a child affects only that connection.
type Forking struct {
	opts    ForkingOptions
	r       Runner
	reaper  *ChildReaper
	spawned atomic.Int64
}

// NewForking creates a process-per-connection strategy.
func NewForking(opts ForkingOptions) (*Forking, error) {
	if opts.Path == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve executable for forking: %w", err)
		}
		opts.Path = exe
	}
	if opts.Args == nil {
		opts.Args = os.Args[1:]
	}
	return &Forking{opts: opts}, nil
}

func (f *Forking) Name() string { return "forking" }

// Start installs the child reaper.
func (f *Forking) Start(r Runner) error {
	f.r = r
	f.reaper = NewChildReaper(r.Logger(), r.Metrics())
	f.reaper.Install()
	return nil
}

// Dispatch starts a child process for c.
func (f *Forking) Dispatch(c *ClientConn) error {
	file, err := socketFile(c.Conn)
	if err != nil {
		return fmt.Errorf("failed to duplicate client socket: %w", err)
	}
	defer func() { _ = file.Close() }()

	sigchld := "default"
	if f.reaper.PreviouslyIgnored() {
		sigchld = "ignore"
	}

	env := append(os.Environ(), f.opts.Env...)
	env = append(env, ForkedChildEnv+"=1", forkedSigchldEnv+"="+sigchld)
	argv := append([]string{f.opts.Path}, f.opts.Args...)

	proc, err := os.StartProcess(f.opts.Path, argv, &os.ProcAttr{
		Env:   env,
		Files: []*os.File{os.Stdin, os.Stdout, os.Stderr, file},
	})
	if err != nil {
		return fmt.Errorf("failed to start child process: %w", err)
	}

	f.spawned.Add(1)
	f.r.Logger().Debug("child process %d serving %s", proc.Pid, c.Peer())

	// The reaper owns the exit status from here on.
	_ = proc.Release()
	c.Detach()
	return nil
}

// Stop restores the SIGCHLD disposition seen at Start.
func (f *Forking) Stop() {
	if f.reaper != nil {
		f.reaper.Restore()
	}
}

// Spawned returns the number of child processes started.
func (f *Forking) Spawned() int64 {
	return f.spawned.Load()
}

// Reaper returns the strategy's child reaper, nil before Start.
func (f *Forking) Reaper() *ChildReaper {
	return f.reaper
}

func socketFile(conn net.Conn) (*os.File, error) {
	type filer interface {
		File() (*os.File, error)
	}
	fc, ok := conn.(filer)
	if !ok {
		return nil, fmt.Errorf("connection type %T has no file descriptor", conn)
	}
	return fc.File()
}

// IsForkedChild reports whether this process was started by Forking to
// serve a single connection.
func IsForkedChild() bool {
	return os.Getenv(ForkedChildEnv) == "1"
}

// RunForkedChild serves the connection handed over by a Forking parent and
// returns the process exit code. It must be called with the service and
// configuration the parent was built with; only Authenticator and
// ProtocolConfig are used. The caller exits with the result immediately,
// without any server teardown.
func RunForkedChild(cfg Config, service Service, opts ...Option) int {
	restoreChildSignals()

	o := buildOptions(opts)
	cfg.applyDefaults()

	file := os.NewFile(forkedConnFD, "client")
	if file == nil {
		logger.Error("child process has no client socket on fd %d", forkedConnFD)
		return 1
	}
	conn, err := net.FileConn(file)
	_ = file.Close()
	if err != nil {
		logger.Error("child process cannot use client socket: %v", err)
		return 1
	}

	port := 0
	if addr, ok := conn.LocalAddr().(*net.TCPAddr); ok {
		port = addr.Port
	}
	log := logger.Named(fmt.Sprintf("%s/%d", service.Name(), port))
	log.Debug("child process created")

	p := &pipeline{
		ctx:            context.Background(),
		active:         &activeFlag{},
		service:        service,
		auth:           cfg.Authenticator,
		protocolConfig: cfg.ProtocolConfig,
		log:            log,
		metrics:        o.metrics,
		strategy:       "forking",
	}
	p.active.start()

	if err := p.Handle(newClientConn(conn, newClientSet(), nil)); err != nil {
		log.Error("child process terminated abnormally: %v", err)
		return 1
	}
	log.Debug("child process terminated")
	return 0
}

func restoreChildSignals() {
	if os.Getenv(forkedSigchldEnv) == "ignore" {
		signal.Ignore(unix.SIGCHLD)
		return
	}
	signal.Reset(unix.SIGCHLD)
}
