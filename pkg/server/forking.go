package server

const (
	// ForkedChildEnv marks a process started by the forking strategy to
	// serve a single connection.
	ForkedChildEnv = "RPCGATE_FORKED_CHILD"

	// forkedSigchldEnv carries the parent's SIGCHLD disposition from before
	// its reaper was installed: "ignore" or "default".
	forkedSigchldEnv = "RPCGATE_FORKED_SIGCHLD"

	// forkedConnFD is the descriptor the client socket occupies in the child.
	forkedConnFD = 3
)

// ForkingOptions configures how the forking strategy starts children.
//
// A child is a fresh execution of Path with Args. It inherits the accepted
// socket as file descriptor 3 and finds ForkedChildEnv=1 in its
// environment; it is expected to detect that early in main and call
// RunForkedChild with the same service and configuration as the parent.
// The listening socket is close-on-exec, so the child never holds it.
type ForkingOptions struct {
	// Path of the executable to start. Empty means the current executable.
	Path string

	// Args passed to the child, without argv[0]. nil means os.Args[1:].
	Args []string

	// Env is appended to the parent's environment.
	Env []string
}
