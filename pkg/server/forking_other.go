//go:build !(linux || darwin || dragonfly || freebsd || netbsd || openbsd)

package server

import "github.com/marmos91/rpcgate/internal/logger"

// Forking is unavailable on this platform; NewForking always fails.
type Forking struct{}

// NewForking returns ErrUnsupportedPlatform.
func NewForking(ForkingOptions) (*Forking, error) {
	return nil, ErrUnsupportedPlatform
}

func (f *Forking) Name() string                 { return "forking" }
func (f *Forking) Start(Runner) error           { return ErrUnsupportedPlatform }
func (f *Forking) Dispatch(c *ClientConn) error { return ErrUnsupportedPlatform }
func (f *Forking) Stop()                        {}

// IsForkedChild always reports false on this platform.
func IsForkedChild() bool { return false }

// RunForkedChild fails on this platform.
func RunForkedChild(Config, Service, ...Option) int {
	logger.Error("%v", ErrUnsupportedPlatform)
	return 1
}
