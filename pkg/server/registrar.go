package server

import (
	"context"
	"fmt"
	"time"
)

// RegistrarPollInterval is how often the registration loop checks whether
// a new registration is due and whether the server is still active.
const RegistrarPollInterval = time.Second

// Registrar announces a service to an external registry.
//
// Registration is best effort: errors are logged by the server and never
// affect serving.
type Registrar interface {
	// Register announces aliases as served on port.
	Register(ctx context.Context, aliases []string, port int) error

	// Unregister withdraws every alias registered for port.
	Unregister(ctx context.Context, port int) error

	// ReregisterInterval is the period between registrations. Registries
	// expire entries that are not refreshed.
	ReregisterInterval() time.Duration
}

// registerLoop re-registers the service every ReregisterInterval until the
// server stops. The first registration is immediate.
func (s *Server) registerLoop() {
	defer s.wg.Done()

	interval := s.config.Registrar.ReregisterInterval()
	poll := RegistrarPollInterval
	if interval > 0 && interval < poll {
		poll = interval
	}
	s.log.Info("started background auto-register loop (interval = %v)", interval)

	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	var next time.Time
	for s.active.Load() {
		if now := time.Now(); !now.Before(next) {
			next = now.Add(interval)
			s.register()
		}

		select {
		case <-ticker.C:
		case <-s.closing:
		}
	}
	s.log.Debug("background auto-register loop finished")
}

func (s *Server) register() {
	defer s.recoverRegistrar("register")

	ctx, cancel := context.WithTimeout(s.requestCtx, s.config.ShutdownTimeout)
	defer cancel()

	err := s.config.Registrar.Register(ctx, s.service.Aliases(), s.addr.Port)
	s.metrics.RecordRegistration("register", err)
	if err != nil {
		s.log.Error("error registering services: %v", err)
	}
}

// unregister is called once by Close. It must not use requestCtx, which
// Close has already cancelled.
func (s *Server) unregister() {
	defer s.recoverRegistrar("unregister")

	ctx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()

	err := s.config.Registrar.Unregister(ctx, s.addr.Port)
	s.metrics.RecordRegistration("unregister", err)
	if err != nil {
		s.log.Error("error unregistering services: %v", err)
	}
}

func (s *Server) recoverRegistrar(op string) {
	if r := recover(); r != nil {
		s.metrics.RecordRegistration(op, fmt.Errorf("panic: %v", r))
		s.log.Error("registrar panicked during %s: %v", op, r)
	}
}
