// Package server wires together the reactor, timeout wheel, listener
// acceptor, and connection state machine into a single cooperative loop:
// one goroutine, no worker pool, no per-connection concurrency.
//
// Shaped after the top-level StartEpoll loop in engine/epoll.go
// (EpollWait, then react to each event), stripped of its
// jobs-channel/worker-pool dispatch — everything here runs straight on
// the loop goroutine — and fitted with a timewheel-driven deadline
// instead of an epoll-only wait.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mmahmood233/localhost/internal/conn"
	"github.com/mmahmood233/localhost/internal/config"
	"github.com/mmahmood233/localhost/internal/reactor"
	"github.com/mmahmood233/localhost/internal/timewheel"
)

// Server owns every listener, the shared reactor and timewheel, and the
// registry mapping every live fd (client sockets and in-flight CGI
// pipes) back to the Connection that owns it.
type Server struct {
	cfg *config.Config
	log *slog.Logger

	reactor reactor.Reactor
	wheel   *timewheel.Wheel

	listeners    []*conn.Listener
	byListenerFD map[int]*conn.Listener
	byFD         map[int]*conn.Connection
	extraFD      map[int]*conn.Connection

	// atCapacity is true while every listener's read interest is paused
	// because byFD is full; acceptAll sets it, reconcile clears it once a
	// slot frees up.
	atCapacity bool
}

// New builds a Server from a validated config but does not bind any
// sockets yet; call Run to do that and start serving.
func New(cfg *config.Config, log *slog.Logger) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	r, err := reactor.New()
	if err != nil {
		return nil, fmt.Errorf("server: new reactor: %w", err)
	}

	s := &Server{
		cfg:          cfg,
		log:          log,
		reactor:      r,
		wheel:        timewheel.New(),
		byListenerFD: make(map[int]*conn.Listener),
		byFD:         make(map[int]*conn.Connection),
		extraFD:      make(map[int]*conn.Connection),
	}

	for _, lc := range cfg.Listeners {
		shared := &conn.Shared{
			Listener:  lc,
			Limits:    cfg.Limits,
			Timeouts:  cfg.Timeouts,
			ServerTag: cfg.ServerTag,
		}
		l, err := conn.Listen(lc.Address, lc.Port, shared)
		if err != nil {
			r.Close()
			return nil, fmt.Errorf("server: listen %s:%d: %w", lc.Address, lc.Port, err)
		}
		if err := l.Register(r); err != nil {
			r.Close()
			return nil, fmt.Errorf("server: register listener: %w", err)
		}
		s.listeners = append(s.listeners, l)
		s.byListenerFD[l.Fd()] = l
		s.log.Info("listening", "address", lc.Address, "port", lc.Port)
	}

	return s, nil
}

// Run is the event loop. It returns when ctx is cancelled, after closing
// every live connection and listener.
func (s *Server) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return s.shutdown()
		}

		events, err := s.reactor.Wait(s.nextTimeout())
		if err != nil {
			return fmt.Errorf("server: reactor wait: %w", err)
		}
		for _, ev := range events {
			s.handleEvent(ev)
		}

		for _, exp := range s.wheel.Expired(time.Now()) {
			c, ok := s.byFD[exp.ID]
			if !ok {
				continue
			}
			c.OnTimeout(exp.Reason)
			s.reconcile(c)
		}
	}
}

// idlePollInterval bounds how long Wait blocks when the timewheel is
// empty, so Run notices a cancelled context promptly even with no
// connections open rather than sleeping until the next one arrives.
const idlePollInterval = time.Second

func (s *Server) nextTimeout() time.Duration {
	deadline, ok := s.wheel.Earliest()
	if !ok {
		return idlePollInterval
	}
	if d := time.Until(deadline); d > 0 {
		if d < idlePollInterval {
			return d
		}
		return idlePollInterval
	}
	return 0
}

func (s *Server) handleEvent(ev reactor.Event) {
	if l, ok := s.byListenerFD[ev.Fd]; ok {
		s.acceptAll(l)
		return
	}

	c, ok := s.byFD[ev.Fd]
	if !ok {
		c, ok = s.extraFD[ev.Fd]
	}
	if !ok {
		return
	}

	if ev.Readable || ev.HangUp || ev.Err {
		c.OnReadable(ev.Fd)
	}
	if ev.Writable {
		c.OnWritable(ev.Fd)
	}
	s.reconcile(c)
}

// acceptAll drains a listener's backlog down to would-block, refusing
// further accepts once MaxConnections is already reached. At capacity it
// also pauses every listener's read interest — level-triggered epoll
// would otherwise keep reporting the listener readable every loop tick
// with nothing useful to do about it — and reconcile resumes them once a
// connection slot frees up.
func (s *Server) acceptAll(l *conn.Listener) {
	for {
		if len(s.byFD) >= s.cfg.Limits.MaxConnections {
			s.pauseListeners()
			return
		}
		c, err := l.Accept(s.reactor, s.wheel)
		if err != nil {
			s.log.Error("accept failed", "error", err)
			return
		}
		if c == nil {
			return
		}
		if err := c.Start(); err != nil {
			s.log.Error("connection start failed", "error", err)
			continue
		}
		s.byFD[c.Fd()] = c
	}
}

// pauseListeners deregisters read interest on every listener so the
// reactor stops handing back accept events we'd just have to refuse.
func (s *Server) pauseListeners() {
	if s.atCapacity {
		return
	}
	s.atCapacity = true
	for _, l := range s.listeners {
		if err := s.reactor.Modify(l.Fd(), reactor.Interest{}); err != nil {
			s.log.Error("pause listener failed", "error", err)
		}
	}
}

// resumeListeners re-registers read interest once a connection slot has
// freed up.
func (s *Server) resumeListeners() {
	if !s.atCapacity {
		return
	}
	s.atCapacity = false
	for _, l := range s.listeners {
		if err := s.reactor.Modify(l.Fd(), reactor.Interest{Read: true}); err != nil {
			s.log.Error("resume listener failed", "error", err)
		}
	}
}

// reconcile keeps the extraFD registry in step with whatever CGI pipes c
// currently owns, and drops c from every registry once it has closed.
func (s *Server) reconcile(c *conn.Connection) {
	if c.Phase() == conn.PhaseClosed {
		delete(s.byFD, c.Fd())
		for fd, owner := range s.extraFD {
			if owner == c {
				delete(s.extraFD, fd)
			}
		}
		if s.atCapacity && len(s.byFD) < s.cfg.Limits.MaxConnections {
			s.resumeListeners()
		}
		return
	}

	want := c.ExtraFDs()
	wantSet := make(map[int]bool, len(want))
	for _, fd := range want {
		wantSet[fd] = true
		if _, ok := s.extraFD[fd]; !ok {
			s.extraFD[fd] = c
		}
	}
	for fd, owner := range s.extraFD {
		if owner == c && !wantSet[fd] {
			delete(s.extraFD, fd)
		}
	}
}

func (s *Server) shutdown() error {
	for _, c := range s.byFD {
		c.Close()
	}
	for _, l := range s.listeners {
		l.Close()
	}
	return s.reactor.Close()
}
