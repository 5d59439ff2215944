// Package server owns the process-wide pieces that sit above a single
// ClientSession: the registry of live sessions (also the engine's
// notify-list), the TCP listener and accept loop, and the supervisor that
// ties the accept loop, the engine watchdog, and graceful shutdown together.
package server

import (
	"context"
	"errors"
	"net"
	"sync"

	"github.com/seekerror/logw"
	"golang.org/x/sync/errgroup"

	"github.com/tkellar/uqchessserver/pkg/engine"
	"github.com/tkellar/uqchessserver/pkg/match"
	"github.com/tkellar/uqchessserver/pkg/session"
)

// Registry is the process-lifetime set of live client sessions. It doubles
// as the engine's Notifier: an engine death broadcasts "error engine" to
// every session currently registered.
type Registry struct {
	mu       sync.Mutex
	sessions map[*session.Session]struct{}
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[*session.Session]struct{})}
}

// Add registers s as live.
func (r *Registry) Add(s *session.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.sessions[s] = struct{}{}
}

// Remove unregisters s, e.g. once its connection has closed.
func (r *Registry) Remove(s *session.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.sessions, s)
}

// Broadcast delivers line to every currently-registered session.
func (r *Registry) Broadcast(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for s := range r.sessions {
		s.Send(line)
	}
}

var _ engine.Notifier = (*Registry)(nil)

// Listener binds a single TCP socket and spawns one worker per accepted
// connection, wiring it to the shared engine driver, wait list, and registry.
type Listener struct {
	ln       net.Listener
	eng      *engine.Driver
	wait     *match.List
	registry *Registry

	wg sync.WaitGroup
}

// Listen binds addr (e.g. "127.0.0.1:0" for an ephemeral port).
func Listen(addr string, eng *engine.Driver, wait *match.List, registry *Registry) (*Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &Listener{ln: ln, eng: eng, wait: wait, registry: registry}, nil
}

// Addr returns the bound address, letting the caller discover the ephemeral
// port actually chosen.
func (l *Listener) Addr() net.Addr {
	return l.ln.Addr()
}

// Close stops accepting new connections. In-flight sessions are left to
// finish on their own.
func (l *Listener) Close() error {
	return l.ln.Close()
}

// Serve accepts connections until the listener is closed, spawning an
// independent worker for each one. Returns nil if the listener was closed
// deliberately (graceful shutdown), or the accept error otherwise. Serve
// itself returns as soon as Accept fails, but the spawned workers are
// tracked on l.wg, which Wait blocks on until each session has ended.
func (l *Listener) Serve(ctx context.Context) error {
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}

		s := session.New(conn, l.eng, l.wait)
		l.registry.Add(s)
		logw.Infof(ctx, "Client connected: %v", s.ID())

		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			defer func() {
				l.registry.Remove(s)
				logw.Infof(ctx, "Client disconnected: %v", s.ID())
			}()
			s.Serve(ctx)
		}()
	}
}

// Wait blocks until every worker spawned by Serve has returned, i.e. every
// connected client has disconnected and its session has exited. Sessions
// are not closed from this side. Call after Close, once the accept loop
// itself has stopped.
func (l *Listener) Wait() {
	l.wg.Wait()
}

// ErrEngineDied is returned by Run when the engine subprocess exited
// unexpectedly while the server was running.
var ErrEngineDied = errors.New("chess engine exited unexpectedly")

// Run drives the listener's accept loop until ctx is cancelled (e.g. by a
// caught SIGINT/SIGTERM) or the engine dies, whichever happens first. A
// cancelled ctx closes the listener, waits for every in-flight session to
// end (its client to disconnect), then returns nil; an engine death closes the
// listener and returns ErrEngineDied immediately, without waiting for
// sessions to drain, since the server is exiting on a dedicated crash code
// regardless.
func Run(ctx context.Context, l *Listener, eng *engine.Driver) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return l.Serve(gctx)
	})

	died := false
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return l.Close()
		case <-eng.Closed():
			died = true
			_ = l.Close()
			return ErrEngineDied
		}
	})

	err := g.Wait()
	if !died {
		l.Wait()
	}
	return err
}
