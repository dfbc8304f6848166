// Package orch is the surface a UI drives: it owns the invitation watcher,
// keeps at most one call session active, and publishes what happens on a Bus.
package orch

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dkeye/peercall/internal/app/session"
	"github.com/dkeye/peercall/internal/app/watcher"
	"github.com/dkeye/peercall/internal/core"
	"github.com/dkeye/peercall/internal/domain"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	ErrBusy     = errors.New("another call is active")
	ErrNoCall   = errors.New("no active call")
	ErrSelfCall = errors.New("cannot call yourself")
)

type Orchestrator struct {
	cfg     session.Config
	store   core.SignalStore
	engine  core.MediaEngine
	bus     *Bus
	watcher *watcher.Watcher
	logger  zerolog.Logger

	mu     sync.Mutex
	active *session.Session
}

func New(cfg session.Config, store core.SignalStore, engine core.MediaEngine) *Orchestrator {
	o := &Orchestrator{
		cfg:    cfg,
		store:  store,
		engine: engine,
		bus:    NewBus(0),
		logger: log.With().Str("module", "orch").Str("self", string(cfg.Self)).Logger(),
	}
	o.watcher = watcher.New(store, cfg.Self, cfg.RingWindow, cfg.DeleteGraceEnded, o.onInvitation)
	return o
}

func (o *Orchestrator) Bus() *Bus { return o.bus }

// Run starts watching for invitations.
func (o *Orchestrator) Run(ctx context.Context) error {
	if err := o.watcher.Start(ctx); err != nil {
		return fmt.Errorf("start watcher: %w", err)
	}
	return nil
}

// Close ends the active call, stops the watcher and closes the bus.
func (o *Orchestrator) Close(ctx context.Context) {
	if s := o.Active(); s != nil {
		_ = s.End(ctx)
		s.Wait()
	}
	o.watcher.Stop()
	o.bus.Close()
}

// Active returns the current session, nil when idle.
func (o *Orchestrator) Active() *session.Session {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.active
}

// Pending lists invitations waiting for an answer.
func (o *Orchestrator) Pending() []domain.Invitation {
	return o.watcher.Pending()
}

// bind makes s the active session. It fails with ErrBusy while another
// session is live.
func (o *Orchestrator) bind(s *session.Session) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.active != nil {
		return ErrBusy
	}
	o.active = s
	s.OnStatus(func(st domain.CallStatus) {
		o.bus.Publish(Event{Type: EventStatus, CallID: s.ID(), Status: st, Err: terminalErr(s, st)})
	})
	go o.release(s)
	o.logger.Info().Str("call_id", string(s.ID())).Str("role", s.Role().String()).Msg("bound session")
	return nil
}

func (o *Orchestrator) release(s *session.Session) {
	<-s.Done()
	o.unbind(s)
}

func (o *Orchestrator) unbind(s *session.Session) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.active != s {
		return
	}
	o.active = nil
	o.logger.Info().Str("call_id", string(s.ID())).Str("status", string(s.Status())).Msg("released session")
}

func terminalErr(s *session.Session, st domain.CallStatus) error {
	if !st.IsTerminal() {
		return nil
	}
	return s.Err()
}

func (o *Orchestrator) onInvitation(e watcher.Event) {
	inv := e.Invitation
	switch e.Kind {
	case watcher.Incoming:
		o.bus.Publish(Event{Type: EventIncoming, CallID: inv.ID, Invitation: &inv})
	case watcher.Withdrawn:
		if s := o.Active(); s != nil && s.ID() == inv.ID && s.Status() == domain.StatusRinging {
			s.Abandon()
		}
		o.bus.Publish(Event{Type: EventWithdrawn, CallID: inv.ID, Invitation: &inv})
	}
}
