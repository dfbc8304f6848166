package orch

import (
	"context"
	"fmt"

	"github.com/dkeye/peercall/internal/app/session"
	"github.com/dkeye/peercall/internal/domain"
)

// StartCall places a call to peer. Input is validated and the busy check
// done before anything is written.
func (o *Orchestrator) StartCall(ctx context.Context, peer, kind string) (*session.Session, error) {
	callee, err := domain.NewParticipantID(peer)
	if err != nil {
		return nil, fmt.Errorf("peer: %w", err)
	}
	if callee == o.cfg.Self {
		return nil, ErrSelfCall
	}
	k, err := domain.ParseCallKind(kind)
	if err != nil {
		return nil, err
	}

	s := session.NewOutgoing(o.cfg, o.store, o.engine, callee, k)
	if err := o.bind(s); err != nil {
		s.Abandon()
		return nil, err
	}
	if err := s.Start(ctx); err != nil {
		return s, err
	}
	return s, nil
}

// OpenIncoming makes a surfaced invitation the active, ringing session.
func (o *Orchestrator) OpenIncoming(_ context.Context, id domain.CallID) (*session.Session, error) {
	inv, ok := o.watcher.Lookup(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", session.ErrCallUnavailable, id)
	}
	s := session.NewIncoming(o.cfg, o.store, o.engine, inv)
	if err := o.bind(s); err != nil {
		s.Abandon()
		return nil, err
	}
	return s, nil
}

// Accept answers the active incoming call.
func (o *Orchestrator) Accept(ctx context.Context) error {
	s := o.Active()
	if s == nil {
		return ErrNoCall
	}
	if s.Role() == domain.RoleCallee {
		o.watcher.MarkAccepted(s.ID())
	}
	return s.Accept(ctx)
}

// Reject declines the active call.
func (o *Orchestrator) Reject(ctx context.Context) error {
	s := o.Active()
	if s == nil {
		return ErrNoCall
	}
	return s.Reject(ctx)
}

// End hangs up the active call and waits until it is released.
func (o *Orchestrator) End(ctx context.Context) error {
	s := o.Active()
	if s == nil {
		return ErrNoCall
	}
	if err := s.End(ctx); err != nil {
		return err
	}
	<-s.Done()
	o.unbind(s)
	return nil
}
