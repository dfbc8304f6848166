// Command callctl is a headless call client: it places or answers one call
// through a signaling hub and logs what happens until Ctrl-C.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"github.com/dkeye/peercall/internal/adapters/rtc"
	"github.com/dkeye/peercall/internal/adapters/store"
	"github.com/dkeye/peercall/internal/app/orch"
	"github.com/dkeye/peercall/internal/app/session"
	"github.com/dkeye/peercall/internal/config"
	"github.com/dkeye/peercall/internal/domain"
)

func main() {
	// Only cfgFlags are bound into the config; "call" would clash with the
	// call.* section.
	cfgFlags := pflag.NewFlagSet("config", pflag.ExitOnError)
	cfgFlags.String("participant", "", "own participant id")
	cfgFlags.String("store_url", "", "hub store endpoint")
	cfgFlags.String("log_level", "", "log level")

	flags := pflag.NewFlagSet("callctl", pflag.ExitOnError)
	flags.AddFlagSet(cfgFlags)
	peer := flags.String("call", "", "participant id to call")
	kind := flags.String("kind", string(domain.KindVoice), "call kind: voice or video")
	answer := flags.Bool("answer", false, "accept the first incoming call")
	_ = flags.Parse(os.Args[1:])

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load(cfgFlags)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	self, err := domain.NewParticipantID(cfg.Participant)
	if err != nil {
		log.Fatal().Err(err).Msg("--participant is required")
	}
	if *peer == "" && !*answer {
		log.Fatal().Msg("nothing to do: pass --call <peer> or --answer")
	}

	remote, err := store.DialRemote(ctx, cfg.StoreURL, nil)
	if err != nil {
		log.Fatal().Err(err).Msg("hub unreachable")
	}
	defer remote.Close()

	opts := rtc.DefaultOptions()
	opts.ICEServers = cfg.ICEServers
	engine, err := rtc.NewEngine(opts)
	if err != nil {
		log.Fatal().Err(err).Msg("media engine")
	}

	scfg := session.Config{
		Self:                self,
		RingWindow:          cfg.Call.RingWindow,
		OfferRetry:          session.RetryPolicy{Attempts: cfg.Call.OfferRetryAttempts, Interval: cfg.Call.OfferRetryInterval},
		DeleteGraceRejected: cfg.Call.DeleteGraceRejected,
		DeleteGraceEnded:    cfg.Call.DeleteGraceEnded,
	}
	o := orch.New(scfg, remote, engine)
	events, unsubscribe := o.Bus().Subscribe()
	defer unsubscribe()
	if err := o.Run(ctx); err != nil {
		log.Fatal().Err(err).Msg("watch invitations")
	}
	defer func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer closeCancel()
		o.Close(closeCtx)
	}()

	if *peer != "" {
		go func() {
			s, err := o.StartCall(ctx, *peer, *kind)
			if err != nil {
				log.Error().Err(err).Msg("call failed")
				cancel()
				return
			}
			log.Info().Str("call_id", string(s.ID())).Str("peer", *peer).Msg("calling")
		}()
	}

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("hanging up")
			return
		case <-remote.Done():
			log.Error().Msg("lost hub connection")
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			if handle(ctx, o, e, *answer) && *peer != "" {
				return
			}
		}
	}
}

// handle logs e and answers invitations when asked to. It reports whether a
// call reached a terminal status.
func handle(ctx context.Context, o *orch.Orchestrator, e orch.Event, answer bool) bool {
	l := log.With().Str("module", "callctl").Str("call_id", string(e.CallID)).Logger()
	switch e.Type {
	case orch.EventIncoming:
		l.Info().Str("from", string(e.Invitation.CallerID)).Str("kind", string(e.Invitation.Kind)).Msg("incoming call")
		if !answer || o.Active() != nil {
			return false
		}
		go func() {
			if _, err := o.OpenIncoming(ctx, e.CallID); err != nil {
				l.Error().Err(err).Msg("open invitation")
				return
			}
			if err := o.Accept(ctx); err != nil {
				l.Error().Err(err).Msg("accept")
			}
		}()
	case orch.EventWithdrawn:
		l.Info().Msg("invitation withdrawn")
	case orch.EventStatus:
		ev := l.Info().Str("status", string(e.Status))
		if e.Err != nil {
			ev = l.Warn().Err(e.Err).Str("status", string(e.Status))
		}
		ev.Msg("call status")
		return e.Status.IsTerminal()
	}
	return false
}
