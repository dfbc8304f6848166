package session

import (
	"context"
	"fmt"
	"time"

	"github.com/dkeye/peercall/internal/core"
	"github.com/dkeye/peercall/internal/domain"
	"github.com/rs/zerolog/log"
)

// RetryPolicy bounds how long the callee waits for the caller's offer to
// become readable. The record can be visible before its offer field is.
type RetryPolicy struct {
	Attempts int
	Interval time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Attempts: 10, Interval: time.Second}
}

// FetchOffer reads the offer of call id, retrying on absence. A read error
// counts as a miss. It fails with ErrOfferNotVisible once attempts run out,
// or with ctx's error if ctx ends first.
func FetchOffer(ctx context.Context, store core.SignalStore, id domain.CallID, p RetryPolicy) (domain.Description, error) {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for i := 1; i <= attempts; i++ {
		snap, err := store.Read(ctx, domain.OfferPath(id))
		switch {
		case err != nil:
			lastErr = err
		case snap.Exists:
			var d domain.Description
			if err := snap.Decode(&d); err != nil {
				return domain.Description{}, fmt.Errorf("%w: offer: %v", ErrMalformedDescription, err)
			}
			if d.SDP != "" {
				return d, nil
			}
		}
		if err := ctx.Err(); err != nil {
			return domain.Description{}, err
		}
		log.Debug().Str("module", "session").Str("call_id", string(id)).Int("attempt", i).Msg("offer not visible yet")
		if i == attempts {
			break
		}
		t := time.NewTimer(p.Interval)
		select {
		case <-ctx.Done():
			t.Stop()
			return domain.Description{}, ctx.Err()
		case <-t.C:
		}
	}
	if lastErr != nil {
		return domain.Description{}, fmt.Errorf("%w after %d attempts: %v", ErrOfferNotVisible, attempts, lastErr)
	}
	return domain.Description{}, fmt.Errorf("%w after %d attempts", ErrOfferNotVisible, attempts)
}
