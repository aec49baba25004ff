package exchange

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// Retrier re-runs transient-failing calls with exponential backoff
// (base, 2·base, 4·base, …). Non-transient failures surface immediately,
// and total elapsed time is bounded by the attempt count — it never
// retries forever.
type Retrier struct {
	MaxRetries int
	BaseDelay  time.Duration
}

// ReadRetrier is the default policy for price/position/balance reads.
func ReadRetrier() Retrier {
	return Retrier{MaxRetries: 3, BaseDelay: time.Second}
}

// LeverageRetrier is the lighter policy for the idempotent leverage call.
func LeverageRetrier() Retrier {
	return Retrier{MaxRetries: 2, BaseDelay: 500 * time.Millisecond}
}

// Do runs fn, retrying transient errors until the attempt budget runs out
// or ctx is done.
func (r Retrier) Do(ctx context.Context, op string, fn func() error) error {
	var lastErr error
	delay := r.BaseDelay

	for attempt := 0; attempt <= r.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn()
		if err == nil {
			return nil
		}
		if !IsTransient(err) {
			return err
		}
		lastErr = err

		if attempt < r.MaxRetries {
			log.Warn().
				Str("op", op).
				Int("attempt", attempt+1).
				Int("max", r.MaxRetries+1).
				Dur("delay", delay).
				Err(err).
				Msg("transient exchange error, backing off")
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
			delay *= 2
		}
	}

	log.Error().Str("op", op).Int("attempts", r.MaxRetries+1).Err(lastErr).Msg("retries exhausted")
	return lastErr
}

// Ticker fetches a ticker through the retry policy.
func (r Retrier) Ticker(ctx context.Context, ex Exchange, symbol string) (*Ticker, error) {
	var t *Ticker
	err := r.Do(ctx, "get_ticker "+symbol, func() error {
		var err error
		t, err = ex.GetTicker(ctx, symbol)
		return err
	})
	return t, err
}

// SetLeverage applies leverage through the retry policy.
func (r Retrier) SetLeverage(ctx context.Context, ex Exchange, symbol string, leverage int) error {
	return r.Do(ctx, "set_leverage "+symbol, func() error {
		return ex.SetLeverage(ctx, symbol, leverage)
	})
}
