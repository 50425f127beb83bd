// Package breaker builds the circuit breakers guarding provider APIs.
package breaker

import (
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

// New returns a breaker that opens after 5 consecutive failures or a 60%
// failure ratio over at least 10 requests. Errors for which permanent returns
// true (bad credentials, missing messages) count as successes so they do not
// trip the breaker for every account.
func New(name string, permanent func(error) bool, log zerolog.Logger) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.ConsecutiveFailures > 5 || (counts.Requests >= 10 && ratio >= 0.6)
		},
		IsSuccessful: func(err error) bool {
			return err == nil || (permanent != nil && permanent(err))
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state changed")
		},
	})
}

// Rejected reports whether err came from the breaker rather than the provider
func Rejected(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}
