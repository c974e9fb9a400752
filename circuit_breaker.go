package customfit

import (
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// breakerRegistry maintains one circuit breaker per endpoint key. A
// breaker opens after a run of consecutive failures and rejects calls
// for the cooldown period, then lets a single call through.
type breakerRegistry struct {
	logger    *leveledLogger
	threshold uint32
	cooldown  time.Duration

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

func newBreakerRegistry(logger *leveledLogger, threshold uint32, cooldown time.Duration) *breakerRegistry {
	if threshold == 0 {
		threshold = defaultBreakerFailureThreshold
	}
	if cooldown <= 0 {
		cooldown = defaultBreakerCooldown
	}
	return &breakerRegistry{
		logger:    logger,
		threshold: threshold,
		cooldown:  cooldown,
		breakers:  make(map[string]*gobreaker.CircuitBreaker),
	}
}

func (r *breakerRegistry) breaker(endpoint string) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok := r.breakers[endpoint]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(r.settings(endpoint))
	r.breakers[endpoint] = cb
	return cb
}

func (r *breakerRegistry) settings(endpoint string) gobreaker.Settings {
	return gobreaker.Settings{
		Name:        endpoint,
		MaxRequests: 1,
		Timeout:     r.cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= r.threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			r.logger.Warnf("circuit breaker for %s: %v -> %v", name, from, to)
		},
	}
}

// state returns the breaker state for an endpoint without creating one.
func (r *breakerRegistry) state(endpoint string) gobreaker.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok := r.breakers[endpoint]; ok {
		return cb.State()
	}
	return gobreaker.StateClosed
}

// reset discards the breaker for an endpoint; the next call starts
// from a closed state with zeroed counters.
func (r *breakerRegistry) reset(endpoint string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.breakers, endpoint)
}

// executeBreaker runs op through the endpoint's breaker. While the
// breaker is open, calls fail immediately without touching the network.
func executeBreaker[T any](r *breakerRegistry, endpoint string, op func() Result[T]) Result[T] {
	value, err := r.breaker(endpoint).Execute(func() (interface{}, error) {
		res := op()
		if res.err != nil {
			return res.value, res.err
		}
		return res.value, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return Fail[T](wrapError(CategoryNetwork, err, "circuit breaker open for %s", endpoint))
		}
		return Fail[T](asError(err))
	}
	v, _ := value.(T)
	return Ok(v)
}
