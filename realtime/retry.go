package realtime

import (
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
)

// RetryDelayCalculator returns the wait before retry number attempt
// (counted from zero) of one retry sequence.
type RetryDelayCalculator interface {
	Delay(attempt int) time.Duration
}

// ConstantRetryDelay always waits Interval.
type ConstantRetryDelay struct {
	Interval time.Duration
}

// NewConstantRetryDelay returns a new ConstantRetryDelay.
func NewConstantRetryDelay(interval time.Duration) *ConstantRetryDelay {
	if interval < 0 {
		interval = 0
	}
	return &ConstantRetryDelay{Interval: interval}
}

// Delay returns the constant interval.
func (strategy *ConstantRetryDelay) Delay(attempt int) time.Duration {
	if strategy == nil {
		return 0
	}
	return strategy.Interval
}

// JitterCoefficientGenerator supplies the random multiplier applied to a
// backoff delay.
type JitterCoefficientGenerator interface {
	Coefficient() float64
}

// DefaultJitterCoefficientGenerator draws coefficients uniformly from
// [0.8, 1.0]. It is safe for concurrent use.
type DefaultJitterCoefficientGenerator struct {
	lock   sync.Mutex
	source *rand.Rand
}

// NewJitterCoefficientGenerator returns a generator seeded from seed.
func NewJitterCoefficientGenerator(seed uint64) *DefaultJitterCoefficientGenerator {
	return &DefaultJitterCoefficientGenerator{source: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

// Coefficient returns a value in [0.8, 1.0].
func (generator *DefaultJitterCoefficientGenerator) Coefficient() float64 {
	if generator == nil {
		return 1
	}
	generator.lock.Lock()
	defer generator.lock.Unlock()
	if generator.source == nil {
		return 0.8 + rand.Float64()*0.2
	}
	return 0.8 + generator.source.Float64()*0.2
}

// BackoffRetryDelay waits min(Initial*2^attempt, Max) scaled by a jitter
// coefficient.
type BackoffRetryDelay struct {
	Initial time.Duration
	Max     time.Duration
	Jitter  JitterCoefficientGenerator
}

// NewBackoffRetryDelay returns a new BackoffRetryDelay.
func NewBackoffRetryDelay(initial time.Duration, maxDelay time.Duration, jitter JitterCoefficientGenerator) *BackoffRetryDelay {
	if initial < 0 {
		initial = 0
	}
	if maxDelay <= 0 {
		maxDelay = 30 * time.Second
	}
	if maxDelay < initial {
		maxDelay = initial
	}
	if jitter == nil {
		jitter = &DefaultJitterCoefficientGenerator{}
	}
	return &BackoffRetryDelay{Initial: initial, Max: maxDelay, Jitter: jitter}
}

// Delay returns the jittered backoff for attempt.
func (strategy *BackoffRetryDelay) Delay(attempt int) time.Duration {
	if strategy == nil {
		return 0
	}
	if attempt < 0 {
		attempt = 0
	}

	base := float64(strategy.Initial) * math.Pow(2, float64(attempt))
	if base > float64(strategy.Max) || math.IsInf(base, 1) {
		base = float64(strategy.Max)
	}

	coefficient := 1.0
	if strategy.Jitter != nil {
		coefficient = strategy.Jitter.Coefficient()
	}
	if coefficient < 0.8 {
		coefficient = 0.8
	}
	if coefficient > 1 {
		coefficient = 1
	}
	return time.Duration(base * coefficient)
}

type retryAttempt struct {
	number int
	delay  time.Duration
}

// retrySequence counts the attempts of one retry episode, for example the
// reconnects following a single connection loss.
type retrySequence struct {
	id         string
	calculator RetryDelayCalculator
	attempts   int
}

func newRetrySequence(calculator RetryDelayCalculator) *retrySequence {
	return &retrySequence{id: uuid.NewString(), calculator: calculator}
}

func (sequence *retrySequence) next() retryAttempt {
	attempt := retryAttempt{number: sequence.attempts}
	if sequence.calculator != nil {
		attempt.delay = sequence.calculator.Delay(sequence.attempts)
	}
	sequence.attempts++
	return attempt
}
