package bluesky

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

// PacingConfig spaces out write requests sent by one client.
type PacingConfig struct {
	BaseDelay       time.Duration
	Jitter          time.Duration
	BurstSize       int
	BurstRest       time.Duration
	BurstRestJitter time.Duration
	RandomGenerator *rand.Rand
}

// durationSampler draws base ± jitter durations from a shared random source.
type durationSampler struct {
	mutex           sync.Mutex
	randomGenerator *rand.Rand
}

func newDurationSampler(randomGenerator *rand.Rand) *durationSampler {
	if randomGenerator == nil {
		randomGenerator = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &durationSampler{randomGenerator: randomGenerator}
}

func (sampler *durationSampler) sample(baseDuration time.Duration, jitter time.Duration) time.Duration {
	if baseDuration < 0 {
		baseDuration = 0
	}
	if jitter <= 0 {
		return baseDuration
	}

	sampler.mutex.Lock()
	offset := (sampler.randomGenerator.Float64()*2 - 1) * float64(jitter)
	sampler.mutex.Unlock()

	sampled := time.Duration(float64(baseDuration) + offset)
	if sampled < 0 {
		return 0
	}
	return sampled
}

// requestPacer hands out send slots. Concurrent callers queue behind one another, and
// every BurstSize-th request adds a longer rest before the next slot.
type requestPacer struct {
	baseDelay       time.Duration
	jitter          time.Duration
	burstSize       int
	burstRest       time.Duration
	burstRestJitter time.Duration

	sampler   *durationSampler
	now       func() time.Time
	mutex     sync.Mutex
	processed int
	nextSlot  time.Time
}

func newRequestPacer(configuration PacingConfig, sampler *durationSampler, now func() time.Time) *requestPacer {
	baseDelay := configuration.BaseDelay
	if baseDelay < 0 {
		baseDelay = 0
	}
	burstRest := configuration.BurstRest
	if burstRest < 0 {
		burstRest = 0
	}
	if sampler == nil {
		sampler = newDurationSampler(configuration.RandomGenerator)
	}
	if now == nil {
		now = time.Now
	}

	return &requestPacer{
		baseDelay:       baseDelay,
		jitter:          configuration.Jitter,
		burstSize:       configuration.BurstSize,
		burstRest:       burstRest,
		burstRestJitter: configuration.BurstRestJitter,
		sampler:         sampler,
		now:             now,
	}
}

// reserve returns how long the caller must wait before sending.
func (pacer *requestPacer) reserve() time.Duration {
	pacer.mutex.Lock()
	defer pacer.mutex.Unlock()

	currentTime := pacer.now()
	slot := pacer.nextSlot
	if slot.Before(currentTime) {
		slot = currentTime
	}

	pacer.processed++
	gap := pacer.sampler.sample(pacer.baseDelay, pacer.jitter)
	if pacer.burstSize > 0 && pacer.processed%pacer.burstSize == 0 {
		gap += pacer.sampler.sample(pacer.burstRest, pacer.burstRestJitter)
	}
	pacer.nextSlot = slot.Add(gap)

	return slot.Sub(currentTime)
}

// Wait blocks until the caller's slot arrives or ctx is done.
func (pacer *requestPacer) Wait(ctx context.Context) error {
	if pacer == nil {
		return nil
	}
	return waitForDuration(ctx, pacer.reserve())
}

func waitForDuration(ctx context.Context, duration time.Duration) error {
	if duration <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(duration)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
