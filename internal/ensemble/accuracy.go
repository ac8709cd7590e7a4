package ensemble

import "sync"

const (
	accuracyDecay = 0.95
	accuracySeed  = 0.5
)

// AccuracyTracker keeps an exponentially decayed hit rate per provider.
// A provider that keeps being right drifts toward 1, one that keeps
// being wrong toward 0; history fades at 0.95 per observation.
type AccuracyTracker struct {
	mu       sync.RWMutex
	accuracy map[string]float64
}

// NewAccuracyTracker starts every provider at the neutral seed.
func NewAccuracyTracker() *AccuracyTracker {
	return &AccuracyTracker{accuracy: make(map[string]float64)}
}

// Record folds one graded outcome into the provider's accuracy.
func (t *AccuracyTracker) Record(provider string, correct bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	acc, ok := t.accuracy[provider]
	if !ok {
		acc = accuracySeed
	}
	outcome := 0.0
	if correct {
		outcome = 1.0
	}
	t.accuracy[provider] = accuracyDecay*acc + (1-accuracyDecay)*outcome
}

// Accuracy returns the provider's current decayed hit rate.
func (t *AccuracyTracker) Accuracy(provider string) float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if acc, ok := t.accuracy[provider]; ok {
		return acc
	}
	return accuracySeed
}

// Multiplier maps accuracy into the [0.5, 1.5] weight multiplier: a
// neutral provider weighs 1.0.
func (t *AccuracyTracker) Multiplier(provider string) float64 {
	return 0.5 + t.Accuracy(provider)
}
