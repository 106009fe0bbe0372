package scanner

import (
	"time"

	"github.com/tos-network/chainscan/params"
)

// Batch sizing multipliers. Duration and result count both steer the size;
// the tier cap and profile bounds clamp it.
const (
	fastMultiplier = 1.8
	slowMultiplier = 0.5

	// resultPressure shrinks the batch preemptively once a response
	// carries more than this share of the profile's result ceiling.
	resultPressure = 0.8
	pressureShrink = 0.8
)

// batchTuner holds the current getLogs block span and adapts it from the
// duration and result count of each response.
type batchTuner struct {
	profile params.ScanProfile
	tierCap uint64
	size    uint64
}

func newBatchTuner(profile params.ScanProfile, tierCap uint64) *batchTuner {
	t := &batchTuner{profile: profile, tierCap: tierCap, size: profile.InitialBatchSize}
	t.clamp()
	return t
}

func (t *batchTuner) current() uint64 { return t.size }

// maxSize is the effective ceiling: the profile max bounded by the tier cap.
func (t *batchTuner) maxSize() uint64 {
	if t.tierCap > 0 && t.tierCap < t.profile.MaxBatchSize {
		return t.tierCap
	}
	return t.profile.MaxBatchSize
}

func (t *batchTuner) clamp() {
	if max := t.maxSize(); t.size > max {
		t.size = max
	}
	if t.size < t.profile.MinBatchSize {
		t.size = t.profile.MinBatchSize
	}
	if t.size < 1 {
		t.size = 1
	}
}

// observe adapts the size after a successful batch.
func (t *batchTuner) observe(duration time.Duration, resultCount int) {
	target := t.profile.TargetDuration
	switch {
	case duration < target/3:
		t.size = uint64(float64(t.size) * fastMultiplier)
	case duration < target:
		ratio := float64(target) / float64(duration)
		if ratio > 1.5 {
			ratio = 1.5
		}
		t.size = uint64(float64(t.size) * ratio)
	case duration > 3*target/2:
		// Covers both slow and very slow; the multiplier is the same.
		t.size = uint64(float64(t.size) * slowMultiplier)
	}
	if t.profile.TargetResultCount > 0 && float64(resultCount) > resultPressure*float64(t.profile.TargetResultCount) {
		t.size = uint64(float64(t.size) * pressureShrink)
	}
	t.clamp()
}

// shrinkHalf halves the size after a failure whose recovery is retry.
func (t *batchTuner) shrinkHalf() {
	t.size /= 2
	t.clamp()
}

// shrinkSlow applies the aggressive reduction for oversized responses.
func (t *batchTuner) shrinkSlow() {
	t.size = uint64(float64(t.size) * slowMultiplier)
	t.clamp()
}

// set pins the size, clamped to bounds, honoring a gateway-suggested range.
func (t *batchTuner) set(size uint64) {
	t.size = size
	t.clamp()
}
