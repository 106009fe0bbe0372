package params

import "time"

// ScanProfile tunes the adaptive getLogs batcher for one (activity, tier)
// combination. Sizes are block counts.
type ScanProfile struct {
	InitialBatchSize uint64
	MinBatchSize     uint64
	MaxBatchSize     uint64

	// TargetDuration is the per-request latency the batcher steers toward.
	TargetDuration time.Duration

	// TargetResultCount is the log-count ceiling; batches returning more
	// than 80% of it shrink preemptively.
	TargetResultCount int
}

var scanProfiles = map[Activity]map[Tier]ScanProfile{
	HighActivity: {
		TierFree:    {InitialBatchSize: 10, MinBatchSize: 1, MaxBatchSize: 100, TargetDuration: 6 * time.Second, TargetResultCount: 5000},
		TierPremium: {InitialBatchSize: 50, MinBatchSize: 1, MaxBatchSize: 2000, TargetDuration: 4 * time.Second, TargetResultCount: 10000},
	},
	MediumActivity: {
		TierFree:    {InitialBatchSize: 25, MinBatchSize: 1, MaxBatchSize: 200, TargetDuration: 6 * time.Second, TargetResultCount: 5000},
		TierPremium: {InitialBatchSize: 100, MinBatchSize: 1, MaxBatchSize: 5000, TargetDuration: 4 * time.Second, TargetResultCount: 10000},
	},
	LowActivity: {
		TierFree:    {InitialBatchSize: 100, MinBatchSize: 1, MaxBatchSize: 500, TargetDuration: 6 * time.Second, TargetResultCount: 5000},
		TierPremium: {InitialBatchSize: 500, MinBatchSize: 1, MaxBatchSize: 10000, TargetDuration: 4 * time.Second, TargetResultCount: 10000},
	},
}

// Profile returns the scan profile for an activity bucket at a tier. Unknown
// combinations fall back to the most conservative profile.
func Profile(activity Activity, tier Tier) ScanProfile {
	if byTier, ok := scanProfiles[activity]; ok {
		if p, ok := byTier[tier]; ok {
			return p
		}
	}
	return scanProfiles[HighActivity][TierFree]
}
