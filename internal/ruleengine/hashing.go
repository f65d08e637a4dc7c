package ruleengine

import (
	"math"

	"github.com/spaolacci/murmur3"
)

// VariantHashSeed is the Murmur3 seed used for variant bucketing. Using a
// different seed than rollout hashing keeps variant assignment independent
// from rollout inclusion for the same stickiness key.
const VariantHashSeed uint32 = 86028157

// percentageScale gives rollout hashing two decimal places of granularity.
const percentageScale = 10_000

// Percentage maps seed to a stable value in [0, 100).
//
// The hash is MurmurHash3 x86 32-bit over the UTF-8 bytes of seed with hash
// seed 0, reduced modulo 10000 and divided by 100. Any SDK that implements
// the same steps gets the same value for the same seed.
func Percentage(seed string) float64 {
	h := murmur3.Sum32WithSeed([]byte(seed), 0)
	return float64(h%percentageScale) / 100
}

// BucketValue maps seed to a stable integer in [0, total). It returns -1
// when total is not positive or does not fit the 32-bit hash range.
func BucketValue(seed string, total int) int {
	if total <= 0 || int64(total) > math.MaxUint32 {
		return -1
	}
	h := murmur3.Sum32WithSeed([]byte(seed), VariantHashSeed)
	return int(h % uint32(total))
}

// Bucket picks an index among weighted buckets. Weights are laid out as
// cumulative ranges in list order and the first bucket whose cumulative
// weight exceeds the hashed value wins. Negative weights count as zero.
// It returns -1 for an empty list, a zero total or a total beyond the
// 32-bit hash range.
func Bucket(seed string, weights []int) int {
	total := 0
	for _, w := range weights {
		if w <= 0 {
			continue
		}
		if int64(w) > math.MaxUint32-int64(total) {
			return -1
		}
		total += w
	}

	target := BucketValue(seed, total)
	if target < 0 {
		return -1
	}

	cumulative := 0
	for i, w := range weights {
		if w <= 0 {
			continue
		}
		cumulative += w
		if target < cumulative {
			return i
		}
	}
	// Unreachable: target < total by construction.
	return -1
}

// rolloutSeed builds the composite key "group:subject". The group (flag name
// by default) ensures a subject in the first 10% of one flag is not
// automatically in the first 10% of every other flag.
func rolloutSeed(groupID, stickinessValue string) string {
	return groupID + ":" + stickinessValue
}
