// Package backoff computes exponential backoff with jitter. Profile rotation
// uses it to derive reason-specific cooldown windows for failing credentials.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Policy defines the parameters for exponential backoff calculation.
type Policy struct {
	// Initial is the backoff for the first failure.
	Initial time.Duration
	// Max caps the computed backoff.
	Max time.Duration
	// Factor is the exponential factor applied per consecutive failure.
	Factor float64
	// Jitter is the randomization factor (0.0 to 1.0) added on top.
	Jitter float64
}

// Compute returns the backoff for the given consecutive-failure count.
// Counts start at 1; base = Initial * Factor^(failures-1), plus jitter,
// capped at Max.
func Compute(p Policy, failures int) time.Duration {
	return ComputeWithRand(p, failures, rand.Float64()) // #nosec G404 -- jitter does not require cryptographic randomness
}

// ComputeWithRand is Compute with an injected random value in [0.0, 1.0),
// for deterministic tests.
func ComputeWithRand(p Policy, failures int, randomValue float64) time.Duration {
	exp := math.Max(float64(failures-1), 0)

	base := float64(p.Initial) * math.Pow(p.Factor, exp)
	jitter := base * p.Jitter * randomValue

	total := math.Min(float64(p.Max), base+jitter)
	return time.Duration(math.Round(total/float64(time.Millisecond))) * time.Millisecond
}

// AuthPolicy is the cooldown schedule for hard auth failures. Keys that fail
// authentication rarely recover quickly, so the window grows fast and high.
func AuthPolicy() Policy {
	return Policy{
		Initial: 5 * time.Minute,
		Max:     2 * time.Hour,
		Factor:  3,
		Jitter:  0.1,
	}
}

// RateLimitPolicy is the cooldown schedule for quota and rate-limit failures.
func RateLimitPolicy() Policy {
	return Policy{
		Initial: time.Minute,
		Max:     30 * time.Minute,
		Factor:  2,
		Jitter:  0.1,
	}
}

// TimeoutPolicy covers deadline overruns, which often indicate a provider
// hanging under quota pressure. Shorter than the explicit rate-limit window.
func TimeoutPolicy() Policy {
	return Policy{
		Initial: 30 * time.Second,
		Max:     10 * time.Minute,
		Factor:  2,
		Jitter:  0.1,
	}
}

// GenericPolicy covers unclassified provider failures.
func GenericPolicy() Policy {
	return Policy{
		Initial: 15 * time.Second,
		Max:     5 * time.Minute,
		Factor:  2,
		Jitter:  0.1,
	}
}
