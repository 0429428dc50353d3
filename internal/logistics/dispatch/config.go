package dispatch

import (
	"time"

	"dispatchBack/internal/logistics/repo"
)

// Config tunes the candidate search.
type Config struct {
	RideRadii      []int
	ParcelRadii    []int
	MaxAttempts    int
	Backoff        time.Duration
	CandidateLimit int
	RescanInterval time.Duration
	OfferTTL       time.Duration
}

// Radii returns the radius tiers for kind. A zero radius means no limit.
func (c Config) Radii(kind string) []int {
	if kind == repo.KindParcel {
		return c.ParcelRadii
	}
	return c.RideRadii
}

// RadiusAt returns the radius of the given zero-based attempt. Attempts past the last
// tier keep the last radius.
func (c Config) RadiusAt(kind string, attempt int) int {
	radii := c.Radii(kind)
	if len(radii) == 0 {
		return 0
	}
	if attempt >= len(radii) {
		attempt = len(radii) - 1
	}
	if attempt < 0 {
		attempt = 0
	}
	return radii[attempt]
}

// MaxRadius returns the widest tier for kind; 0 when any tier is unlimited.
func (c Config) MaxRadius(kind string) int {
	max := 0
	for _, r := range c.Radii(kind) {
		if r <= 0 {
			return 0
		}
		if r > max {
			max = r
		}
	}
	return max
}

func (c Config) lockTTL() time.Duration {
	return time.Duration(c.MaxAttempts)*c.Backoff + time.Minute
}
