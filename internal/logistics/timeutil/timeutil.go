package timeutil

import (
	"sync"
	"time"
)

const defaultZone = "Asia/Kolkata"

var (
	mu       sync.RWMutex
	location = loadLocation(defaultZone)
)

func loadLocation(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.FixedZone(name, 5*60*60+30*60)
	}
	return loc
}

// SetZone switches the operating time zone. Unknown names fall back to UTC+05:30.
func SetZone(name string) {
	if name == "" {
		return
	}
	loc := loadLocation(name)
	mu.Lock()
	location = loc
	mu.Unlock()
}

// Location returns the operating location.
func Location() *time.Location {
	mu.RLock()
	defer mu.RUnlock()
	return location
}

// Now returns the current time in the operating zone.
func Now() time.Time {
	return time.Now().In(Location())
}

// StartOfDay truncates t to local midnight in the operating zone.
func StartOfDay(t time.Time) time.Time {
	local := t.In(Location())
	y, m, d := local.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, local.Location())
}
