package sweeper

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// QuietHours is a window of local hours [From, To) during which notices are muted.
// From == To disables the window. The window may wrap midnight.
type QuietHours struct {
	From, To int
}

// ParseQuietHours reads "HH-HH". An empty string disables the window.
func ParseQuietHours(s string) (QuietHours, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return QuietHours{}, nil
	}
	parts := strings.Split(s, "-")
	if len(parts) != 2 {
		return QuietHours{}, fmt.Errorf("quiet hours %q: want HH-HH", s)
	}
	from, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil || from < 0 || from > 23 {
		return QuietHours{}, fmt.Errorf("quiet hours %q: bad start hour", s)
	}
	to, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil || to < 0 || to > 24 {
		return QuietHours{}, fmt.Errorf("quiet hours %q: bad end hour", s)
	}
	return QuietHours{From: from, To: to % 24}, nil
}

// Contains reports whether t (already in the operating zone) falls in the window.
func (q QuietHours) Contains(t time.Time) bool {
	if q.From == q.To {
		return false
	}
	h := t.Hour()
	if q.From < q.To {
		return h >= q.From && h < q.To
	}
	return h >= q.From || h < q.To
}
