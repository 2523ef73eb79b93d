package normalize

import (
	"strings"
	"time"
	_ "time/tzdata" // zone lookups must not depend on the host's zoneinfo
)

// DayLayout is the YYYY-MM-DD day key format.
const DayLayout = "2006-01-02"

// Location resolves an IANA zone name. Empty, "Local" and unknown names
// resolve to UTC so the result never depends on the host.
func Location(tz string) *time.Location {
	tz = strings.TrimSpace(tz)
	if tz == "" || tz == "Local" {
		return time.UTC
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.UTC
	}
	return loc
}

// DayKey formats observedAt as a calendar day in tz.
func DayKey(observedAt time.Time, tz string) string {
	return observedAt.In(Location(tz)).Format(DayLayout)
}

// ValidDay reports whether day is a well-formed day key.
func ValidDay(day string) bool {
	_, err := time.Parse(DayLayout, day)
	return err == nil
}
