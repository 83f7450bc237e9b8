package scopekey

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"lukechampine.com/blake3"
)

// Window kinds recognised by the quest catalog.
const (
	KindOnce   = "once"
	KindDaily  = "daily"
	KindWeekly = "weekly"
	KindTier   = "tier"
)

const (
	onceWindow = "once"
	tierPrefix = "tier:"
	dateLayout = "2006-01-02"
)

// Normalize canonicalises a chain address so case variants share one identity.
func Normalize(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}

// Build derives the idempotency key for a (user, quest, window) triple. Each field is
// length-prefixed before hashing so distinct triples can never share an encoding.
func Build(userAddress, questID, scopeWindow string) string {
	h := blake3.New(32, nil)
	for _, field := range []string{Normalize(userAddress), strings.TrimSpace(questID), strings.TrimSpace(scopeWindow)} {
		var size [8]byte
		binary.BigEndian.PutUint64(size[:], uint64(len(field)))
		_, _ = h.Write(size[:])
		_, _ = h.Write([]byte(field))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Once returns the window used by quests that can only be completed a single time.
func Once() string { return onceWindow }

// Daily returns the calendar date of t in loc.
func Daily(t time.Time, loc *time.Location) string {
	return t.In(location(loc)).Format(dateLayout)
}

// Weekly returns the ISO week of t in loc, e.g. 2024-W22.
func Weekly(t time.Time, loc *time.Location) string {
	year, week := t.In(location(loc)).ISOWeek()
	return fmt.Sprintf("%04d-W%02d", year, week)
}

// Tier returns the window for a tiered one-time quest.
func Tier(label string) string {
	return tierPrefix + strings.ToLower(strings.TrimSpace(label))
}

// ForKind derives the window for the supplied kind at instant t.
func ForKind(kind string, t time.Time, loc *time.Location, tier string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case KindOnce, "":
		return Once(), nil
	case KindDaily:
		return Daily(t, loc), nil
	case KindWeekly:
		return Weekly(t, loc), nil
	case KindTier:
		if strings.TrimSpace(tier) == "" {
			return "", fmt.Errorf("scopekey: tier label required")
		}
		return Tier(tier), nil
	default:
		return "", fmt.Errorf("scopekey: unknown window kind %q", kind)
	}
}

// Start reports the first instant covered by a dated window. Once and tier windows have
// no start and return false.
func Start(window string, loc *time.Location) (time.Time, bool) {
	loc = location(loc)
	window = strings.TrimSpace(window)
	if day, err := time.ParseInLocation(dateLayout, window, loc); err == nil {
		return day, true
	}
	year, week, ok := parseISOWeek(window)
	if !ok {
		return time.Time{}, false
	}
	// ISO week 1 is the week holding January 4th.
	jan4 := time.Date(year, time.January, 4, 0, 0, 0, 0, loc)
	offset := (int(jan4.Weekday()) + 6) % 7
	monday := jan4.AddDate(0, 0, -offset)
	return monday.AddDate(0, 0, (week-1)*7), true
}

func parseISOWeek(window string) (int, int, bool) {
	yearPart, weekPart, found := strings.Cut(window, "-W")
	if !found || len(yearPart) != 4 || len(weekPart) != 2 {
		return 0, 0, false
	}
	year, err := strconv.Atoi(yearPart)
	if err != nil {
		return 0, 0, false
	}
	week, err := strconv.Atoi(weekPart)
	if err != nil || week < 1 || week > 53 {
		return 0, 0, false
	}
	return year, week, true
}

func location(loc *time.Location) *time.Location {
	if loc == nil {
		return time.UTC
	}
	return loc
}
