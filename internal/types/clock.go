package types

import (
	"os"
	"strings"
	"time"
)

// UTCNow returns the current wall-clock time in UTC.
func UTCNow() time.Time {
	return time.Now().UTC()
}

// UTCTs returns the current unix timestamp in seconds.
func UTCTs() int64 {
	return UTCNow().Unix()
}

// ParseUTCISO parses an ISO-8601 timestamp, forcing UTC. SQLite's datetime()
// emits "2006-01-02 15:04:05" without a zone, so both layouts are accepted.
func ParseUTCISO(iso string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, iso); err == nil {
			return t.UTC(), nil
		}
	}
	t, err := time.Parse(time.RFC3339Nano, iso)
	return t.UTC(), err
}

// FormatUTCISO renders a timestamp the way it is persisted in the database.
func FormatUTCISO(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05")
}

// EnvBool reads a boolean environment variable accepting "1", "true", "yes".
func EnvBool(key string, defaultVal bool) bool {
	val, ok := os.LookupEnv(key)
	if !ok {
		return defaultVal
	}
	switch strings.ToLower(val) {
	case "1", "true", "yes":
		return true
	default:
		return false
	}
}
