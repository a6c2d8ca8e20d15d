package stores

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/oarkflow/date"

	"github.com/oarkflow/permguard"
)

// tsLayout is fixed width in UTC so text columns sort chronologically.
const tsLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(tsLayout)
}

func nullableTime(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return formatTime(*t)
}

func parseFlexibleTime(s string) (time.Time, error) {
	if t, err := time.Parse(tsLayout, s); err == nil {
		return t, nil
	}
	return date.Parse(s)
}

// scanTime accepts whatever the driver hands back for a timestamp column.
func scanTime(raw any) time.Time {
	switch v := raw.(type) {
	case time.Time:
		return v.UTC()
	case string:
		if t, err := parseFlexibleTime(v); err == nil {
			return t.UTC()
		}
	case []byte:
		if t, err := parseFlexibleTime(string(v)); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

// scanTimePtr reads a nullable timestamp. Unlike scanTime it refuses
// values it cannot parse; a NULL or empty column is no timestamp.
func scanTimePtr(raw any) (*time.Time, error) {
	var s string
	switch v := raw.(type) {
	case nil:
		return nil, nil
	case time.Time:
		t := v.UTC()
		return &t, nil
	case string:
		s = v
	case []byte:
		s = string(v)
	default:
		return nil, fmt.Errorf("unsupported timestamp type %T", raw)
	}
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	t, err := parseFlexibleTime(s)
	if err != nil {
		return nil, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	t = t.UTC()
	return &t, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func encodeIDs(ids []permguard.PermissionID) string {
	if ids == nil {
		ids = []permguard.PermissionID{}
	}
	b, _ := json.Marshal(ids)
	return string(b)
}

func decodeIDs(s string) ([]permguard.PermissionID, error) {
	if s == "" {
		return nil, nil
	}
	var ids []permguard.PermissionID
	if err := json.Unmarshal([]byte(s), &ids); err != nil {
		return nil, err
	}
	return ids, nil
}
