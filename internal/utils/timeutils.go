package utils

import "time"

// FormatUTC renders a timestamp the way notification payloads expect it.
func FormatUTC(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().Format("2006-01-02 15:04:05 UTC")
}
