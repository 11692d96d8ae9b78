// Package util holds small helpers shared across conveyor.
package util

// Truncate shortens s to at most max bytes, replacing the tail with "..."
// when it cuts. Values of max below 4 return s unchanged since there is no
// room for both content and the ellipsis.
func Truncate(s string, max int) string {
	if max < 4 || len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
