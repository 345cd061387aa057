package config

import "time"

// SetWatchDebounce overrides the watcher debounce and returns a restore function.
func SetWatchDebounce(d time.Duration) func() {
	orig := watchDebounce
	watchDebounce = d
	return func() { watchDebounce = orig }
}
