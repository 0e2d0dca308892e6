// Package operation runs tracked fetch and push transfers. Each Operation owns
// a progress cell, an inbound payload channel and a relay goroutine; a
// supervisor goroutine turns relay signals into subscriber wake-ups and, once
// the relay stops, persists the outcome, archives a JSON report and publishes
// a completion event.
package operation
