// Package remoteprogress relays progress from a blocking remote fetch or push to
// asynchronous consumers. The transfer's callback pushes Notification payloads
// into a channel; a relay goroutine maps each payload to a normalized Progress,
// stores it in a single-slot Cell and fires a payload-free signal so consumers
// know to re-read the cell.
package remoteprogress
