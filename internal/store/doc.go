// Package store defines interfaces for persisting finished transfer operations.
// Implementations live in other packages; this package must not import
// database drivers or concrete clients.
package store
