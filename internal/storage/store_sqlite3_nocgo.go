//go:build !cgo

package storage

// mattn/go-sqlite3 only defines its error types with cgo; without cgo its
// driver cannot open databases, so no such error can occur.
func isMattnUniqueViolation(error) bool { return false }
