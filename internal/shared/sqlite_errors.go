// Package shared provides common utilities used across the codebase.
//
//nolint:revive // "shared" is an intentional package name for cross-cutting helpers.
package shared

import "strings"

// conflictMarkers are the substrings modernc.org/sqlite puts in errors when
// another connection or process holds the database lock.
var conflictMarkers = []string{
	"SQLITE_BUSY",
	"SQLITE_LOCKED",
	"database is locked",
	"database table is locked",
}

// IsSQLiteConflictError reports whether err is a lock contention error that
// typically warrants a retry. The foreground session and the automation agent
// write the same file, so these are expected under normal operation.
func IsSQLiteConflictError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, m := range conflictMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}
