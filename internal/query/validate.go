// Package query runs read-only SQL against the analytics database.
package query

import (
	"errors"
	"strings"
)

// ErrUnsafeQuery is returned when a query fails the safety gate.
var ErrUnsafeQuery = errors.New("query is not safe to execute")

// RejectionText is the tool-facing reply for a query that fails Validate.
const RejectionText = "Error: Query is not safe to execute. Only SELECT queries are allowed."

// Denylist holds the keywords that make a query unsafe.
var Denylist = []string{
	"DROP", "DELETE", "TRUNCATE", "ALTER", "CREATE", "INSERT",
	"UPDATE", "GRANT", "REVOKE", "EXEC", "EXECUTE",
}

// Validate reports whether query is safe to run. It is a case-insensitive
// substring match against Denylist, not a parser: a SELECT mentioning
// "update" in a string literal is rejected, and destructive statements whose
// keyword is not listed pass.
func Validate(query string) bool {
	lower := strings.ToLower(query)
	for _, kw := range Denylist {
		if strings.Contains(lower, strings.ToLower(kw)) {
			return false
		}
	}
	return true
}
