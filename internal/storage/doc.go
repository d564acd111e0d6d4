// Package storage persists account credential records, active-session
// records, and a run audit log. Records are keyed by account id and
// written as whole-document replacements, so a second process invocation
// can detect and reuse live sessions.
package storage
