// Package logx provides structured logging for genflow.
//
// It wraps zerolog behind a small Logger value type so components depend on
// a stable API while sinks and levels can be swapped at runtime via Service.
package logx
