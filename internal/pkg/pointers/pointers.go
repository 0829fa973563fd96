// Package pointers provides small pointer-of-value helpers for the many
// optional/nullable struct fields storage.Task, storage.Step, and the
// memstore/gormstore test suites need (SleepUntil, WaitRetroactive, and
// the like), so call sites don't repeat the same one-line local helper.
package pointers

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T { return &v }

// Bool and String are Ptr specialized for the field types this engine
// actually takes as pointers; kept alongside the generic form for call
// sites that read more naturally without an explicit type argument.
func Bool(v bool) *bool       { return &v }
func String(v string) *string { return &v }
