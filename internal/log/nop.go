package log

import "context"

// nopLogger discards everything. Used when no logger is in the context and
// in tests that do not care about output.
type nopLogger struct{}

func (nopLogger) With(...any) Logger                           { return nopLogger{} }
func (nopLogger) Debug(context.Context, string, ...any)        {}
func (nopLogger) Info(context.Context, string, ...any)         {}
func (nopLogger) Warn(context.Context, string, ...any)         {}
func (nopLogger) Error(context.Context, error, string, ...any) {}
func (nopLogger) Sync() error                                  { return nil }

// Nop returns a Logger that drops all records.
func Nop() Logger { return nopLogger{} }
