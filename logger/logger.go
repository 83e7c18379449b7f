// Package logger declares the named, package-level loggers the rest of
// the engine writes through: a
// subsystem imports this package for its *zap.Logger variable rather than
// constructing one itself, and logger/zap.Init is the only place that
// actually builds them.
package logger

import "go.uber.org/zap"

// Subsystem loggers, one per engine subsystem. zap.NewNop() keeps every subsystem usable before
// logger/zap.Init runs (tests construct a Context without ever calling
// Init).
var (
	Dispatch  = zap.NewNop()
	State     = zap.NewNop()
	Storage   = zap.NewNop()
	Transport = zap.NewNop()
	Bootstrap = zap.NewNop()
)
