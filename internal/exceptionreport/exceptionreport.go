// Package exceptionreport is the opaque out-of-band crash-report sink the
// dispatcher files internal failures to (spec'd only by interface: a
// function from an error to a correlation id). This implementation logs
// the full error at Error level and hands back the correlation guid; it
// never exposes the error itself to a client.
package exceptionreport

import (
	"go.uber.org/zap"

	"github.com/forbearing/ix/util"
)

// Sink files exception reports. The zero value logs to zap's global
// logger; construct with New to target a specific *zap.Logger.
type Sink struct {
	log *zap.Logger
}

func New(log *zap.Logger) *Sink {
	if log == nil {
		log = zap.L()
	}
	return &Sink{log: log}
}

// File records err out of band and returns a correlation guid. The guid,
// not err, is what the engine is allowed to put on the wire.
func (s *Sink) File(err error) string {
	guid := util.UUID()
	log := s.log
	if log == nil {
		log = zap.L()
	}
	log.Error("internal error", zap.String("guid", guid), zap.Error(err))
	return guid
}
