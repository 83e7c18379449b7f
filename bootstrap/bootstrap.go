// Package bootstrap sequences process startup: a fixed list of synchronous init steps run in
// order (config, logging, database migration), followed by an errgroup
// of background goroutines, all driven by an Initializer a process-level
// main registers against before calling Init/Go.
package bootstrap

import (
	"context"
	"reflect"
	"runtime"
	"strings"
	"time"

	"go.uber.org/automaxprocs/maxprocs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/forbearing/ix/logger"
	"github.com/forbearing/ix/util"
)

var _initializer = new(Initializer)

// Initializer holds the two registration lists this package
// exposes: functions run sequentially in the calling goroutine,
// and functions run concurrently in their own goroutine with errors
// collected by an errgroup.
type Initializer struct {
	fns []func() error
	gos []func() error
}

// Register queues fn to run sequentially, in registration order, when
// Init is called.
func (i *Initializer) Register(fn ...func() error) { i.fns = append(i.fns, fn...) }

// RegisterGo queues fn to run in its own goroutine when Go is called.
func (i *Initializer) RegisterGo(fn ...func() error) { i.gos = append(i.gos, fn...) }

// Init runs every registered sequential step, in order, logging each
// step's duration. It stops and returns the first error.
func (i *Initializer) Init() error {
	defer func() { i.fns = nil }()
	for _, fn := range i.fns {
		if fn == nil {
			continue
		}
		start := time.Now()
		err := fn()
		logger.Bootstrap.Debug("init step",
			zap.String("function", funcName(fn)),
			zap.String("cost", util.FormatDurationSmart(time.Since(start))),
			zap.Error(err),
		)
		if err != nil {
			return err
		}
	}
	return nil
}

// Go launches every registered background step concurrently and waits
// for all of them; the first non-nil error is returned once every
// goroutine has finished.
func (i *Initializer) Go() error {
	defer func() { i.gos = nil }()
	g, _ := errgroup.WithContext(context.Background())
	for _, fn := range i.gos {
		if fn != nil {
			g.Go(fn)
		}
	}
	return g.Wait()
}

func funcName(fn func() error) string {
	if fn == nil {
		return "<nil>"
	}
	pc := runtime.FuncForPC(reflect.ValueOf(fn).Pointer())
	if pc == nil {
		return "<unknown>"
	}
	name := pc.Name()
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}
	return name
}

// Register, RegisterGo, Init and Go delegate to the process-wide
// Initializer.
func Register(fn ...func() error)   { _initializer.Register(fn...) }
func RegisterGo(fn ...func() error) { _initializer.RegisterGo(fn...) }
func Init() error                   { return _initializer.Init() }
func Go() error                     { return _initializer.Go() }

// SetMaxProcs tunes GOMAXPROCS to the process's cgroup CPU quota, logging
// through logger.Bootstrap at process start.
func SetMaxProcs() {
	_, _ = maxprocs.Set(maxprocs.Logger(func(format string, args ...any) {
		logger.Bootstrap.Sugar().Infof(format, args...)
	}))
}
