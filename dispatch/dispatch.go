// Package dispatch implements the request dispatcher: it parses a
// batched call list, resolves back-references, invokes method handlers,
// accumulates results, and enforces call ordering and error semantics.
package dispatch

import (
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/forbearing/ix/engine"
	"github.com/forbearing/ix/logger"
	"github.com/forbearing/ix/recordclass"
	"github.com/forbearing/ix/result"
	"github.com/forbearing/ix/util"
)

// MaxCalls is the fatal (not per-call) batch size limit.
const MaxCalls = 5000

// Call is one call triple: a method name, its arguments, and the
// client-chosen id used to correlate responses.
type Call struct {
	Method   string
	Args     map[string]any
	ClientID string
}

// Pair is one (result, clientId) pair a Multicall yields.
type Pair struct {
	Result   result.Result
	ClientID string
}

// Multicall is the opaque batching optimisation: a call object
// carrying a logging identity and a precomputed or lazily-computed list of
// response pairs.
type Multicall interface {
	CallIdent() string
	Execute(ctx *engine.Context) []Pair
}

// Done is the trivial Multicall: it simply returns its stored pairs.
type Done struct {
	Ident string
	Pairs []Pair
}

func (d *Done) CallIdent() string              { return d.Ident }
func (d *Done) Execute(*engine.Context) []Pair { return d.Pairs }

// Item is either a Call or a Multicall; Run accepts a mixed slice of both.
type Item = any

// OptimizeFunc is the optimize_calls hook: a no-op by default,
// overridable to coalesce calls before the per-call loop runs.
type OptimizeFunc func(ctx *engine.Context, items []Item) []Item

// Dispatcher holds the process-wide, built-at-startup handler registry and
// the configuration governing one request's batch processing.
type Dispatcher struct {
	Registry *recordclass.Registry

	// SynthesizeClientID, when true, assigns a "x"+guid clientId to any
	// Call missing one instead of rejecting that call.
	SynthesizeClientID bool

	// OptimizeCalls defaults to a no-op; assign BatchGetOptimizer (or a
	// custom function) to coalesce calls before dispatch.
	OptimizeCalls OptimizeFunc
}

func New(registry *recordclass.Registry) *Dispatcher {
	return &Dispatcher{Registry: registry, OptimizeCalls: func(_ *engine.Context, items []Item) []Item { return items }}
}

// Run is the dispatcher's entry point: pre-flight batch-size check,
// optional clientId synthesis, optimize_calls, then the per-call loop —
// all inside the single transaction a request has exclusive use of for
// its lifetime. Each call runs in its own nested savepoint, so one
// call's failure rolls back only that call, not calls already processed
// earlier in the same batch.
//
// A non-nil error return means the top-level transaction itself failed
// to commit — e.g. the account-state bookkeeper lost a race on the
// states table (tryAgain) at the very end of the request, or the
// connection was lost mid-batch. That fails the whole request rather
// than surfacing as one call's internalError sentence; the caller (the
// HTTP transport) turns it into the 500 response.
func (d *Dispatcher) Run(ctx *engine.Context, items []Item) (Collection, error) {
	if len(items) > MaxCalls {
		return Collection{result.TooManyMethods().Sentence("")}, nil
	}

	if d.SynthesizeClientID {
		for i, item := range items {
			if call, ok := item.(Call); ok && call.ClientID == "" {
				call.ClientID = "x" + util.UUID()
				items[i] = call
			}
		}
	}

	if d.OptimizeCalls != nil {
		items = d.OptimizeCalls(ctx, items)
	}

	var collection Collection
	err := ctx.TxnDo(func(tx *engine.Context) error {
		collection = d.runLoop(tx, items)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return collection, nil
}

// runLoop is the per-call loop, run once inside the request's
// single top-level transaction; tx is that transaction's Context, and
// every call or multicall below nests a savepoint off of it.
func (d *Dispatcher) runLoop(tx *engine.Context, items []Item) Collection {
	var collection Collection

	for _, item := range items {
		if mc, ok := item.(Multicall); ok {
			start := time.Now()
			var pairs []Pair
			// Nested savepoint, not a second top-level transaction, so the
			// coalesced handler's state session reflects the account's
			// real modseq window (rather than reading a nil state and
			// falling back to "0") without opening a second connection
			// transaction for work already inside one.
			if err := tx.TxnDo(func(inner *engine.Context) error {
				pairs = mc.Execute(inner)
				return nil
			}); err != nil {
				tx.FileExceptionReport(err)
			}
			for _, p := range pairs {
				collection = append(collection, result.Sentence{Name: p.Result.Name, Args: p.Result.Args, ClientID: p.ClientID})
			}
			tx.RecordCallTiming(mc.CallIdent(), time.Since(start).Nanoseconds())
			continue
		}

		call, ok := item.(Call)
		if !ok {
			continue
		}
		start := time.Now()

		// A missing clientId was either synthesized in Run (when the
		// dispatcher is configured to) or must reject the call here: a
		// response sentence without a correlation id is useless to the
		// client and poisons back-reference resolution.
		if call.ClientID == "" {
			collection = append(collection, result.InvalidArguments(map[string]any{"clientId": "missing"}).Sentence(""))
			tx.RecordCallTiming(call.Method, time.Since(start).Nanoseconds())
			continue
		}

		handler, ok := d.Registry.HandlerFor(call.Method)
		if !ok {
			collection = append(collection, result.UnknownMethod().Sentence(call.ClientID))
			tx.RecordCallTiming(call.Method, time.Since(start).Nanoseconds())
			continue
		}

		if rerr := expandBackRefs(call.Args, collection); rerr != nil {
			collection = append(collection, rerr.Sentence(call.ClientID))
			tx.RecordCallTiming(call.Method, time.Since(start).Nanoseconds())
			continue
		}

		if !tx.MayCall(call.Method, call.Args) {
			collection = append(collection, result.Forbidden().Sentence(call.ClientID))
			tx.RecordCallTiming(call.Method, time.Since(start).Nanoseconds())
			continue
		}

		results, err := runHandler(tx, handler, call.Args)
		if err != nil {
			if rerr, ok := err.(*result.Error); ok {
				collection = append(collection, rerr.Sentence(call.ClientID))
			} else {
				guid := tx.FileExceptionReport(err)
				collection = append(collection, result.InternalError(guid).Sentence(call.ClientID))
			}
			tx.RecordCallTiming(call.Method, time.Since(start).Nanoseconds())
			continue
		}

		for i, r := range results {
			collection = append(collection, result.Sentence{Name: r.Name, Args: r.Args, ClientID: call.ClientID})
			if r.Name == "error" {
				// JMAP forbids post-error siblings: drop anything the
				// handler returned afterward and file an internal report
				// flagging the handler bug.
				if i+1 < len(results) {
					tx.FileExceptionReport(errors.Newf("%s: %d result(s) emitted after an error result", call.Method, len(results)-i-1))
				}
				break
			}
		}

		elapsed := time.Since(start)
		tx.RecordCallTiming(call.Method, elapsed.Nanoseconds())
		logger.Dispatch.Debug("call handled",
			zap.String("method", call.Method),
			zap.String("clientId", call.ClientID),
			zap.String("cost", util.FormatDurationSmart(elapsed)),
		)
	}

	return collection
}

// invoke calls a handler, converting a panic into the internal-failure
// path alongside a returned error — Go's analogue of "any other thrown
// value" in the error handling design.
func invoke(ctx *engine.Context, h recordclass.HandlerFunc, args map[string]any) (results []result.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf("panic in handler: %v", r)
		}
	}()
	return h(ctx, args)
}

// runHandler invokes h inside its own nested savepoint off of tx: every call, not only K/set, gets a state session so
// K/get and K/changes can read the account's current modseq window the
// same way K/set's hooks do — and a handler's own failure unwinds only
// this call's savepoint, leaving earlier calls' work intact in the
// still-open outer transaction.
func runHandler(tx *engine.Context, h recordclass.HandlerFunc, args map[string]any) ([]result.Result, error) {
	var results []result.Result
	err := tx.TxnDo(func(inner *engine.Context) error {
		r, e := invoke(inner, h, args)
		results = r
		return e
	})
	return results, err
}
