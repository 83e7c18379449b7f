// Package engine defines Context, the per-request mutable bag the
// dispatcher and every record-class hook carry: the schema handle, the
// creation-id table, the exception-guid list, and the nested-transaction
// depth that the account-state bookkeeper localises around.
package engine

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
	"gorm.io/gorm"

	"github.com/forbearing/ix/internal/exceptionreport"
	"github.com/forbearing/ix/state"
)

// duplicateCreationID is the sentinel a creation-id table entry is flipped
// to when the same client-chosen id is logged a second time within one
// request.
const duplicateCreationID = "\x00DUPLICATE"

// MayCallFunc is the per-call access-control predicate. Authentication
// and authorisation are out of scope of this engine, so the only surface
// it offers is a boolean per call.
type MayCallFunc func(method string, args map[string]any) bool

// Context is created once per incoming request and threaded through the
// dispatcher, the record-class method generator, and every hook. TxnDo
// produces child Contexts scoped to a transaction or nested savepoint;
// everything except DB and the state session is shared by reference across
// that family of Contexts, matching the "request-scoped, single-writer"
// resource policy.
type Context struct {
	parent context.Context

	DB        *gorm.DB
	AccountID string
	IsSystem  bool
	MayCall   MayCallFunc

	bookkeeper *state.Bookkeeper
	state      *state.Session
	txnDepth   int

	mu          sync.Mutex
	creationIDs map[string]map[string]string // type -> creationId -> id (or duplicateCreationID)
	exceptions  *[]string
	callInfo    map[string]int64 // method or call_ident -> cumulative nanoseconds

	reports *exceptionreport.Sink
}

// New creates a top-level request Context. db should be the request's
// dedicated connection (or a *gorm.DB bound to one); it is not shared
// across requests.
func New(parent context.Context, db *gorm.DB, accountID string, mayCall MayCallFunc, reports *exceptionreport.Sink) *Context {
	if parent == nil {
		parent = context.Background()
	}
	if mayCall == nil {
		mayCall = func(string, map[string]any) bool { return true }
	}
	return &Context{
		parent:      parent,
		DB:          db,
		AccountID:   accountID,
		MayCall:     mayCall,
		bookkeeper:  state.NewBookkeeper(),
		creationIDs: make(map[string]map[string]string),
		exceptions:  new([]string),
		callInfo:    make(map[string]int64),
		reports:     reports,
	}
}

// Context returns the stdlib context.Context this request carries,
// honouring the transport's cancellation/deadline.
func (c *Context) Context() context.Context { return c.parent }

// State returns the account-state session for this transaction. TxnDo
// attaches one when it opens the top-level transaction (its state rows
// load lazily on first access); outside of a TxnDo, it is nil: state
// access is only meaningful inside a transaction.
func (c *Context) State() *state.Session { return c.state }

// TxnDepth reports the nesting depth of the current transactional scope;
// 0 means no transaction is open yet.
func (c *Context) TxnDepth() int { return c.txnDepth }

// TxnDo opens a transaction (or, when already inside one, a nested
// savepoint) and runs work with a child Context scoped to it. It
// implements the transactional scoping invariants:
//
//   - at depth 0, state must be unset before opening, else it's a misuse;
//   - nested calls see a localised pending-state map, folded into the
//     parent's on success and discarded on failure;
//   - a depth-0 success commits the bookkeeper before the transaction
//     commits.
func (c *Context) TxnDo(work func(tx *Context) error) error {
	if c.txnDepth == 0 && c.state != nil {
		return errors.New("engine: txn_do called at depth 0 with a state session already attached")
	}

	var fold func(bool)
	err := c.DB.Transaction(func(tx *gorm.DB) error {
		child := c.clone()
		child.DB = tx
		child.txnDepth = c.txnDepth + 1

		if c.txnDepth == 0 {
			child.state = c.bookkeeper.Session(tx, c.AccountID)
		} else {
			var localized *state.Session
			localized, fold = c.state.Localize()
			child.state = localized
		}

		if err := work(child); err != nil {
			return err
		}

		if c.txnDepth == 0 {
			if err := child.state.Commit(); err != nil {
				return err
			}
		}
		// For a nested scope, fold (captured above) already closes over
		// the localized child session and merges its pending bumps into
		// the parent once called below.
		return nil
	})

	if fold != nil {
		fold(err == nil)
	}
	return err
}

// clone returns a shallow copy of c sharing every request-scoped field
// (creation-id table, exception list, call-info log) by reference, per the
// single-writer resource policy; only DB, state and txnDepth are meant to
// be overridden by the caller.
func (c *Context) clone() *Context {
	return &Context{
		parent:      c.parent,
		DB:          c.DB,
		AccountID:   c.AccountID,
		IsSystem:    c.IsSystem,
		MayCall:     c.MayCall,
		bookkeeper:  c.bookkeeper,
		state:       c.state,
		txnDepth:    c.txnDepth,
		creationIDs: c.creationIDs,
		exceptions:  c.exceptions,
		callInfo:    c.callInfo,
		reports:     c.reports,
	}
}

// LogCreationID records a client-chosen creation id for typ, resolving to
// id. A second log of the same (typ, creationId) within one request flips
// the entry to the DUPLICATE sentinel instead of overwriting it.
func (c *Context) LogCreationID(typ, creationID, id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.creationIDs[typ]
	if !ok {
		m = make(map[string]string)
		c.creationIDs[typ] = m
	}
	if _, seen := m[creationID]; seen {
		m[creationID] = duplicateCreationID
		return
	}
	m[creationID] = id
}

// ResolveCreationID looks up a previously logged creation id. ok is false
// if it was never logged; dup is true if it was logged twice (the
// DUPLICATE sentinel), in which case the caller must fail with
// duplicateCreationId rather than use id.
func (c *Context) ResolveCreationID(typ, creationID string) (id string, dup bool, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, exists := c.creationIDs[typ]
	if !exists {
		return "", false, false
	}
	v, exists := m[creationID]
	if !exists {
		return "", false, false
	}
	if v == duplicateCreationID {
		return "", true, true
	}
	return v, false, true
}

// FileExceptionReport hands err to the out-of-band sink and records the
// resulting guid on this request, for InternalError construction.
func (c *Context) FileExceptionReport(err error) string {
	guid := c.reports.File(err)
	c.mu.Lock()
	*c.exceptions = append(*c.exceptions, guid)
	c.mu.Unlock()
	return guid
}

// ExceptionGUIDs returns every correlation guid filed during this request.
func (c *Context) ExceptionGUIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), *c.exceptions...)
}

// RecordCallTiming accumulates elapsed nanoseconds under name (a method
// name, or a multicall's call_ident), for the context's call-info log.
func (c *Context) RecordCallTiming(name string, nanos int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callInfo[name] += nanos
}

// CallInfo returns a snapshot of the accumulated per-method timings.
func (c *Context) CallInfo() map[string]int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]int64, len(c.callInfo))
	for k, v := range c.callInfo {
		out[k] = v
	}
	return out
}
