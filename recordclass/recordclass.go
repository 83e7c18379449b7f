// Package recordclass declares the DSL a record class exposes and the registry of method handlers
// built from it at startup. The resultset operators that actually turn a
// declaration into working K/get, K/set, K/changes, K/query and
// K/queryChanges handlers live in package storage, which depends on this
// package rather than the other way around.
package recordclass

import (
	"strings"
	"sync"
	"time"

	"github.com/gertd/go-pluralize"
	"gorm.io/gorm"

	"github.com/forbearing/ix/engine"
	"github.com/forbearing/ix/result"
)

var pluralizer = pluralize.NewClient()

// Base is embedded by every record class's Go struct and carries the seven
// mandatory columns. Its fields are never client-settable regardless of what a record class's own Properties
// declare.
type Base struct {
	ID            string     `json:"id" gorm:"primaryKey;column:id;size:36"`
	AccountID     string     `json:"accountId" gorm:"column:account_id;size:36;not null;index"`
	ModSeqCreated int64      `json:"modSeqCreated" gorm:"column:mod_seq_created;not null"`
	ModSeqChanged int64      `json:"modSeqChanged" gorm:"column:mod_seq_changed;not null"`
	DateDestroyed *time.Time `json:"dateDestroyed" gorm:"column:date_destroyed"`
	IsActive      *bool      `json:"isActive" gorm:"column:is_active"`
	Created       time.Time  `json:"created" gorm:"column:created;autoCreateTime"`
}

// Kind is a record class property's data type.
type Kind int

const (
	KindString Kind = iota
	KindCIString
	KindTimestamp
	KindStringArray
	KindBoolean
	KindInteger
	KindID
)

// Validator is the value -> error-or-nil contract the validation primitive
// library is specified only as an interface for; record classes supply
// one per property that needs more than type checking.
type Validator func(v any) *result.Error

// Property is one declared column: its type, nullability, client-mutation
// permissions, immutability, virtuality, validator and default.
type Property struct {
	Name            string
	Kind            Kind
	Optional        bool
	ClientMayInit   bool
	ClientMayUpdate bool
	Immutable       bool
	Virtual         bool
	Validator       Validator
	Default         any
}

// UniqueIndex is a unique constraint a record class declares over its own
// properties; storage.RewriteUniqueIndexes prefixes it with
// isActive before it reaches the migrator.
type UniqueIndex struct {
	Name    string
	Columns []string
}

// Filter is one entry of a record class's query_filter_map: how to turn a
// filter value into a SQL condition, and how to decide whether a change
// could have affected whether a given row matches (used by
// K/queryChanges).
type Filter struct {
	CondBuilder func(value any) (sql string, args []any, err error)
	Differ      func(old, new map[string]any) bool
}

type FilterMap map[string]Filter

// SortMap maps a declared sort key to the SQL ORDER BY expression it
// compiles to.
type SortMap map[string]string

// HandlerFunc is the shape every dispatcher-visible method handler has,
// whether generated from a record class or supplied verbatim via
// PublishedMethodMap. The returned error is the dispatcher's single catch
// point: a *result.Error is a thrown domain error and becomes an
// error sentence directly; any other error is an internal failure, filed
// through the exception-report sink and converted to internalError.
type HandlerFunc func(ctx *engine.Context, args map[string]any) ([]result.Result, error)

// Hooks is the fixed-shape record of optional hook functions the method
// generator invokes at each phase of K/set. Every field may be nil.
type Hooks[M any] struct {
	// GetFilter narrows a K/get query using the class's ExtraGetArgs;
	// nil when the class declares no extra get arguments.
	GetFilter func(ctx *engine.Context, args map[string]any, db *gorm.DB) (*gorm.DB, *result.Error)

	SetCheck     func(ctx *engine.Context, arg map[string]any) *result.Error
	CreateCheck  func(ctx *engine.Context, rec map[string]any) *result.Error
	CreateError  func(ctx *engine.Context, err error) (row *M, rerr *result.Error)
	Created      func(ctx *engine.Context, row *M) error
	UpdateCheck  func(ctx *engine.Context, row *M, rec map[string]any) *result.Error
	Updated      func(ctx *engine.Context, old, new *M) error
	DestroyCheck func(ctx *engine.Context, row *M) *result.Error
	Destroyed    func(ctx *engine.Context, row *M) error

	PostprocessCreate  func(ctx *engine.Context, row *M)
	PostprocessUpdate  func(ctx *engine.Context, old, new *M)
	PostprocessDestroy func(ctx *engine.Context, row *M)
}

// Class is the declarative description of one entity table plus its
// hooks. M is the record's Go
// struct, which must embed Base.
type Class[M any] struct {
	TypeKey       string
	AccountType   string
	IsAccountBase bool

	// Table is the SQL table backing this record class. When left empty,
	// TableName derives it from TypeKey (lower-cased and pluralized, e.g.
	// "Cookie" -> "cookies").
	Table string

	Properties []Property
	Indexes    []UniqueIndex
	Expand     []string // foreign-key preload hints for Get

	ExtraGetArgs []string

	QueryEnabled      bool
	QueryFilterMap    FilterMap
	QuerySortMap      SortMap
	QueryJoins        []string
	DefaultProperties []string

	PublishedMethodMap map[string]HandlerFunc

	Hooks Hooks[M]

	// New constructs a zero-value *M; storage uses it to decode rows and
	// to validate create/update argument maps against the Go struct shape.
	New func() *M
}

// TableName returns the record class's SQL table name, falling back to a
// pluralized form of TypeKey when Table was left unset.
func (c *Class[M]) TableName() string {
	if c.Table != "" {
		return c.Table
	}
	return pluralizer.Plural(strings.ToLower(c.TypeKey))
}

// ClientMayInitProperties returns the allowed property names for create:
// client_may_init properties, plus (when isSystem) every non-virtual,
// non-immutable property — the system-caller escalation.
func (c *Class[M]) ClientMayInitProperties(isSystem bool) map[string]bool {
	out := make(map[string]bool)
	for _, p := range c.Properties {
		if p.Virtual {
			continue
		}
		if p.ClientMayInit || (isSystem && !p.Immutable) {
			out[p.Name] = true
		}
	}
	return out
}

// ClientMayUpdateProperties returns the allowed property names for update,
// mirroring ClientMayInitProperties for the update permission.
func (c *Class[M]) ClientMayUpdateProperties(isSystem bool) map[string]bool {
	out := make(map[string]bool)
	for _, p := range c.Properties {
		if p.Virtual || p.Immutable {
			continue
		}
		if p.ClientMayUpdate || isSystem {
			out[p.Name] = true
		}
	}
	return out
}

// Registry is the process-wide, built-at-startup map of method name to
// handler. It is populated once during bootstrap and treated as immutable
// thereafter; the mutex only guards that startup window.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]HandlerFunc)}
}

// Register adds every entry of handlers (generated handlers keyed
// "TypeKey/verb", plus any PublishedMethodMap entries) to the registry.
func (r *Registry) Register(handlers map[string]HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for method, h := range handlers {
		r.handlers[method] = h
	}
}

// HandlerFor looks up the handler for a method name, as step 3 of the
// dispatcher's per-call loop does before falling back to unknownMethod.
func (r *Registry) HandlerFor(method string) (HandlerFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[method]
	return h, ok
}

// Account families: the process-wide map of account_type -> the type keys
// sharing its state rows. Populated at startup as each record class's
// handlers are generated, read when an is_account_base record is created
// to seed the new account's state rows.
var (
	familyMu sync.RWMutex
	families = make(map[string][]string)
)

// RegisterFamilyMember records typeKey as part of accountType's family,
// idempotently.
func RegisterFamilyMember(accountType, typeKey string) {
	if accountType == "" || typeKey == "" {
		return
	}
	familyMu.Lock()
	defer familyMu.Unlock()
	for _, t := range families[accountType] {
		if t == typeKey {
			return
		}
	}
	families[accountType] = append(families[accountType], typeKey)
}

// FamilyMembers returns every type key registered under accountType.
func FamilyMembers(accountType string) []string {
	familyMu.RLock()
	defer familyMu.RUnlock()
	return append([]string(nil), families[accountType]...)
}
