// Package state implements the per-account state bookkeeper: the
// monotonic modseq rows each (account, type) pair carries, and the
// four-valued comparator K/changes uses to decide in-sync/okay/resync/bogus.
package state

import (
	"strconv"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/forbearing/ix/logger"
	"github.com/forbearing/ix/result"
)

// Row is the persisted (accountId, type) -> (lowestModSeq, highestModSeq)
// record; its primary key is the pair itself.
type Row struct {
	AccountID     string `gorm:"primaryKey;column:account_id"`
	Type          string `gorm:"primaryKey;column:type"`
	LowestModSeq  int64  `gorm:"column:lowest_mod_seq;not null;default:0"`
	HighestModSeq int64  `gorm:"column:highest_mod_seq;not null;default:0"`
}

func (Row) TableName() string { return "states" }

// Comparison is the four-valued outcome of comparing a client's sinceState
// against a type's recorded window.
type Comparison int

const (
	InSync Comparison = iota
	Okay
	Resync
	Bogus
)

// Compare implements the K/changes decision table: a sinceState equal to
// the current high is in-sync; one within [low, high) can be diffed;
// anything below low needs a resync; anything malformed or above high
// (a state the server never issued) is bogus.
func Compare(sinceState string, low, high int64) Comparison {
	n, err := strconv.ParseInt(strings.TrimSpace(sinceState), 10, 64)
	if err != nil || n < 0 {
		return Bogus
	}
	switch {
	case n == high:
		return InSync
	case n >= low && n < high:
		return Okay
	case n < low:
		return Resync
	default:
		return Bogus
	}
}

type cached struct {
	row   Row
	found bool
}

// Session is the per-request, per-account bookkeeper instance. It is
// created when a top-level transaction opens and loads each type's state
// row lazily on first access; it is localised across nested
// transactions via Localize, and flushed by Commit when the owning
// transaction succeeds.
type Session struct {
	accountID string
	db        *gorm.DB

	mu      sync.Mutex
	cache   map[string]*cached
	pending map[string]int64
}

// Bookkeeper mints Sessions bound to a transaction-scoped *gorm.DB. It
// carries no state of its own; all per-request state lives on the Session.
type Bookkeeper struct{}

func NewBookkeeper() *Bookkeeper { return &Bookkeeper{} }

func (b *Bookkeeper) Session(db *gorm.DB, accountID string) *Session {
	return &Session{
		accountID: accountID,
		db:        db,
		cache:     make(map[string]*cached),
		pending:   make(map[string]int64),
	}
}

func (s *Session) load(typ string) *cached {
	if c, ok := s.cache[typ]; ok {
		return c
	}
	var row Row
	err := s.db.Where("account_id = ? AND type = ?", s.accountID, typ).Take(&row).Error
	c := &cached{}
	if err == nil {
		c.row, c.found = row, true
	} else {
		c.row, c.found = Row{AccountID: s.accountID, Type: typ}, false
	}
	s.cache[typ] = c
	return c
}

// StateFor returns the state string a K/get or K/changes response should
// report: the pending bump if one is staged this transaction, else the
// recorded highestModSeq, else "0" for a type never touched.
func (s *Session) StateFor(typ string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.pending[typ]; ok {
		return strconv.FormatInt(p, 10)
	}
	c := s.load(typ)
	return strconv.FormatInt(c.row.HighestModSeq, 10)
}

// HighLow returns the recorded (low, high) window for typ, used by the
// four-valued comparator.
func (s *Session) HighLow(typ string) (low, high int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.load(typ)
	return c.row.LowestModSeq, c.row.HighestModSeq
}

// NextStateFor returns the modseq a newly created or updated row of this
// type should be stamped with, without staging a bump. Record classes call
// EnsureBumped first; this just reads back the staged value.
func (s *Session) NextStateFor(typ string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.pending[typ]; ok {
		return p
	}
	c := s.load(typ)
	return c.row.HighestModSeq + 1
}

// EnsureBumped stages the next modseq for typ as pending, idempotently: the
// first call within a transaction records it, later calls return the same
// value.
func (s *Session) EnsureBumped(typ string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.pending[typ]; ok {
		return p
	}
	c := s.load(typ)
	next := c.row.HighestModSeq + 1
	s.pending[typ] = next
	return next
}

// Localize returns a child session for a nested transaction, sharing this
// session's loaded-row cache and starting with a copy of its pending map,
// so bumps already staged earlier in the transaction stay visible. The
// returned fold function must be called exactly once: with true to merge
// the child's pending bumps into the parent on savepoint success, with
// false to discard them on rollback.
func (s *Session) Localize() (child *Session, fold func(commit bool)) {
	s.mu.Lock()
	pending := make(map[string]int64, len(s.pending))
	for typ, next := range s.pending {
		pending[typ] = next
	}
	s.mu.Unlock()
	child = &Session{
		accountID: s.accountID,
		db:        s.db,
		cache:     s.cache,
		pending:   pending,
	}
	return child, func(commit bool) {
		if !commit {
			return
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		for typ, next := range child.pending {
			s.pending[typ] = next
		}
	}
}

// Commit flushes every staged bump to the states table. It must run inside
// the same transaction as the mutations it accounts for. A primary-key
// collision (another request's Commit landed first) surfaces as tryAgain.
func (s *Session) Commit() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for typ, next := range s.pending {
		c := s.cache[typ]
		if c == nil {
			c = s.load(typ)
		}
		if !c.found {
			row := Row{AccountID: s.accountID, Type: typ, LowestModSeq: 0, HighestModSeq: next}
			if err := s.db.Create(&row).Error; err != nil {
				if isUniqueViolation(err) {
					return result.TryAgain()
				}
				return errors.Wrap(err, "state: insert state row")
			}
			c.row, c.found = row, true
			continue
		}
		if err := s.db.Model(&Row{}).
			Where("account_id = ? AND type = ?", s.accountID, typ).
			Update("highest_mod_seq", next).Error; err != nil {
			if isUniqueViolation(err) {
				return result.TryAgain()
			}
			return errors.Wrap(err, "state: bump state row")
		}
		c.row.HighestModSeq = next
	}
	if len(s.pending) > 0 {
		logger.State.Debug("state bumps committed",
			zap.String("accountId", s.accountID),
			zap.Int("types", len(s.pending)),
		)
	}
	s.pending = make(map[string]int64)
	return nil
}

// Refresh discards cached state-row snapshots, forcing the next access to
// re-read from the database.
func (s *Session) Refresh() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache = make(map[string]*cached)
}

// isUniqueViolation recognises the primary-key/unique-constraint violation
// codes of the dialects this engine ships drivers for (postgres, sqlite),
// without importing their driver packages here.
func isUniqueViolation(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "23505") || // postgres unique_violation
		strings.Contains(msg, "duplicate key") ||
		strings.Contains(msg, "UNIQUE constraint") || // sqlite
		strings.Contains(msg, "constraint failed")
}
