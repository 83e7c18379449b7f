// Package cookie is the demonstration record class: a "Cookie" type
// with a type and a delicious property, wired end-to-end through
// package storage so the dispatcher's, bookkeeper's
// and resultset operators' testable properties can be exercised against a
// real (if ephemeral) in-memory SQLite schema.
package cookie

import (
	"github.com/cockroachdb/errors"
	"gorm.io/gorm"

	"github.com/forbearing/ix/engine"
	"github.com/forbearing/ix/recordclass"
	"github.com/forbearing/ix/result"
	"github.com/forbearing/ix/storage"
	"github.com/forbearing/ix/validate"
)

var errBadFilterValue = errors.New("type filter value must be a string")

// Cookie is the record's Go struct; it embeds recordclass.Base for the
// mandatory columns and declares two properties.
type Cookie struct {
	recordclass.Base

	Type      string `json:"type" gorm:"column:type"`
	Delicious string `json:"delicious" gorm:"column:delicious"`
}

func (Cookie) TableName() string { return "cookies" }

// Class declares the Cookie record class: type/delicious are client
// settable on create, delicious alone updatable, neither immutable.
// Cookie/get accepts one extra argument, onlyType, narrowing the returned
// list to cookies of that type.
var Class = &recordclass.Class[Cookie]{
	TypeKey:     "Cookie",
	AccountType: "generic",
	New:         func() *Cookie { return &Cookie{} },
	Properties: []recordclass.Property{
		{Name: "type", Kind: recordclass.KindString, ClientMayInit: true, Validator: validate.String(1, 64)},
		{Name: "delicious", Kind: recordclass.KindString, ClientMayInit: true, ClientMayUpdate: true, Validator: validate.Enum("yes", "no")},
	},
	DefaultProperties: []string{"type", "delicious"},
	ExtraGetArgs:      []string{"onlyType"},

	QueryEnabled: true,
	QuerySortMap: recordclass.SortMap{"created": "created", "type": "type"},
	QueryFilterMap: recordclass.FilterMap{
		"type": {
			CondBuilder: func(value any) (string, []any, error) {
				s, ok := value.(string)
				if !ok {
					return "", nil, errBadFilterValue
				}
				return "type = ?", []any{s}, nil
			},
			// A cookie's type never changes after create (not
			// ClientMayUpdate), so any update or destroy always leaves a
			// type-filtered view's membership intact except via destroy.
			Differ: func(_, new map[string]any) bool {
				active, _ := new["isActive"].(*bool)
				return active == nil
			},
		},
	},

	Hooks: recordclass.Hooks[Cookie]{
		GetFilter: func(_ *engine.Context, args map[string]any, db *gorm.DB) (*gorm.DB, *result.Error) {
			raw, ok := args["onlyType"]
			if !ok || raw == nil {
				return db, nil
			}
			s, ok := raw.(string)
			if !ok {
				return nil, result.InvalidArguments(map[string]any{"onlyType": "must be a string"})
			}
			return db.Where("type = ?", s), nil
		},
	},
}

// Handlers builds Cookie's method handler map, for registration into a
// recordclass.Registry.
func Handlers() map[string]recordclass.HandlerFunc { return storage.GenerateHandlers(Class) }
