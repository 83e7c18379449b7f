// Package validate supplies the value-level validators record classes
// attach to their properties: each constructor returns a function from a
// wire value to an error descriptor or nil, the contract
// recordclass.Validator names. Rule evaluation rides on
// github.com/go-playground/validator's single-value Var API rather than
// its struct-tag mode, since a record class's properties arrive as
// untyped JSON values, not annotated Go structs.
package validate

import (
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/forbearing/ix/result"
)

var v = validator.New()

func invalid(description string) *result.Error {
	return &result.Error{Type: result.TypeInvalidProperties, Description: description}
}

// String accepts a string of length within [min, max]; max <= 0 means
// unbounded above.
func String(min, max int) func(any) *result.Error {
	return func(val any) *result.Error {
		s, ok := val.(string)
		if !ok {
			return invalid("must be a string")
		}
		if len(s) < min {
			return invalid("too short")
		}
		if max > 0 && len(s) > max {
			return invalid("too long")
		}
		return nil
	}
}

// Integer accepts a JSON number that is a whole integer within
// [min, max].
func Integer(min, max int64) func(any) *result.Error {
	return func(val any) *result.Error {
		var n int64
		switch t := val.(type) {
		case float64:
			if t != float64(int64(t)) {
				return invalid("must be an integer")
			}
			n = int64(t)
		case int:
			n = int64(t)
		case int64:
			n = t
		default:
			return invalid("must be an integer")
		}
		if n < min || n > max {
			return invalid("out of range")
		}
		return nil
	}
}

// Enum accepts one of the given string values.
func Enum(allowed ...string) func(any) *result.Error {
	rule := "oneof=" + strings.Join(allowed, " ")
	description := "must be one of: " + strings.Join(allowed, ", ")
	return func(val any) *result.Error {
		s, ok := val.(string)
		if !ok {
			return invalid("must be a string")
		}
		if err := v.Var(s, rule); err != nil {
			return invalid(description)
		}
		return nil
	}
}

// ID accepts a GUID string of the shape the engine assigns to records.
func ID() func(any) *result.Error {
	return func(val any) *result.Error {
		s, ok := val.(string)
		if !ok {
			return invalid("must be an id string")
		}
		if err := v.Var(s, "uuid"); err != nil {
			return invalid("malformed id")
		}
		return nil
	}
}

// Boolean accepts a JSON boolean.
func Boolean() func(any) *result.Error {
	return func(val any) *result.Error {
		if _, ok := val.(bool); !ok {
			return invalid("must be a boolean")
		}
		return nil
	}
}
