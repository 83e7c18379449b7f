// Package result carries the tagged response envelope the dispatcher emits:
// a named result, its argument map, and the standard JMAP error kinds.
package result

// Result is one value a method handler returns. A handler may return
// several Results for one call (JMAP forbids siblings once one of them is
// an error — the dispatcher enforces that, not this package).
type Result struct {
	Name string
	Args map[string]any
}

// Sentence is one (name, arguments, clientId) response tuple, the unit the
// sentence collection is built from.
type Sentence struct {
	Name     string
	Args     map[string]any
	ClientID string
}

// IsError reports whether this sentence carries an error result.
func (s Sentence) IsError() bool { return s.Name == "error" }

// Error is the standard shape of every JMAP error sentence's arguments.
// Type is the tagged error kind; Description is a human string;
// Properties carries kind-specific detail (invalidProperties maps, guids).
type Error struct {
	Type        string         `json:"type"`
	Description string         `json:"description,omitempty"`
	Properties  map[string]any `json:"-"`
}

func (e *Error) Error() string {
	if e.Description != "" {
		return e.Type + ": " + e.Description
	}
	return e.Type
}

// Sentence converts an Error into the wire sentence the dispatcher appends.
func (e *Error) Sentence(clientID string) Sentence {
	args := map[string]any{"type": e.Type}
	if e.Description != "" {
		args["description"] = e.Description
	}
	for k, v := range e.Properties {
		args[k] = v
	}
	return Sentence{Name: "error", Args: args, ClientID: clientID}
}

// The error kinds named in the error handling design. Each constructor
// below produces the canonical Error for its kind.
const (
	TypeUnknownMethod       = "unknownMethod"
	TypeForbidden           = "forbidden"
	TypeResultReference     = "resultReference"
	TypeDuplicateCreationID = "duplicateCreationId"
	TypeTooManyMethods      = "tooManyMethods"
	TypeCannotCalcChanges   = "cannotCalculateChanges"
	TypeStateMismatch       = "stateMismatch"
	TypeTryAgain            = "tryAgain"
	TypeInvalidProperties   = "invalidProperties"
	TypeInvalidArguments    = "invalidArguments"
	TypeInternalError       = "internalError"
	TypeAnchorNotFound      = "anchorNotFound"
)

func UnknownMethod() *Error { return &Error{Type: TypeUnknownMethod} }

func Forbidden() *Error { return &Error{Type: TypeForbidden} }

func ResultReference(description string) *Error {
	return &Error{Type: TypeResultReference, Description: description}
}

func DuplicateCreationID() *Error { return &Error{Type: TypeDuplicateCreationID} }

func TooManyMethods() *Error { return &Error{Type: TypeTooManyMethods} }

func CannotCalculateChanges() *Error { return &Error{Type: TypeCannotCalcChanges} }

func StateMismatch() *Error { return &Error{Type: TypeStateMismatch} }

func TryAgain() *Error {
	return &Error{Type: TypeTryAgain, Description: "blocked by another client"}
}

func InvalidProperties(perProperty map[string]any) *Error {
	return &Error{Type: TypeInvalidProperties, Properties: map[string]any{"invalidProperties": perProperty}}
}

func InvalidArguments(perArg map[string]any) *Error {
	return &Error{Type: TypeInvalidArguments, Properties: map[string]any{"invalidArguments": perArg}}
}

func InternalError(guid string) *Error {
	return &Error{Type: TypeInternalError, Properties: map[string]any{"guid": guid}}
}

func AnchorNotFound() *Error { return &Error{Type: TypeAnchorNotFound} }

// CouldNotDecodeRequest is the HTTP-400-only transport error; it never
// becomes a sentence, only a raw JSON body.
const CouldNotDecodeRequest = "could not decode request"
