package result

// SetEnvelope is the result of a record class's K/set handler.
// M is the record class's wire representation (a map[string]any for a
// created/updated row, or any concrete struct the record class prefers).
type SetEnvelope[M any] struct {
	AccountID string `json:"accountId"`
	OldState  string `json:"oldState"`
	NewState  string `json:"newState"`

	Created   map[string]M  `json:"created,omitempty"`
	Updated   map[string]*M `json:"updated,omitempty"`
	Destroyed []string      `json:"destroyed,omitempty"`

	NotCreated   map[string]*Error `json:"notCreated,omitempty"`
	NotUpdated   map[string]*Error `json:"notUpdated,omitempty"`
	NotDestroyed map[string]*Error `json:"notDestroyed,omitempty"`
}

// NewSetEnvelope returns an envelope with its maps initialised so callers
// can assign into them unconditionally.
func NewSetEnvelope[M any](accountID, oldState string) *SetEnvelope[M] {
	return &SetEnvelope[M]{
		AccountID:    accountID,
		OldState:     oldState,
		NewState:     oldState,
		Created:      make(map[string]M),
		Updated:      make(map[string]*M),
		NotCreated:   make(map[string]*Error),
		NotUpdated:   make(map[string]*Error),
		NotDestroyed: make(map[string]*Error),
	}
}

// Args renders the envelope into the untyped argument map a Result carries.
func (e *SetEnvelope[M]) Args() map[string]any {
	return map[string]any{
		"accountId":    e.AccountID,
		"oldState":     e.OldState,
		"newState":     e.NewState,
		"created":      e.Created,
		"updated":      e.Updated,
		"destroyed":    e.Destroyed,
		"notCreated":   e.NotCreated,
		"notUpdated":   e.NotUpdated,
		"notDestroyed": e.NotDestroyed,
	}
}

// Dirty reports whether this envelope recorded any mutation, i.e. whether
// newState actually advanced past oldState.
func (e *SetEnvelope[M]) Dirty() bool { return e.NewState != e.OldState }
