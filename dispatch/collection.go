package dispatch

import "github.com/forbearing/ix/result"

// Collection is the ordered sentence collection accumulated during one
// request; it is queryable by the dispatcher during back-reference
// expansion.
type Collection []result.Sentence

// FindFirst returns the arguments of the first sentence matching both
// clientId and name — the "first match wins" rule back-reference
// resolution relies on.
func (c Collection) FindFirst(clientID, name string) (map[string]any, bool) {
	for _, s := range c {
		if s.ClientID == clientID && s.Name == name {
			return s.Args, true
		}
	}
	return nil, false
}
