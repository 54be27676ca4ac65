package realtime

import (
	"encoding/json"
	"sort"
	"strings"
)

// Change is one row-change event delivered by the feed. Row is the raw JSON
// of the affected row; consumers decode it against their own table types.
type Change struct {
	Event string          `json:"event"` // insert | update | delete
	Table string          `json:"table"`
	Row   json.RawMessage `json:"row"`
}

// Scope identifies one subscription: a table plus equality filters
// (e.g. messages where conversation_id = X). The feed delivers only rows
// matching every filter.
type Scope struct {
	Table  string
	Filter map[string]string
}

// Key returns a canonical identity for the scope, used to enforce the
// one-subscription-per-scope ownership rule.
func (s Scope) Key() string {
	keys := make([]string, 0, len(s.Filter))
	for k := range s.Filter {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(s.Table)
	for _, k := range keys {
		b.WriteByte('|')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(s.Filter[k])
	}
	return b.String()
}

// clientFrame is what the client sends: subscribe/unsubscribe requests.
type clientFrame struct {
	Action string            `json:"action"` // subscribe | unsubscribe
	ID     string            `json:"id"`
	Table  string            `json:"table,omitempty"`
	Filter map[string]string `json:"filter,omitempty"`
}

// serverFrame is what the feed pushes for a matching row change.
type serverFrame struct {
	Sub   string          `json:"sub"`
	Event string          `json:"event"`
	Table string          `json:"table"`
	Row   json.RawMessage `json:"row"`
}
