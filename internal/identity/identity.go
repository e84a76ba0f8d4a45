// Package identity maps source-system logins to chat display handles.
package identity

// Map resolves GitHub logins to Slack member IDs. Lookups never fail:
// unmapped logins fall back to the raw login so rendered bodies stay
// deterministic either way.
type Map struct {
	handles map[string]string
}

// NewMap builds a Map from a login -> Slack member ID table, typically
// loaded from the [identity] config section.
func NewMap(handles map[string]string) *Map {
	m := make(map[string]string, len(handles))
	for login, id := range handles {
		m[login] = id
	}
	return &Map{handles: m}
}

// Handle returns the Slack mention for login if mapped, otherwise the raw
// login.
func (m *Map) Handle(login string) string {
	if m != nil {
		if id, ok := m.handles[login]; ok && id != "" {
			return "<@" + id + ">"
		}
	}
	return login
}
