package session

import "strings"

// Meta carries the authenticated caller identity resolved by the surrounding
// auth layer. The assistant service consumes it; it never mints one.
type Meta struct {
	UserPublicID string `json:"user_public_id"`
	UserEmail    string `json:"user_email"`
	FullName     string `json:"full_name,omitempty"`

	// Role is the marketplace role: engineer|client|enterprise|admin.
	Role string `json:"role"`

	// Language is the UI language for this session: en|ar.
	Language string `json:"language"`

	// Plan gates AI usage: free|basic|pro.
	Plan string `json:"plan"`
}

func (m *Meta) Valid() bool {
	return m != nil && strings.TrimSpace(m.UserPublicID) != ""
}

// NormalizedRole returns a known role or "client".
func (m *Meta) NormalizedRole() string {
	if m == nil {
		return "client"
	}
	switch r := strings.TrimSpace(strings.ToLower(m.Role)); r {
	case "engineer", "client", "enterprise", "admin":
		return r
	default:
		return "client"
	}
}

// NormalizedLanguage returns "ar" or "en" (default).
func (m *Meta) NormalizedLanguage() string {
	if m != nil && strings.TrimSpace(strings.ToLower(m.Language)) == "ar" {
		return "ar"
	}
	return "en"
}
