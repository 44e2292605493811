package auth

import (
	"time"
)

// Token represents an API token for HTTP/MCP access
type Token struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Scope      string     `json:"scope"`
	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
}

// Scope constants
const (
	// ScopeAdmin allows execution plus token management
	ScopeAdmin = "admin"
	// ScopeExecute allows code execution and diagnostics
	ScopeExecute = "execute"
	// ScopeReadOnly allows diagnostics only
	ScopeReadOnly = "read-only"
)

// AuthType represents the type of authentication used
type AuthType int

const (
	AuthTypeToken AuthType = iota
)

// AuthContext holds authentication information for a request
type AuthContext struct {
	Type  AuthType
	Token *Token
}

// CanExecute checks if the auth context allows running code
func (a *AuthContext) CanExecute() bool {
	if a == nil || a.Token == nil {
		return false
	}
	return a.Token.Scope == ScopeAdmin || a.Token.Scope == ScopeExecute
}

// IsAdmin checks if the auth context has admin scope
func (a *AuthContext) IsAdmin() bool {
	if a == nil || a.Type != AuthTypeToken || a.Token == nil {
		return false
	}
	return a.Token.Scope == ScopeAdmin
}

// ValidScope reports whether s is a recognized token scope
func ValidScope(s string) bool {
	switch s {
	case ScopeAdmin, ScopeExecute, ScopeReadOnly:
		return true
	}
	return false
}
