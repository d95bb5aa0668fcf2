package domain

import (
	"slices"
	"strings"
	"time"
)

// AgentIDPrefix is required on every agent id.
const AgentIDPrefix = "agent_"

// Capabilities carried in an agent credential.
const (
	PermissionLLMCall     = "llm:call"
	PermissionToolExecute = "tool:execute"
)

// Claims identify an agent and its budget.
type Claims struct {
	AgentID     string
	BudgetID    string
	Issuer      string
	IssuedAt    time.Time
	ExpiresAt   time.Time
	Permissions []string
}

// Has reports whether the credential grants perm.
func (c Claims) Has(perm string) bool {
	return slices.Contains(c.Permissions, perm)
}

// ValidAgentID reports whether id carries the agent prefix and a non-empty suffix.
func ValidAgentID(id string) bool {
	return strings.HasPrefix(id, AgentIDPrefix) && len(id) > len(AgentIDPrefix)
}
