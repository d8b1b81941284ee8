// Package domain defines the core domain models for the chat client.
package domain

// Role represents the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

// CostUnit is the currency a cost estimate is reported in.
type CostUnit string

const (
	CostUnitUSD CostUnit = "USD"
	CostUnitAUD CostUnit = "AUD"
)
