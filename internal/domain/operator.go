package domain

import "time"

// OperatorRole enumerates admin surface roles.
type OperatorRole string

const (
	OperatorRoleAdmin  OperatorRole = "ADMIN"
	OperatorRoleViewer OperatorRole = "VIEWER"
)

// Operator is a person allowed to use the admin endpoints.
type Operator struct {
	ID           string
	Email        string
	PasswordHash string
	Role         OperatorRole
	Active       bool
	CreatedAt    time.Time
}
