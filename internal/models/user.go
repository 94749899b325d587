package models

type UserRole string

const (
	RoleUser  UserRole = "user"
	RoleAdmin UserRole = "admin"
)

// Principal is the authenticated caller as extracted from a Supabase JWT.
type Principal struct {
	UserID string   `json:"user_id"`
	Role   UserRole `json:"role"`
}

func (p Principal) IsAdmin() bool { return p.Role == RoleAdmin }
