package models

import "github.com/golang-jwt/jwt/v5"

// UserRole enumerates caller roles carried in access tokens. Token
// issuance belongs to the external identity service; this API only
// validates tokens and gates admin operations.
type UserRole string

// Supported roles.
const (
	RoleSuperAdmin UserRole = "SUPER_ADMIN"
	RoleAdmin      UserRole = "ADMIN"
	RoleEmployee   UserRole = "EMPLOYEE"
)

// JWTClaims represents the JWT payload for access tokens.
type JWTClaims struct {
	UserID   string   `json:"user_id"`
	Role     UserRole `json:"role"`
	Email    string   `json:"email"`
	FullName string   `json:"full_name"`
	jwt.RegisteredClaims
}
