package auth

import "github.com/golang-jwt/jwt/v5"

type TokenType string

const (
	TokenTypeAccess  TokenType = "access"
	TokenTypeRefresh TokenType = "refresh"
)

// UserType distinguishes the two sides of the marketplace plus platform staff.
type UserType string

const (
	UserTypeUser   UserType = "user"
	UserTypeExpert UserType = "expert"
	UserTypeAdmin  UserType = "admin"
)

func IsValidUserType(v UserType) bool {
	switch v {
	case UserTypeUser, UserTypeExpert, UserTypeAdmin:
		return true
	default:
		return false
	}
}

// Claims are the only supported JWT claims shape for this service.
// UserType gates what the holder may do with a call: accept/reject are
// expert-only, initiate is user-only. Authorization checks live in
// internal/rbac, not here.
type Claims struct {
	jwt.RegisteredClaims

	UserID    string    `json:"user_id"`
	UserType  UserType  `json:"user_type"`
	TokenType TokenType `json:"token_type"`
}
