package security

import (
	"errors"
	"time"
)

var (
	ErrTokenInvalid = errors.New("token invalid")
	ErrTokenExpired = errors.New("token expired")
)

// TokenClaims is the verified identity a transport hands to the registry.
type TokenClaims struct {
	UserID   string
	TenantID string
	Role     string
	Exp      time.Time
	Issuer   string
	Subject  string
}
