package auth

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	xerrors "PoF-Vault/internal/errors"
)

// Common errors returned by the authentication subsystem.
var (
	ErrDisabled         = xerrors.New(xerrors.CodeUnauthenticated, "authentication disabled")
	ErrUnsupportedGrant = xerrors.New(xerrors.CodeInvalidArgument, "unsupported grant type")
	ErrInvalidToken     = xerrors.New(xerrors.CodeUnauthenticated, "invalid token")
	ErrMissingToken     = xerrors.New(xerrors.CodeUnauthenticated, "missing bearer token")
	ErrPermissionDenied = xerrors.New(xerrors.CodePermissionDenied, "permission denied")
	ErrStaleLogin       = xerrors.New(xerrors.CodeUnauthenticated, "login message outside the accepted window")
)

// Permissions carried by access tokens.
const (
	PermissionMint  = "vault:mint"
	PermissionBurn  = "vault:burn"
	PermissionAdmin = "vault:admin"
)

// DefaultPermissions are granted to wallet logins. Owner-only operations are
// still checked by the vault itself.
var DefaultPermissions = []string{PermissionMint, PermissionBurn, PermissionAdmin}

// Subject is the authenticated caller. Its address is the identity the vault
// sees as the caller of every mutation.
type Subject struct {
	Address     common.Address
	Permissions []string

	permissionsSet map[string]struct{}
}

// normalise prepares the lookup set for permission checks.
func (s *Subject) normalise() {
	if s == nil {
		return
	}
	if s.permissionsSet == nil {
		s.permissionsSet = make(map[string]struct{}, len(s.Permissions))
		for _, perm := range s.Permissions {
			s.permissionsSet[strings.ToLower(strings.TrimSpace(perm))] = struct{}{}
		}
	}
}

// HasPermission reports whether the subject has the specified permission.
func (s *Subject) HasPermission(permission string) bool {
	if s == nil {
		return false
	}
	s.normalise()
	_, ok := s.permissionsSet[strings.ToLower(strings.TrimSpace(permission))]
	return ok
}

// Authorize ensures the subject has all required permissions.
func (s *Subject) Authorize(perms ...string) error {
	if s == nil {
		return ErrInvalidToken
	}
	for _, perm := range perms {
		if perm == "" {
			continue
		}
		if !s.HasPermission(perm) {
			return xerrors.Wrap(xerrors.CodePermissionDenied, ErrPermissionDenied, fmt.Sprintf("missing %s", perm))
		}
	}
	return nil
}

// TokenRequest is the payload accepted by the token endpoint. The wallet
// signs Message (produced by LoginMessage) with personal_sign.
type TokenRequest struct {
	GrantType string `json:"grant_type"`
	Address   string `json:"address"`
	Message   string `json:"message"`
	Signature string `json:"signature"`
}

// TokenPair contains an issued access token.
type TokenPair struct {
	AccessToken string   `json:"access_token"`
	ExpiresIn   int64    `json:"expires_in"`
	TokenType   string   `json:"token_type"`
	Scope       []string `json:"scope,omitempty"`
	Subject     *Subject `json:"-"`
}

// Config configures the authentication service.
type Config struct {
	Mode Mode
	JWT  JWTOptions
	// LoginWindowSeconds bounds the age of a signed login message.
	LoginWindowSeconds int64
}

// Mode enumerates the supported authentication providers.
type Mode string

const (
	// ModeDisabled trusts the X-PoF-Caller header. Development only.
	ModeDisabled Mode = "disabled"
	ModeJWT      Mode = "jwt"
)

// JWTOptions contains parameters for local JWT issuance.
type JWTOptions struct {
	Secret    string
	Issuer    string
	Audience  []string
	AccessTTL int64
}
