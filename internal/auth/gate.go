package auth

import (
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/golang-jwt/jwt/v5"
)

// Rejection reasons for a connection attempt. The messages are matched by
// clients as substrings and must not change.
var (
	ErrAuthenticationRequired = errors.New("Authentication required")
	ErrTokenExpired           = errors.New("Token expired")
	ErrInvalidToken           = errors.New("Invalid token")
	ErrInvalidTokenPayload    = errors.New("Invalid token payload")
)

// Credential is what a connection attempt presents: the "token" field of the
// handshake auth payload and the Authorization header of the upgrade request.
type Credential struct {
	Token         string
	Authorization string
}

// Bearer returns the token to verify, preferring the auth payload field.
func (c Credential) Bearer() string {
	if tok := strings.TrimSpace(c.Token); tok != "" {
		return tok
	}
	return BearerFromHeader(c.Authorization)
}

// BearerFromHeader extracts the token of a "Bearer <token>" header value.
func BearerFromHeader(header string) string {
	parts := strings.SplitN(strings.TrimSpace(header), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// Gate authenticates connection attempts before they reach any event logic.
type Gate struct {
	cfg TokenConfig
}

func NewGate(cfg TokenConfig) *Gate {
	return &Gate{cfg: cfg}
}

// Authenticate returns the subject of a valid credential. The returned error
// is always one of the four rejection sentinels.
func (g *Gate) Authenticate(cred Credential) (string, error) {
	token := cred.Bearer()
	if token == "" {
		return "", ErrAuthenticationRequired
	}

	claims, err := VerifyToken(token, g.cfg)
	switch {
	case err == nil:
	case errors.Is(err, jwt.ErrTokenExpired):
		return "", errors.Mark(errors.Wrap(err, "verify token"), ErrTokenExpired)
	default:
		return "", errors.Mark(errors.Wrap(err, "verify token"), ErrInvalidToken)
	}

	userID := claims.UserID()
	if userID == "" {
		return "", ErrInvalidTokenPayload
	}
	return userID, nil
}

// RejectionMessage maps a gate error to the fixed message sent to clients.
func RejectionMessage(err error) string {
	switch {
	case errors.Is(err, ErrAuthenticationRequired):
		return ErrAuthenticationRequired.Error()
	case errors.Is(err, ErrTokenExpired):
		return ErrTokenExpired.Error()
	case errors.Is(err, ErrInvalidTokenPayload):
		return ErrInvalidTokenPayload.Error()
	default:
		return ErrInvalidToken.Error()
	}
}
