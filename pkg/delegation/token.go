package delegation

import (
	"crypto/sha256"
	"fmt"
	"io"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/hkdf"
)

const tokenIssuer = "agentic-authorization/delegation"

// TaskClaims is the bounded credential minted alongside a delegation. The
// token proves which agent holds which task and when the grant lapses; the
// authoritative decision still goes through the check path.
type TaskClaims struct {
	jwt.RegisteredClaims
	DelegatorID string   `json:"delegator_id"`
	Scopes      []string `json:"scopes"` // "resourceID#access" pairs
}

// TokenManager signs and validates task credentials. The signing key is
// derived via HKDF from a master secret so rotating the secret invalidates
// all outstanding tokens at once.
type TokenManager struct {
	key []byte
}

// NewTokenManager derives the HS256 signing key from masterSecret.
func NewTokenManager(masterSecret []byte) (*TokenManager, error) {
	kdf := hkdf.New(sha256.New, masterSecret, nil, []byte(tokenIssuer))
	key := make([]byte, 32)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("delegation: derive token key: %w", err)
	}
	return &TokenManager{key: key}, nil
}

// Issue mints a signed credential for the delegation.
func (tm *TokenManager) Issue(d Delegation) (string, error) {
	scopes := make([]string, 0, len(d.Resources))
	for _, r := range d.Resources {
		scopes = append(scopes, fmt.Sprintf("%s#%s", r.ID, r.Access))
	}

	claims := TaskClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        d.TaskID,
			Subject:   d.AgentID,
			Issuer:    tokenIssuer,
			IssuedAt:  jwt.NewNumericDate(d.CreatedAt),
			ExpiresAt: jwt.NewNumericDate(d.ExpiresAt),
		},
		DelegatorID: d.UserID,
		Scopes:      scopes,
	}

	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(tm.key)
}

// Validate parses and verifies a task credential. Expired or tampered
// tokens fail; the caller still must run the authorization check, since a
// valid token does not survive revocation.
func (tm *TokenManager) Validate(tokenString string, now time.Time) (*TaskClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &TaskClaims{},
		func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("delegation: unexpected signing method %v", t.Header["alg"])
			}
			return tm.key, nil
		},
		jwt.WithIssuer(tokenIssuer),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*TaskClaims)
	if !ok || !token.Valid {
		return nil, jwt.ErrTokenSignatureInvalid
	}
	return claims, nil
}
