package relay

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// sessionClaims are the claims signed into the token issued in Self. Subject
// is the endpoint id; Sid is the per-connection session id, rotated on every
// handshake.
type sessionClaims struct {
	Sid  string `json:"sid"`
	Name string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

type tokenIssuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func newTokenIssuer(secret string, ttl time.Duration, now func() time.Time) *tokenIssuer {
	if now == nil {
		now = time.Now
	}
	return &tokenIssuer{secret: []byte(secret), ttl: ttl, now: now}
}

func (t *tokenIssuer) issue(endpointID, sid, name string) (string, error) {
	now := t.now()
	claims := sessionClaims{
		Sid:  sid,
		Name: name,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   endpointID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
}

// verify checks the token signature and expiry and returns the endpoint id it
// was issued for.
func (t *tokenIssuer) verify(tokenString string) (endpointID string, name string, err error) {
	var claims sessionClaims
	_, err = jwt.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return t.secret, nil
	}, jwt.WithTimeFunc(t.now), jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Subject == "" {
		return "", "", ErrInvalidToken
	}
	return claims.Subject, claims.Name, nil
}
