package relay

import "errors"

var (
	ErrEndpointNotFound = errors.New("endpoint not found")
	// ErrInvalidToken is returned when a reconnecting endpoint presents a
	// session token that does not verify or does not match the Hello.Id it
	// claims.
	ErrInvalidToken = errors.New("invalid session token")
	ErrHubClosed    = errors.New("hub closed")
)
