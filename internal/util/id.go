package util

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

const SessionIDPrefix = "sess_"

// IDGenerator produces unique session identifiers.
type IDGenerator interface {
	NewSessionID() (string, error)
}

type UUIDGenerator struct{}

// NewSessionID returns "sess_" followed by a random (v4) UUID.
func (UUIDGenerator) NewSessionID() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("failed to generate session id: %w", err)
	}
	return SessionIDPrefix + id.String(), nil
}

type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }
