package relay

import "github.com/google/uuid"

// IDGenerator returns a fresh, collision-resistant session id.
type IDGenerator func() (string, error)

func newSessionID() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}
