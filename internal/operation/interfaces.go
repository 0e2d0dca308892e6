package operation

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Publisher delivers completion events to an external bus.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

// IDGenerator yields operation identifiers.
type IDGenerator interface {
	NewID() (uuid.UUID, error)
}

// startObserver is implemented by observers that track live relays.
type startObserver interface {
	Started()
}
