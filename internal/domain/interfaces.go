package domain

import (
	"context"
)

// FeedWorker is a streaming price connector.
type FeedWorker interface {
	Connect(ctx context.Context) error
	Disconnect()
	Connected() bool
}
