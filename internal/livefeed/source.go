package livefeed

import "context"

// Subscription is one open change stream for a table. Events carries raw
// notification payloads; Reconnects fires after the transport re-established
// the stream, meaning notifications may have been lost in between.
type Subscription interface {
	Events() <-chan []byte
	Reconnects() <-chan struct{}
	Close() error
}

// Source opens change streams.
type Source interface {
	Subscribe(ctx context.Context, table string, filter Filter) (Subscription, error)
}

// Loader fetches the full current content of a table for drift repair.
type Loader interface {
	Load(ctx context.Context, table string, filter Filter) ([]Row, error)
}
