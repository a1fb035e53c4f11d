package sink

import (
	"context"

	"github.com/shortontech/uarelay/internal/signal"
)

// Sink delivers signals somewhere downstream. Enqueue must never block on
// unbounded work and must never panic; a returned error means the sink has
// already degraded locally (logged, fallen back) and the caller only
// accounts for it.
type Sink interface {
	Start(ctx context.Context) error
	Enqueue(s signal.Signal) error
	Close() error
	Name() string // sink name for metrics and logging
}
