package progress

import (
	"context"

	"github.com/JakeFAU/stackharvest/internal/crawler"
)

// Sink consumes batches of task events. Consume must honor ctx deadlines.
type Sink interface {
	Consume(ctx context.Context, batch []crawler.TaskEvent) error
	Close(ctx context.Context) error
}

// Emitter accepts single events without blocking the caller.
type Emitter interface {
	Emit(evt crawler.TaskEvent)
}
