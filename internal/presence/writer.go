package presence

import (
	"context"
	"log/slog"

	"github.com/example/shopper-dispatch/internal/models"
)

// Writer persists one presence update.
type Writer interface {
	WritePresence(ctx context.Context, p models.Presence) error
}

type WriterFunc func(ctx context.Context, p models.Presence) error

func (f WriterFunc) WritePresence(ctx context.Context, p models.Presence) error { return f(ctx, p) }

// Fanout confirms a write only when Primary accepts it. Secondary writers
// (geo index, stream) are best effort and their failures are logged.
type Fanout struct {
	Primary   Writer
	Secondary []Writer
	Logger    *slog.Logger
}

func (f *Fanout) WritePresence(ctx context.Context, p models.Presence) error {
	if err := f.Primary.WritePresence(ctx, p); err != nil {
		return err
	}
	for _, w := range f.Secondary {
		if err := w.WritePresence(ctx, p); err != nil {
			logger := f.Logger
			if logger == nil {
				logger = slog.Default()
			}
			logger.Warn("presence mirror write failed", slog.String("provider_id", p.ProviderID), slog.Any("err", err))
		}
	}
	return nil
}
