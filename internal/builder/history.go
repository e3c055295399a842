package builder

import (
	"context"

	"github.com/maxdollinger/docker2vm/internal/db"
)

// HistoryRecorder stores the lifecycle of conversions. *db.Store implements it.
type HistoryRecorder interface {
	Start(ctx context.Context, c *db.Conversion) error
	Finish(ctx context.Context, c *db.Conversion) error
}

// NoOpHistory records nothing.
type NoOpHistory struct{}

func NewNoOpHistory() *NoOpHistory {
	return &NoOpHistory{}
}

func (*NoOpHistory) Start(context.Context, *db.Conversion) error  { return nil }
func (*NoOpHistory) Finish(context.Context, *db.Conversion) error { return nil }
