// Package publisher forwards live result batches to external consumers.
package publisher

import (
	iface "TrackDetServer/interface"
	"context"

	"go.uber.org/zap"
)

// LogPublisher writes every batch to a zap logger. Used when no broker is configured.
type LogPublisher struct {
	log *zap.Logger
}

func NewLogPublisher(log *zap.Logger) *LogPublisher {
	return &LogPublisher{log: log.Named("results")}
}

func (p *LogPublisher) Publish(_ context.Context, batch iface.BatchResult) error {
	p.log.Info("result batch",
		zap.Int64("timestamp", batch.Timestamp),
		zap.Any("results", batch.Results),
		zap.Float64("inferenceTimeMs", batch.InferenceTimeMs),
		zap.String("provider", string(batch.ExecutionProvider)))
	return nil
}

func (p *LogPublisher) Close() {
	_ = p.log.Sync()
}
