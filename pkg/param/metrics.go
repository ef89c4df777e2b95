// ABOUTME: Parameter store telemetry metrics interface and implementation
// ABOUTME: Records load, save, block write and corruption events through pkg/telemetry

package param

import (
	"context"
	"time"

	"github.com/KevoDB/nvparam/pkg/telemetry"
	"go.opentelemetry.io/otel/attribute"
)

// Metrics defines the telemetry hooks of the persistence engine.
// All metrics are optional - implementations can safely be no-op.
type Metrics interface {
	telemetry.ComponentMetrics

	// RecordLoad records a load attempt and where the status came from.
	RecordLoad(ctx context.Context, duration time.Duration, source Source, err error)

	// RecordSave records a save cycle and whether MAIN was promoted to BACKUP.
	RecordSave(ctx context.Context, duration time.Duration, promoted bool, err error)

	// RecordBlockWrite records one erase/program cycle of a block.
	RecordBlockWrite(ctx context.Context, duration time.Duration, block BlockOffset, bytes int64, err error)

	// RecordCorruption records a block that failed sentinel validation.
	RecordCorruption(ctx context.Context, block BlockOffset)
}

type engineMetrics struct {
	tel telemetry.Telemetry
}

// NewMetrics creates a Metrics implementation backed by tel.
// If tel is nil, returns a no-op implementation.
func NewMetrics(tel telemetry.Telemetry) Metrics {
	if tel == nil {
		return &noopMetrics{}
	}
	return &engineMetrics{tel: tel}
}

// NewNoopMetrics creates a no-op metrics implementation for testing.
func NewNoopMetrics() Metrics {
	return &noopMetrics{}
}

func (m *engineMetrics) RecordLoad(ctx context.Context, duration time.Duration, source Source, err error) {
	m.tel.RecordHistogram(ctx, "nvparam.load.duration", duration.Seconds(),
		attribute.String(telemetry.AttrComponent, telemetry.ComponentEngine),
		attribute.String(telemetry.AttrSource, source.String()),
		attribute.String(telemetry.AttrStatus, telemetry.StatusOf(err)),
	)

	m.tel.RecordCounter(ctx, "nvparam.operations.total", 1,
		attribute.String(telemetry.AttrComponent, telemetry.ComponentEngine),
		attribute.String(telemetry.AttrOperationType, telemetry.OpTypeLoad),
		attribute.String(telemetry.AttrStatus, telemetry.StatusOf(err)),
	)
}

func (m *engineMetrics) RecordSave(ctx context.Context, duration time.Duration, promoted bool, err error) {
	m.tel.RecordHistogram(ctx, "nvparam.save.duration", duration.Seconds(),
		attribute.String(telemetry.AttrComponent, telemetry.ComponentEngine),
		attribute.Bool(telemetry.AttrPromoted, promoted),
		attribute.String(telemetry.AttrStatus, telemetry.StatusOf(err)),
	)

	m.tel.RecordCounter(ctx, "nvparam.operations.total", 1,
		attribute.String(telemetry.AttrComponent, telemetry.ComponentEngine),
		attribute.String(telemetry.AttrOperationType, telemetry.OpTypeSave),
		attribute.String(telemetry.AttrStatus, telemetry.StatusOf(err)),
	)
}

func (m *engineMetrics) RecordBlockWrite(ctx context.Context, duration time.Duration, block BlockOffset, bytes int64, err error) {
	m.tel.RecordHistogram(ctx, "nvparam.block.write.duration", duration.Seconds(),
		attribute.String(telemetry.AttrComponent, telemetry.ComponentEngine),
		attribute.String(telemetry.AttrBlock, block.String()),
		attribute.String(telemetry.AttrStatus, telemetry.StatusOf(err)),
	)

	if err == nil {
		telemetry.RecordBytes(ctx, m.tel, "nvparam.block.write.bytes", bytes,
			attribute.String(telemetry.AttrComponent, telemetry.ComponentEngine),
			attribute.String(telemetry.AttrBlock, block.String()),
		)
	}
}

func (m *engineMetrics) RecordCorruption(ctx context.Context, block BlockOffset) {
	m.tel.RecordCounter(ctx, "nvparam.corruption.count", 1,
		attribute.String(telemetry.AttrComponent, telemetry.ComponentEngine),
		attribute.String(telemetry.AttrBlock, block.String()),
	)
}

// Close releases any resources held by the metrics implementation.
func (m *engineMetrics) Close() error {
	return nil
}

type noopMetrics struct{}

func (n *noopMetrics) RecordLoad(ctx context.Context, duration time.Duration, source Source, err error) {
}

func (n *noopMetrics) RecordSave(ctx context.Context, duration time.Duration, promoted bool, err error) {
}

func (n *noopMetrics) RecordBlockWrite(ctx context.Context, duration time.Duration, block BlockOffset, bytes int64, err error) {
}

func (n *noopMetrics) RecordCorruption(ctx context.Context, block BlockOffset) {}

func (n *noopMetrics) Close() error {
	return nil
}
