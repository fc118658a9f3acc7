package telemetry

import (
	"time"

	"github.com/orbanhq/orban-agent/internal/protocol"
)

// Batch accumulates samples between two METRICS_BATCH messages. It is not
// safe for concurrent use.
type Batch struct {
	interval time.Duration
	start    time.Time
	end      time.Time

	samples  int
	utilSum  float64
	utilMax  float64
	tempSum  float64
	tempMax  float64
	gpuReads int
	cpuSum   float64
	gpuHours float64
	energyWh float64
}

// NewBatch creates an empty batch. interval is the time each sample
// stands for when converting to GPU hours and energy.
func NewBatch(interval time.Duration) *Batch {
	return &Batch{interval: interval}
}

// Add folds one sample into the aggregates.
func (b *Batch) Add(s protocol.MetricsSample) {
	if b.samples == 0 {
		b.start = s.Time
	}
	b.end = s.Time
	b.samples++
	b.cpuSum += s.CPUPercent

	hours := b.interval.Hours()
	for _, g := range s.GPUs {
		b.gpuReads++
		b.utilSum += g.Utilization
		b.tempSum += g.TemperatureC
		if g.Utilization > b.utilMax {
			b.utilMax = g.Utilization
		}
		if g.TemperatureC > b.tempMax {
			b.tempMax = g.TemperatureC
		}
		if g.Utilization > 0 {
			b.gpuHours += hours
		}
		b.energyWh += g.PowerDrawW * hours
	}
}

// Len is the number of samples held.
func (b *Batch) Len() int { return b.samples }

// Flush builds the batch message and resets the aggregator. completed and
// failed are the task counts for the same window.
func (b *Batch) Flush(agentID string, completed, failed int) protocol.MetricsBatch {
	agg := protocol.Aggregates{
		Samples:           b.samples,
		TasksCompleted:    completed,
		TasksFailed:       failed,
		TotalGPUHours:     b.gpuHours,
		MaxGPUUtilization: b.utilMax,
		MaxTemperatureC:   b.tempMax,
		TotalEnergyKWh:    b.energyWh / 1000,
	}
	if b.gpuReads > 0 {
		agg.AvgGPUUtilization = b.utilSum / float64(b.gpuReads)
		agg.AvgTemperatureC = b.tempSum / float64(b.gpuReads)
	}
	if b.samples > 0 {
		agg.AvgCPUPercent = b.cpuSum / float64(b.samples)
	}
	batch := protocol.MetricsBatch{
		AgentID:    agentID,
		TimeRange:  protocol.TimeRange{Start: b.start.UnixMilli(), End: b.end.UnixMilli()},
		Aggregates: agg,
	}
	*b = Batch{interval: b.interval}
	return batch
}
