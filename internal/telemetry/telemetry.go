// Package telemetry implements the Telemetry Sink: per-scan
// throughput samples persisted to the catalog and used to recommend a
// default worker count for future scans of the same filesystem.
//
// Recommendations pick the worker count that achieved the best observed
// bytes-per-second on the same filesystem, falling back to a default when
// there isn't enough history to trust yet.
package telemetry

import (
	"context"
	"fmt"
	"sort"

	"github.com/hashall/hashall/internal/catalog"
)

// sampleWindow bounds how many recent samples feed a recommendation.
const sampleWindow = 20

// Recorder persists and queries scan throughput samples.
type Recorder struct {
	cat *catalog.Catalog
}

// New creates a Recorder.
func New(cat *catalog.Catalog) *Recorder {
	return &Recorder{cat: cat}
}

// Record saves one scan's observed throughput for fsUUID.
func (r *Recorder) Record(ctx context.Context, fsUUID string, workers int, bytesHashed int64, durationSeconds float64) error {
	return r.cat.RecordScanTelemetry(ctx, catalog.ThroughputSample{
		FSUUID:          fsUUID,
		Workers:         workers,
		BytesHashed:     bytesHashed,
		DurationSeconds: durationSeconds,
	})
}

// Recommendation is the outcome of RecommendWorkers: a suggested worker
// count and the confidence behind it, mirroring telemetry.py's
// recommend_optimal_settings response shape.
type Recommendation struct {
	Workers    int
	Confidence string // "low" | "medium" | "high"
	SampleSize int
	Reason     string
}

// RecommendWorkers picks the worker count that achieved the best observed
// bytes/second for fsUUID among its recent samples, falling back to
// defaultWorkers with "low" confidence when there is no history.
func (r *Recorder) RecommendWorkers(ctx context.Context, fsUUID string, defaultWorkers int) (Recommendation, error) {
	samples, err := r.cat.RecentThroughputSamples(ctx, fsUUID, sampleWindow)
	if err != nil {
		return Recommendation{}, fmt.Errorf("telemetry: recommend workers: %w", err)
	}
	if len(samples) == 0 {
		return Recommendation{
			Workers:    defaultWorkers,
			Confidence: "low",
			Reason:     "no historical data for this filesystem",
		}, nil
	}

	type scored struct {
		workers        int
		bytesPerSecond float64
	}
	byBytesPerSecond := make([]scored, 0, len(samples))
	for _, s := range samples {
		if s.DurationSeconds <= 0 {
			continue
		}
		byBytesPerSecond = append(byBytesPerSecond, scored{
			workers:        s.Workers,
			bytesPerSecond: float64(s.BytesHashed) / s.DurationSeconds,
		})
	}
	if len(byBytesPerSecond) == 0 {
		return Recommendation{Workers: defaultWorkers, Confidence: "low", Reason: "no usable samples"}, nil
	}

	sort.Slice(byBytesPerSecond, func(i, j int) bool {
		return byBytesPerSecond[i].bytesPerSecond > byBytesPerSecond[j].bytesPerSecond
	})
	best := byBytesPerSecond[0]

	confidence := "low"
	switch {
	case len(byBytesPerSecond) >= 10:
		confidence = "high"
	case len(byBytesPerSecond) >= 3:
		confidence = "medium"
	}

	return Recommendation{
		Workers:    best.workers,
		Confidence: confidence,
		SampleSize: len(byBytesPerSecond),
		Reason:     fmt.Sprintf("based on %d prior scans of this filesystem", len(byBytesPerSecond)),
	}, nil
}
