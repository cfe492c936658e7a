// Package report writes the run's two result CSVs: a per-layer summary and
// a per-dimension utilization breakdown.
package report

import (
	"encoding/csv"
	"fmt"
	"io"
	"sort"

	"github.com/nodeforge/trainsim/internal/model"
)

// LayerStats accumulates, per layer, the timing breakdown the summary CSV
// reports.
type LayerStats struct {
	LayerID           int
	ComputeSec        float64
	ExposedCommSec    map[model.GroupKind]float64
	BubbleSec         float64
}

// NewLayerStats allocates a LayerStats with its group-kind map initialized.
func NewLayerStats(layerID int) *LayerStats {
	return &LayerStats{LayerID: layerID, ExposedCommSec: map[model.GroupKind]float64{}}
}

// TotalSec sums compute, every group's exposed communication, and bubble
// time for the layer.
func (s *LayerStats) TotalSec() float64 {
	total := s.ComputeSec + s.BubbleSec
	for _, v := range s.ExposedCommSec {
		total += v
	}
	return total
}

var groupOrder = []model.GroupKind{model.GroupTP, model.GroupDP, model.GroupEP, model.GroupDPEP, model.GroupPP}

// WriteSummaryCSV writes the per-layer summary CSV: compute, exposed
// communication by group kind, bubble time, and totals in seconds.
func WriteSummaryCSV(w io.Writer, stats []*LayerStats) error {
	cw := csv.NewWriter(w)
	defer cw.Flush()

	header := []string{"layer_id", "compute_sec"}
	for _, g := range groupOrder {
		header = append(header, "exposed_comm_"+g.String()+"_sec")
	}
	header = append(header, "bubble_sec", "total_sec")
	if err := cw.Write(header); err != nil {
		return err
	}

	sorted := append([]*LayerStats(nil), stats...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].LayerID < sorted[j].LayerID })

	for _, s := range sorted {
		row := []string{fmt.Sprintf("%d", s.LayerID), formatSec(s.ComputeSec)}
		for _, g := range groupOrder {
			row = append(row, formatSec(s.ExposedCommSec[g]))
		}
		row = append(row, formatSec(s.BubbleSec), formatSec(s.TotalSec()))
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	return cw.Error()
}

// UtilizationBucket is one quantile bucket of a dimension's utilization
// distribution.
type UtilizationBucket struct {
	Dimension int
	Quantile  string // e.g. "p50", "p90", "p99"
	Percent   float64
}

// WriteUtilizationCSV writes the per-dimension utilization CSV: percentage
// points per quantile bucket.
func WriteUtilizationCSV(w io.Writer, buckets []UtilizationBucket) error {
	cw := csv.NewWriter(w)
	defer cw.Flush()

	if err := cw.Write([]string{"dimension", "quantile", "percent"}); err != nil {
		return err
	}

	sorted := append([]UtilizationBucket(nil), buckets...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Dimension != sorted[j].Dimension {
			return sorted[i].Dimension < sorted[j].Dimension
		}
		return sorted[i].Quantile < sorted[j].Quantile
	})

	for _, b := range sorted {
		row := []string{fmt.Sprintf("%d", b.Dimension), b.Quantile, formatSec(b.Percent)}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	return cw.Error()
}

func formatSec(v float64) string {
	return fmt.Sprintf("%.9f", v)
}
