package report

import (
	"sort"

	"gonum.org/v1/gonum/stat"
)

// LabelStats aggregates objects of a single label
type LabelStats struct {
	Label           string  `json:"label"`
	Count           int     `json:"count"`
	MeanProbability float64 `json:"mean_probability"`
	StdProbability  float64 `json:"std_probability"`
	// Seconds in view
	MeanDuration   float64 `json:"mean_duration"`
	MedianDuration float64 `json:"median_duration"`
}

// Stats summarizes objects of a job
type Stats struct {
	TotalObjects    int            `json:"total_objects"`
	TotalLabels     int            `json:"total_labels"`
	Labels          map[string]int `json:"labels"`
	MeanProbability float64        `json:"mean_probability"`
	PerLabel        []LabelStats   `json:"per_label"`
}

// Summarize computes statistics over records. Labels in PerLabel are ordered by count descending, then by name
func Summarize(records []ObjectRecord) Stats {
	stats := Stats{
		TotalObjects: len(records),
		Labels:       make(map[string]int),
		PerLabel:     make([]LabelStats, 0),
	}
	if len(records) == 0 {
		return stats
	}
	probabilities := make(map[string][]float64)
	durations := make(map[string][]float64)
	all := make([]float64, 0, len(records))
	for _, record := range records {
		stats.Labels[record.Label]++
		probabilities[record.Label] = append(probabilities[record.Label], record.Probability)
		durations[record.Label] = append(durations[record.Label], record.Duration().Seconds())
		all = append(all, record.Probability)
	}
	stats.TotalLabels = len(stats.Labels)
	stats.MeanProbability = stat.Mean(all, nil)

	for label, count := range stats.Labels {
		probs := probabilities[label]
		secs := durations[label]
		sort.Float64s(secs)
		labelStats := LabelStats{
			Label:           label,
			Count:           count,
			MeanProbability: stat.Mean(probs, nil),
			MeanDuration:    stat.Mean(secs, nil),
			MedianDuration:  stat.Quantile(0.5, stat.Empirical, secs, nil),
		}
		if len(probs) > 1 {
			labelStats.StdProbability = stat.StdDev(probs, nil)
		}
		stats.PerLabel = append(stats.PerLabel, labelStats)
	}
	sort.Slice(stats.PerLabel, func(i, j int) bool {
		if stats.PerLabel[i].Count != stats.PerLabel[j].Count {
			return stats.PerLabel[i].Count > stats.PerLabel[j].Count
		}
		return stats.PerLabel[i].Label < stats.PerLabel[j].Label
	})
	return stats
}
