package usage

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// HumanBytes formats a byte count with binary KB/MB/GB suffixes.
func HumanBytes(n int64) string {
	const unit = 1024
	switch {
	case n >= unit*unit*unit:
		return formatScaled(float64(n)/(unit*unit*unit), "GB")
	case n >= unit*unit:
		return formatScaled(float64(n)/(unit*unit), "MB")
	case n >= unit:
		return formatScaled(float64(n)/unit, "KB")
	}
	return strconv.FormatInt(n, 10) + "B"
}

// GroupedInt formats integers with comma separators.
func GroupedInt(n int) string {
	s := strconv.Itoa(n)
	if n < 1000 {
		return s
	}

	var b strings.Builder
	pre := len(s) % 3
	if pre > 0 {
		b.WriteString(s[:pre])
		if len(s) > pre {
			b.WriteByte(',')
		}
	}
	for i := pre; i < len(s); i += 3 {
		b.WriteString(s[i : i+3])
		if i+3 < len(s) {
			b.WriteByte(',')
		}
	}
	return b.String()
}

// Summary renders an aggregate as a single log-friendly line.
func Summary(agg Aggregate) string {
	return fmt.Sprintf("%s tasks, %s completed, %s abandoned, %s relayed",
		GroupedInt(agg.Tasks), GroupedInt(agg.Completed), GroupedInt(agg.Abandoned), HumanBytes(agg.Bytes))
}

// FormatBreakdown renders stage counts as "fetch 2, upload 1", most
// frequent first.
func FormatBreakdown(counts map[string]int) string {
	stages := make([]string, 0, len(counts))
	for stage := range counts {
		stages = append(stages, stage)
	}
	sort.Slice(stages, func(i, j int) bool {
		if counts[stages[i]] != counts[stages[j]] {
			return counts[stages[i]] > counts[stages[j]]
		}
		return stages[i] < stages[j]
	})

	parts := make([]string, len(stages))
	for i, stage := range stages {
		parts[i] = fmt.Sprintf("%s %d", stage, counts[stage])
	}
	return strings.Join(parts, ", ")
}

func formatScaled(value float64, suffix string) string {
	s := fmt.Sprintf("%.1f", value)
	s = strings.TrimSuffix(s, ".0")
	return s + suffix
}
