// Package series streams captured frames into InfluxDB as points
// tagged by channel and arbitration id. The sink provisions its
// bucket with the configured retention policy on first use, buffers a
// capped number of points across backend outages, and retries with
// bounded backoff.
package series

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ParseRetention parses a retention literal. Accepts Go duration
// syntax ("36h", "90m") plus day and week suffixes ("14d", "2w").
// Bare numbers and non-positive durations are rejected: retention
// without a unit is ambiguous, and zero would mean "delete
// everything".
func ParseRetention(literal string) (time.Duration, error) {
	literal = strings.TrimSpace(literal)
	if literal == "" {
		return 0, fmt.Errorf("series: empty retention")
	}

	if d, err := time.ParseDuration(literal); err == nil {
		if d <= 0 {
			return 0, fmt.Errorf("series: retention %q is not positive", literal)
		}
		return d, nil
	}

	unit := literal[len(literal)-1]
	if unit == 'd' || unit == 'w' {
		n, err := strconv.Atoi(literal[:len(literal)-1])
		if err == nil && n > 0 {
			d := time.Duration(n) * 24 * time.Hour
			if unit == 'w' {
				d *= 7
			}
			return d, nil
		}
	}

	return 0, fmt.Errorf("series: invalid retention %q", literal)
}
