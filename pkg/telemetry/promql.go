package telemetry

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Selector renders metric{k="v",...} with label values quoted
func Selector(metric string, matchers map[string]string) string {
	if len(matchers) == 0 {
		return metric
	}
	keys := make([]string, 0, len(matchers))
	for k := range matchers {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+strconv.Quote(matchers[k]))
	}
	return metric + "{" + strings.Join(parts, ",") + "}"
}

// CountOverTime renders count_over_time(selector[Ns])
func CountOverTime(selector string, window time.Duration) string {
	seconds := int64(window / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	return fmt.Sprintf("count_over_time(%s[%ds])", selector, seconds)
}
