package metrics

import (
	"fmt"
	"net/http"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

const (
	Namespace         = "aero_webrtc_signaling_relay"
	eventsTotalMetric = Namespace + "_events_total"
)

var (
	labelEscaper       = strings.NewReplacer("\\", "\\\\", "\"", "\\\"", "\n", "\\n")
	invalidMetricChars = regexp.MustCompile(`[^a-zA-Z0-9_]`)
)

// PrometheusHandler exposes Metrics in Prometheus' text exposition format.
//
// Counters share one metric with an `event` label; each gauge becomes its own
// metric under the relay namespace.
func PrometheusHandler(m *Metrics) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m == nil {
			http.Error(w, "metrics not configured", http.StatusInternalServerError)
			return
		}

		snap := m.Snapshot()
		keys := make([]string, 0, len(snap))
		for k := range snap {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		_, _ = fmt.Fprintf(w, "# HELP %s Internal event counters.\n", eventsTotalMetric)
		_, _ = fmt.Fprintf(w, "# TYPE %s counter\n", eventsTotalMetric)
		for _, k := range keys {
			_, _ = fmt.Fprintf(w, "%s{event=\"%s\"} %d\n", eventsTotalMetric, labelEscaper.Replace(k), snap[k])
		}

		for _, g := range m.sampleGauges() {
			name := Namespace + "_" + invalidMetricChars.ReplaceAllString(g.name, "_")
			_, _ = fmt.Fprintf(w, "# TYPE %s gauge\n", name)
			_, _ = fmt.Fprintf(w, "%s %s\n", name, strconv.FormatFloat(g.value, 'g', -1, 64))
		}
	})
}
