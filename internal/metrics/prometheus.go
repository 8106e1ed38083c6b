package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
)

const (
	eventsMetric         = "aero_signaling_relay_events_total"
	activeSessionsMetric = "aero_signaling_relay_active_sessions"
)

// PrometheusHandler exposes Metrics in Prometheus' text exposition format.
//
// All counters share one metric with an `event` label. activeSessions, when
// non-nil, is sampled on every scrape and exported as a gauge.
func PrometheusHandler(m *Metrics, activeSessions func() int) http.Handler {
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
		_, _ = fmt.Fprintf(w, "# HELP %s Internal event counters.\n", eventsMetric)
		_, _ = fmt.Fprintf(w, "# TYPE %s counter\n", eventsMetric)
		escaper := strings.NewReplacer("\\", "\\\\", "\"", "\\\"", "\n", "\\n")
		for _, k := range keys {
			_, _ = fmt.Fprintf(w, "%s{event=\"%s\"} %d\n", eventsMetric, escaper.Replace(k), snap[k])
		}

		if activeSessions != nil {
			_, _ = fmt.Fprintf(w, "# HELP %s Currently registered signaling sessions.\n", activeSessionsMetric)
			_, _ = fmt.Fprintf(w, "# TYPE %s gauge\n", activeSessionsMetric)
			_, _ = fmt.Fprintf(w, "%s %d\n", activeSessionsMetric, activeSessions())
		}
	})
}
