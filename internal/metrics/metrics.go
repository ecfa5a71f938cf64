// Package metrics records HTTP API request metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder records request metrics.
type Recorder interface {
	Record(resTime time.Duration, hasErr bool)
}

type prom struct {
	reqCount prometheus.Counter
	errCount prometheus.Counter
	resTime  prometheus.Summary
}

// NewPrometheus constructs a new Prometheus metrics recorder registered on reg.
func NewPrometheus(reg prometheus.Registerer, service string) Recorder {
	factory := promauto.With(reg)
	return &prom{
		reqCount: factory.NewCounter(prometheus.CounterOpts{
			Name: service + "_request_total",
			Help: "The total number of processed requests",
		}),
		errCount: factory.NewCounter(prometheus.CounterOpts{
			Name: service + "_errors_total",
			Help: "The total number of 5xx responses",
		}),
		resTime: factory.NewSummary(prometheus.SummaryOpts{
			Name: service + "_response_time",
			Help: "Response times",
		}),
	}
}

func (m *prom) Record(resTime time.Duration, hasErr bool) {
	m.reqCount.Inc()
	m.resTime.Observe(resTime.Seconds())
	if hasErr {
		m.errCount.Inc()
	}
}

// Handler provides metrics middleware.
func Handler(m Recorder) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if m == nil {
				next.ServeHTTP(w, req)
				return
			}

			wrapW := &wrapResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			startTime := time.Now()
			next.ServeHTTP(wrapW, req)
			m.Record(time.Since(startTime), wrapW.statusCode >= http.StatusInternalServerError)
		})
	}
}

type wrapResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *wrapResponseWriter) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}
