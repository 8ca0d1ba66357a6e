package httpx

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "ephemeral",
	Subsystem: "http",
	Name:      "request_duration_seconds",
	Help:      "Duration of status API requests",
}, []string{"route", "status"})

// routeLabel collapses request paths to a bounded label set.
func routeLabel(path string) string {
	switch {
	case path == "/healthz", path == "/environments", path == "/metrics":
		return path
	case strings.HasSuffix(path, "/builds"):
		return "/environments/{key}/builds"
	case strings.HasPrefix(path, "/environments/"):
		return "/environments/{key}"
	default:
		return "other"
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Write(p []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	n, err := r.ResponseWriter.Write(p)
	r.bytes += n
	return n, err
}

// audit logs every request and feeds the request duration histogram.
func (r *Router) audit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		duration := time.Since(start)
		requestDuration.WithLabelValues(routeLabel(req.URL.Path), strconv.Itoa(status)).Observe(duration.Seconds())
		r.logger.Info("http request",
			"method", req.Method,
			"path", req.URL.Path,
			"status", status,
			"bytes", recorder.bytes,
			"duration_ms", duration.Milliseconds())
	}
}
