package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Metrics holds all application metrics
type Metrics struct {
	mu sync.RWMutex

	// Request metrics
	requestCount    map[string]*uint64    // endpoint:method -> count
	requestDuration map[string]*Histogram // endpoint:method -> duration histogram
	requestErrors   map[string]*uint64    // endpoint:status_class -> count

	// Engine metrics
	wsConnections   int64
	queueLength     int64
	activeDownloads int64
	itemsCompleted  uint64
	itemsFailed     uint64
	itemsCanceled   uint64
	bytesDownloaded uint64

	startTime time.Time
}

// Histogram tracks value distributions
type Histogram struct {
	mu    sync.Mutex
	count uint64
	sum   float64
	// Buckets: 5ms, 10ms, 25ms, 50ms, 100ms, 250ms, 500ms, 1s, 2.5s, 5s, 10s
	buckets    []float64
	bucketVals []uint64
}

// NewHistogram creates a new histogram with default buckets
func NewHistogram() *Histogram {
	return &Histogram{
		buckets:    []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		bucketVals: make([]uint64, 11),
	}
}

// Observe records a value
func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.count++
	h.sum += v
	for i, b := range h.buckets {
		if v <= b {
			h.bucketVals[i]++
		}
	}
}

// New creates a new Metrics instance
func New() *Metrics {
	return &Metrics{
		requestCount:    make(map[string]*uint64),
		requestDuration: make(map[string]*Histogram),
		requestErrors:   make(map[string]*uint64),
		startTime:       time.Now(),
	}
}

// global metrics instance
var defaultMetrics = New()

// Default returns the default metrics instance
func Default() *Metrics {
	return defaultMetrics
}

// RecordRequest records a request
func (m *Metrics) RecordRequest(method, path string, statusCode int, duration time.Duration) {
	key := fmt.Sprintf("%s:%s", normalizeEndpoint(path), method)

	m.mu.Lock()
	if m.requestCount[key] == nil {
		var zero uint64
		m.requestCount[key] = &zero
	}
	if m.requestDuration[key] == nil {
		m.requestDuration[key] = NewHistogram()
	}
	m.mu.Unlock()

	atomic.AddUint64(m.requestCount[key], 1)

	m.mu.RLock()
	m.requestDuration[key].Observe(duration.Seconds())
	m.mu.RUnlock()

	// Track errors by status class
	if statusCode >= 400 {
		errorKey := fmt.Sprintf("%s:%d", key, statusCode/100*100)
		m.mu.Lock()
		if m.requestErrors[errorKey] == nil {
			var zero uint64
			m.requestErrors[errorKey] = &zero
		}
		m.mu.Unlock()
		atomic.AddUint64(m.requestErrors[errorKey], 1)
	}
}

// normalizeEndpoint normalizes an endpoint path for metrics (removes IDs)
func normalizeEndpoint(path string) string {
	parts := strings.Split(path, "/")
	for i, part := range parts {
		// UUID pattern (simplified)
		if len(part) == 36 && strings.Count(part, "-") == 4 {
			parts[i] = "{id}"
		} else if len(part) > 0 && isNumeric(part) {
			parts[i] = "{id}"
		}
	}
	return strings.Join(parts, "/")
}

func isNumeric(s string) bool {
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// SetWSConnections sets the active WebSocket connections count
func (m *Metrics) SetWSConnections(count int64) {
	atomic.StoreInt64(&m.wsConnections, count)
}

// SetQueueLength sets the download queue length
func (m *Metrics) SetQueueLength(length int64) {
	atomic.StoreInt64(&m.queueLength, length)
}

// SetActiveDownloads sets the number of in-flight downloads
func (m *Metrics) SetActiveDownloads(count int64) {
	atomic.StoreInt64(&m.activeDownloads, count)
}

// CountItemCompleted records a completed item and its byte volume
func (m *Metrics) CountItemCompleted(bytes int64) {
	atomic.AddUint64(&m.itemsCompleted, 1)
	if bytes > 0 {
		atomic.AddUint64(&m.bytesDownloaded, uint64(bytes))
	}
}

// CountItemFailed records a permanently failed item
func (m *Metrics) CountItemFailed() {
	atomic.AddUint64(&m.itemsFailed, 1)
}

// CountItemCanceled records a canceled item
func (m *Metrics) CountItemCanceled() {
	atomic.AddUint64(&m.itemsCanceled, 1)
}

// Handler returns an HTTP handler for the metrics endpoint
func (m *Metrics) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

		var sb strings.Builder

		uptime := time.Since(m.startTime).Seconds()
		sb.WriteString("# HELP pullbox_uptime_seconds Time since the server started\n")
		sb.WriteString("# TYPE pullbox_uptime_seconds gauge\n")
		sb.WriteString(fmt.Sprintf("pullbox_uptime_seconds %f\n\n", uptime))

		sb.WriteString("# HELP pullbox_websocket_connections_active Active WebSocket connections\n")
		sb.WriteString("# TYPE pullbox_websocket_connections_active gauge\n")
		sb.WriteString(fmt.Sprintf("pullbox_websocket_connections_active %d\n\n", atomic.LoadInt64(&m.wsConnections)))

		sb.WriteString("# HELP pullbox_download_queue_length Items waiting for a worker slot\n")
		sb.WriteString("# TYPE pullbox_download_queue_length gauge\n")
		sb.WriteString(fmt.Sprintf("pullbox_download_queue_length %d\n\n", atomic.LoadInt64(&m.queueLength)))

		sb.WriteString("# HELP pullbox_downloads_active In-flight downloads\n")
		sb.WriteString("# TYPE pullbox_downloads_active gauge\n")
		sb.WriteString(fmt.Sprintf("pullbox_downloads_active %d\n\n", atomic.LoadInt64(&m.activeDownloads)))

		sb.WriteString("# HELP pullbox_items_total Terminal item outcomes\n")
		sb.WriteString("# TYPE pullbox_items_total counter\n")
		sb.WriteString(fmt.Sprintf("pullbox_items_total{outcome=\"completed\"} %d\n", atomic.LoadUint64(&m.itemsCompleted)))
		sb.WriteString(fmt.Sprintf("pullbox_items_total{outcome=\"failed\"} %d\n", atomic.LoadUint64(&m.itemsFailed)))
		sb.WriteString(fmt.Sprintf("pullbox_items_total{outcome=\"canceled\"} %d\n\n", atomic.LoadUint64(&m.itemsCanceled)))

		sb.WriteString("# HELP pullbox_bytes_downloaded_total Bytes streamed into storage\n")
		sb.WriteString("# TYPE pullbox_bytes_downloaded_total counter\n")
		sb.WriteString(fmt.Sprintf("pullbox_bytes_downloaded_total %d\n\n", atomic.LoadUint64(&m.bytesDownloaded)))

		// Request counts
		m.mu.RLock()
		if len(m.requestCount) > 0 {
			sb.WriteString("# HELP pullbox_http_requests_total Total HTTP requests\n")
			sb.WriteString("# TYPE pullbox_http_requests_total counter\n")
			keys := make([]string, 0, len(m.requestCount))
			for k := range m.requestCount {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, key := range keys {
				parts := strings.SplitN(key, ":", 2)
				if len(parts) == 2 {
					count := atomic.LoadUint64(m.requestCount[key])
					sb.WriteString(fmt.Sprintf("pullbox_http_requests_total{endpoint=\"%s\",method=\"%s\"} %d\n", parts[0], parts[1], count))
				}
			}
			sb.WriteString("\n")
		}

		// Request duration histograms
		if len(m.requestDuration) > 0 {
			sb.WriteString("# HELP pullbox_http_request_duration_seconds HTTP request latency\n")
			sb.WriteString("# TYPE pullbox_http_request_duration_seconds histogram\n")
			keys := make([]string, 0, len(m.requestDuration))
			for k := range m.requestDuration {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, key := range keys {
				parts := strings.SplitN(key, ":", 2)
				if len(parts) == 2 {
					h := m.requestDuration[key]
					h.mu.Lock()
					for i, bucket := range h.buckets {
						sb.WriteString(fmt.Sprintf("pullbox_http_request_duration_seconds_bucket{endpoint=\"%s\",method=\"%s\",le=\"%g\"} %d\n", parts[0], parts[1], bucket, h.bucketVals[i]))
					}
					sb.WriteString(fmt.Sprintf("pullbox_http_request_duration_seconds_bucket{endpoint=\"%s\",method=\"%s\",le=\"+Inf\"} %d\n", parts[0], parts[1], h.count))
					sb.WriteString(fmt.Sprintf("pullbox_http_request_duration_seconds_sum{endpoint=\"%s\",method=\"%s\"} %f\n", parts[0], parts[1], h.sum))
					sb.WriteString(fmt.Sprintf("pullbox_http_request_duration_seconds_count{endpoint=\"%s\",method=\"%s\"} %d\n", parts[0], parts[1], h.count))
					h.mu.Unlock()
				}
			}
			sb.WriteString("\n")
		}

		// Error counts
		if len(m.requestErrors) > 0 {
			sb.WriteString("# HELP pullbox_http_errors_total Total HTTP errors by status class\n")
			sb.WriteString("# TYPE pullbox_http_errors_total counter\n")
			keys := make([]string, 0, len(m.requestErrors))
			for k := range m.requestErrors {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, key := range keys {
				// key format: endpoint:method:statusClass
				parts := strings.Split(key, ":")
				if len(parts) >= 3 {
					count := atomic.LoadUint64(m.requestErrors[key])
					sb.WriteString(fmt.Sprintf("pullbox_http_errors_total{endpoint=\"%s\",method=\"%s\",status_class=\"%sxx\"} %d\n", parts[0], parts[1], parts[2][:1], count))
				}
			}
			sb.WriteString("\n")
		}
		m.mu.RUnlock()

		w.Write([]byte(sb.String()))
	}
}

// MetricsMiddleware creates middleware that records request metrics
func MetricsMiddleware(m *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			wrapped := &statusResponseWriter{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}

			next.ServeHTTP(wrapped, r)

			duration := time.Since(start)
			m.RecordRequest(r.Method, r.URL.Path, wrapped.statusCode, duration)
		})
	}
}

type statusResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusResponseWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}
