// Package metrics exposes Prometheus collectors for the harvesting services.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/JakeFAU/stackharvest/internal/crawler"
)

var (
	queueSize                  *prometheus.GaugeVec
	activeWorkers              prometheus.Gauge
	questionsScrapedTotal      *prometheus.CounterVec
	pagesTotal                 *prometheus.CounterVec
	tasksTotal                 *prometheus.CounterVec
	taskDurationSeconds        prometheus.Histogram
	systemCPUPercent           prometheus.Gauge
	systemMemoryPercent        prometheus.Gauge
	systemDiskPercent          prometheus.Gauge
	fleetInstances             prometheus.Gauge
	fleetActionsTotal          *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	rateLimitDelaysSeconds     *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		queueSize = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "harvest_queue_size",
				Help: "Current size of each task list.",
			},
			[]string{"queue"},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "harvest_active_workers",
				Help: "Number of workers in the active set.",
			},
		)

		questionsScrapedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvest_questions_scraped_total",
				Help: "Questions persisted, labeled by worker.",
			},
			[]string{"worker_id"},
		)

		pagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvest_pages_total",
				Help: "Listing pages handled, labeled by outcome.",
			},
			[]string{"status"},
		)

		tasksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvest_tasks_total",
				Help: "Tasks processed, labeled by outcome.",
			},
			[]string{"status"},
		)

		taskDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "harvest_task_duration_seconds",
				Help:    "Wall time spent processing one task.",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
			},
		)

		systemCPUPercent = promauto.NewGauge(prometheus.GaugeOpts{
			Name: "harvest_system_cpu_percent",
			Help: "Host CPU utilisation.",
		})
		systemMemoryPercent = promauto.NewGauge(prometheus.GaugeOpts{
			Name: "harvest_system_memory_percent",
			Help: "Host memory utilisation.",
		})
		systemDiskPercent = promauto.NewGauge(prometheus.GaugeOpts{
			Name: "harvest_system_disk_percent",
			Help: "Host disk utilisation.",
		})

		fleetInstances = promauto.NewGauge(prometheus.GaugeOpts{
			Name: "harvest_fleet_instances",
			Help: "Instances tracked by the scaler.",
		})
		fleetActionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvest_fleet_actions_total",
				Help: "Instances launched or terminated, labeled by action.",
			},
			[]string{"action"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "harvest_rate_limit_delays_seconds",
				Help:    "Histogram of rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
		)
	})
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	Init()
	return promhttp.Handler()
}

// SetQueueStats refreshes the queue gauges from a stats snapshot.
func SetQueueStats(stats crawler.QueueStats) {
	Init()
	queueSize.WithLabelValues("pending").Set(float64(stats.PendingTasks))
	queueSize.WithLabelValues("processing").Set(float64(stats.ProcessingTasks))
	queueSize.WithLabelValues("completed").Set(float64(stats.CompletedCount))
	queueSize.WithLabelValues("failed").Set(float64(stats.FailedCount))
	activeWorkers.Set(float64(stats.ActiveWorkers))
}

// ObserveTask records a task outcome and, when positive, its duration.
func ObserveTask(status string, duration time.Duration) {
	Init()
	tasksTotal.WithLabelValues(status).Inc()
	if duration > 0 {
		taskDurationSeconds.Observe(duration.Seconds())
	}
}

// ObservePage increments the page counter for the given outcome.
func ObservePage(status string) {
	Init()
	pagesTotal.WithLabelValues(status).Inc()
}

// AddQuestions adds persisted questions for a worker.
func AddQuestions(workerID string, n int) {
	Init()
	if n > 0 {
		questionsScrapedTotal.WithLabelValues(workerID).Add(float64(n))
	}
}

// SetSystem records host utilisation percentages.
func SetSystem(cpuPercent, memoryPercent, diskPercent float64) {
	Init()
	systemCPUPercent.Set(cpuPercent)
	systemMemoryPercent.Set(memoryPercent)
	systemDiskPercent.Set(diskPercent)
}

// SetFleetSize records the number of tracked instances.
func SetFleetSize(n int) {
	Init()
	fleetInstances.Set(float64(n))
}

// ObserveFleetAction counts instances launched or terminated.
func ObserveFleetAction(action string, n int) {
	Init()
	if n > 0 {
		fleetActionsTotal.WithLabelValues(action).Add(float64(n))
	}
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	Init()
	rateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}
