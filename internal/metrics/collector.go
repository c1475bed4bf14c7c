package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"s3versions2csv/internal/progress"
)

// Collector collects and exposes export metrics.
type Collector struct {
	itemsTotal   *prometheus.CounterVec
	rowsWritten  prometheus.Counter
	pagesTotal   prometheus.Counter
	bytesListed  prometheus.Counter
	errorsTotal  prometheus.Counter
	pageDuration prometheus.Histogram

	registry *prometheus.Registry
	tracker  *progress.Tracker
}

// New creates a collector with its own registry so repeated construction in
// tests does not collide.
func New() *Collector {
	c := &Collector{
		itemsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "export_items_total",
				Help: "Version records handled, by outcome",
			},
			[]string{"outcome"},
		),
		rowsWritten: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "export_rows_written_total",
				Help: "Rows durably flushed to the output file",
			},
		),
		pagesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "export_pages_fetched_total",
				Help: "Listing pages fetched",
			},
		),
		bytesListed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "export_listed_bytes_total",
				Help: "Sum of listed version sizes in bytes",
			},
		),
		errorsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "export_errors_total",
				Help: "Fetch errors observed, including retried ones",
			},
		),
		pageDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "export_page_fetch_duration_seconds",
				Help:    "Time taken to fetch one listing page",
				Buckets: prometheus.DefBuckets,
			},
		),
		tracker: progress.NewTracker(),
	}

	c.registry = prometheus.NewRegistry()
	c.registry.MustRegister(
		c.itemsTotal,
		c.rowsWritten,
		c.pagesTotal,
		c.bytesListed,
		c.errorsTotal,
		c.pageDuration,
	)

	return c
}

// AddPage records a fetched page with its accepted item and byte counts.
func (c *Collector) AddPage(items int, bytes int64) {
	c.pagesTotal.Inc()
	c.itemsTotal.WithLabelValues("listed").Add(float64(items))
	c.bytesListed.Add(float64(bytes))
	c.tracker.AddPage(items, bytes)
}

// AddDuplicates records records suppressed by the dedup set.
func (c *Collector) AddDuplicates(n int) {
	if n == 0 {
		return
	}
	c.itemsTotal.WithLabelValues("duplicate").Add(float64(n))
	c.tracker.AddDuplicates(n)
}

// AddRowsWritten records rows flushed by the batch writer.
func (c *Collector) AddRowsWritten(n int) {
	c.rowsWritten.Add(float64(n))
	c.tracker.AddWritten(n)
}

// IncError records a fetch error.
func (c *Collector) IncError() {
	c.errorsTotal.Inc()
}

// ObservePageDuration observes one page fetch.
func (c *Collector) ObservePageDuration(d time.Duration) {
	c.pageDuration.Observe(d.Seconds())
}

// Tracker returns the embedded progress tracker.
func (c *Collector) Tracker() *progress.Tracker {
	return c.tracker
}

// StartServer starts the metrics HTTP server on addr.
func (c *Collector) StartServer(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{}))
	return http.ListenAndServe(addr, mux)
}
