package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// CheckoutMetrics содержит метрики для checkout операций.
type CheckoutMetrics struct {
	// Счётчики операций
	checkoutStarted    prometheus.Counter
	checkoutSucceeded  prometheus.Counter
	checkoutFailed     prometheus.Counter
	checkoutNeedsInput prometheus.Counter
	cartsCreated       prometheus.Counter
	cartsRestarted     prometheus.Counter

	// Гистограммы времени выполнения
	checkoutDuration prometheus.Histogram
	stepDuration     *prometheus.HistogramVec

	// Счётчики событий timeline и outbox
	timelineEvents prometheus.Counter
	outboxEvents   prometheus.Counter

	// Gauge для checkout, выполняющихся в фоне
	activeCheckouts prometheus.Gauge
}

// NewCheckoutMetrics создаёт новый экземпляр метрик checkout.
func NewCheckoutMetrics() *CheckoutMetrics {
	return newCheckoutMetricsWithRegisterer(prometheus.DefaultRegisterer)
}

func newCheckoutMetricsWithRegisterer(registerer prometheus.Registerer) *CheckoutMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &CheckoutMetrics{
		checkoutStarted: registerCounter(registerer, prometheus.CounterOpts{
			Name: "subplat_checkout_started_total",
			Help: "Total number of checkout operations started",
		}),
		checkoutSucceeded: registerCounter(registerer, prometheus.CounterOpts{
			Name: "subplat_checkout_succeeded_total",
			Help: "Total number of checkout operations completed successfully",
		}),
		checkoutFailed: registerCounter(registerer, prometheus.CounterOpts{
			Name: "subplat_checkout_failed_total",
			Help: "Total number of checkout operations failed",
		}),
		checkoutNeedsInput: registerCounter(registerer, prometheus.CounterOpts{
			Name: "subplat_checkout_needs_input_total",
			Help: "Total number of checkout operations paused for customer input",
		}),
		cartsCreated: registerCounter(registerer, prometheus.CounterOpts{
			Name: "subplat_carts_created_total",
			Help: "Total number of carts created",
		}),
		cartsRestarted: registerCounter(registerer, prometheus.CounterOpts{
			Name: "subplat_carts_restarted_total",
			Help: "Total number of carts restarted",
		}),
		checkoutDuration: registerHistogram(registerer, prometheus.HistogramOpts{
			Name:    "subplat_checkout_duration_seconds",
			Help:    "Duration of checkout operations in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		stepDuration: registerHistogramVec(registerer, prometheus.HistogramOpts{
			Name:    "subplat_checkout_step_duration_seconds",
			Help:    "Duration of individual checkout steps in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
		}, []string{"step"}),
		timelineEvents: registerCounter(registerer, prometheus.CounterOpts{
			Name: "subplat_timeline_events_total",
			Help: "Total number of timeline events recorded",
		}),
		outboxEvents: registerCounter(registerer, prometheus.CounterOpts{
			Name: "subplat_outbox_events_total",
			Help: "Total number of outbox events enqueued",
		}),
		activeCheckouts: registerGauge(registerer, prometheus.GaugeOpts{
			Name: "subplat_active_checkouts",
			Help: "Number of checkout operations currently running in background",
		}),
	}
}

func registerCounter(registerer prometheus.Registerer, opts prometheus.CounterOpts) prometheus.Counter {
	collector := prometheus.NewCounter(opts)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(prometheus.Counter)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register counter %q: %v", opts.Name, err))
	}
	return collector
}

func registerGauge(registerer prometheus.Registerer, opts prometheus.GaugeOpts) prometheus.Gauge {
	collector := prometheus.NewGauge(opts)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(prometheus.Gauge)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register gauge %q: %v", opts.Name, err))
	}
	return collector
}

func registerHistogram(registerer prometheus.Registerer, opts prometheus.HistogramOpts) prometheus.Histogram {
	collector := prometheus.NewHistogram(opts)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(prometheus.Histogram)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register histogram %q: %v", opts.Name, err))
	}
	return collector
}

func registerHistogramVec(registerer prometheus.Registerer, opts prometheus.HistogramOpts, labels []string) *prometheus.HistogramVec {
	collector := prometheus.NewHistogramVec(opts, labels)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(*prometheus.HistogramVec)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register histogram vec %q: %v", opts.Name, err))
	}
	return collector
}

// RecordCheckoutStarted увеличивает счётчик запущенных checkout.
// Gauge активных checkout он не трогает: им владеет фоновый диспетчер,
// парно вызывающий RecordCheckoutInFlightStarted/Finished.
func (m *CheckoutMetrics) RecordCheckoutStarted() {
	m.checkoutStarted.Inc()
}

// RecordCheckoutSucceeded увеличивает счётчик успешных checkout.
func (m *CheckoutMetrics) RecordCheckoutSucceeded() {
	m.checkoutSucceeded.Inc()
}

// RecordCheckoutFailed увеличивает счётчик неудачных checkout.
func (m *CheckoutMetrics) RecordCheckoutFailed() {
	m.checkoutFailed.Inc()
}

// RecordCheckoutNeedsInput увеличивает счётчик checkout, ожидающих действия клиента.
func (m *CheckoutMetrics) RecordCheckoutNeedsInput() {
	m.checkoutNeedsInput.Inc()
}

// RecordCartCreated увеличивает счётчик созданных корзин.
func (m *CheckoutMetrics) RecordCartCreated() {
	m.cartsCreated.Inc()
}

// RecordCartRestarted увеличивает счётчик рестартованных корзин.
func (m *CheckoutMetrics) RecordCartRestarted() {
	m.cartsRestarted.Inc()
}

// RecordCheckoutInFlightStarted увеличивает количество активных checkout.
func (m *CheckoutMetrics) RecordCheckoutInFlightStarted() {
	m.activeCheckouts.Inc()
}

// RecordCheckoutInFlightFinished уменьшает количество активных checkout.
func (m *CheckoutMetrics) RecordCheckoutInFlightFinished() {
	m.activeCheckouts.Dec()
}

// RecordCheckoutDuration записывает время выполнения checkout.
func (m *CheckoutMetrics) RecordCheckoutDuration(duration time.Duration) {
	m.checkoutDuration.Observe(duration.Seconds())
}

// RecordStepDuration записывает время выполнения шага checkout.
func (m *CheckoutMetrics) RecordStepDuration(step string, duration time.Duration) {
	m.stepDuration.WithLabelValues(step).Observe(duration.Seconds())
}

// RecordTimelineEvent увеличивает счётчик событий timeline.
func (m *CheckoutMetrics) RecordTimelineEvent() {
	m.timelineEvents.Inc()
}

// RecordOutboxEvent увеличивает счётчик событий outbox.
func (m *CheckoutMetrics) RecordOutboxEvent() {
	m.outboxEvents.Inc()
}
