package janitor

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/subplat/internal/domain"
)

const (
	defaultSweepInterval = time.Minute
	defaultMaxAge        = 15 * time.Minute
	defaultBatchSize     = 100
)

var (
	janitorRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "subplat_cart_janitor_runs_total",
		Help: "Total number of stale cart sweep runs grouped by result.",
	}, []string{"result"})
	janitorFinalizedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "subplat_cart_janitor_finalized_total",
		Help: "Total number of stale processing carts finalized by the janitor.",
	})
	janitorLastFinalized = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "subplat_cart_janitor_last_finalized",
		Help: "Number of carts finalized during the last sweep run.",
	})
)

// CartFinalizer доводит одну processing-корзину до терминального состояния.
type CartFinalizer interface {
	FinalizeProcessingCart(cartID string) error
}

// Options задает параметры воркера уборки зависших корзин.
type Options struct {
	Logger    *log.Entry
	Interval  time.Duration
	MaxAge    time.Duration
	BatchSize int
}

// Option настраивает Worker.
type Option func(*Options)

// WithLogger задает logger для воркера.
func WithLogger(logger *log.Entry) Option {
	return func(opts *Options) {
		opts.Logger = logger
	}
}

// WithInterval задает интервал между sweep-циклами.
func WithInterval(interval time.Duration) Option {
	return func(opts *Options) {
		opts.Interval = interval
	}
}

// WithMaxAge задает возраст, после которого processing-корзина считается зависшей.
func WithMaxAge(maxAge time.Duration) Option {
	return func(opts *Options) {
		opts.MaxAge = maxAge
	}
}

// WithBatchSize задает размер выборки за один проход.
func WithBatchSize(batchSize int) Option {
	return func(opts *Options) {
		opts.BatchSize = batchSize
	}
}

// Worker периодически находит корзины, зависшие в processing, и доводит
// их до success или fail через CartFinalizer.
type Worker struct {
	carts     domain.CartRepository
	finalizer CartFinalizer
	logger    *log.Entry
	interval  time.Duration
	maxAge    time.Duration
	batchSize int
}

// NewWorker создает воркер уборки зависших корзин.
func NewWorker(carts domain.CartRepository, finalizer CartFinalizer, options ...Option) *Worker {
	opts := Options{
		Interval:  defaultSweepInterval,
		MaxAge:    defaultMaxAge,
		BatchSize: defaultBatchSize,
	}
	for _, option := range options {
		option(&opts)
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.WithField("component", "cart-janitor")
	}

	if opts.Interval <= 0 {
		opts.Interval = defaultSweepInterval
	}
	if opts.MaxAge <= 0 {
		opts.MaxAge = defaultMaxAge
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}

	return &Worker{
		carts:     carts,
		finalizer: finalizer,
		logger:    logger,
		interval:  opts.Interval,
		maxAge:    opts.MaxAge,
		batchSize: opts.BatchSize,
	}
}

// Run запускает периодическую уборку до отмены ctx.
func (w *Worker) Run(ctx context.Context) {
	if w.carts == nil || w.finalizer == nil {
		w.logger.Warn("cart janitor is disabled: missing dependencies")
		return
	}

	w.sweep(ctx, time.Now().UTC())

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.sweep(ctx, time.Now().UTC())
		}
	}
}

func (w *Worker) sweep(ctx context.Context, now time.Time) {
	finalized, err := w.SweepOnce(ctx, now)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		janitorRunsTotal.WithLabelValues("error").Inc()
		w.logger.WithError(err).Warn("stale cart sweep failed")
		return
	}

	janitorRunsTotal.WithLabelValues("ok").Inc()
	janitorLastFinalized.Set(float64(finalized))
	if finalized > 0 {
		w.logger.WithField("finalized", finalized).Info("stale cart sweep completed")
	}
}

// SweepOnce финализирует все processing-корзины старше now-maxAge порциями
// batchSize. Возвращает число успешно финализированных корзин.
func (w *Worker) SweepOnce(ctx context.Context, now time.Time) (int, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}
	cutoff := now.Add(-w.maxAge)

	totalFinalized := 0
	for {
		if err := ctx.Err(); err != nil {
			return totalFinalized, err
		}

		stale, err := w.carts.ListStaleProcessing(cutoff, w.batchSize)
		if err != nil {
			return totalFinalized, err
		}

		finalizedInBatch := 0
		for _, cart := range stale {
			if err := ctx.Err(); err != nil {
				return totalFinalized, err
			}

			if err := w.finalizer.FinalizeProcessingCart(cart.ID); err != nil {
				// Корзину могли успеть довести параллельно; остальные ошибки
				// попробуем снова в следующем цикле.
				w.logger.WithError(err).WithField("cart_id", cart.ID).
					Warn("failed to finalize stale cart")
				continue
			}
			finalizedInBatch++
		}

		totalFinalized += finalizedInBatch
		if finalizedInBatch > 0 {
			janitorFinalizedTotal.Add(float64(finalizedInBatch))
		}

		// Если батч неполный или ни одна корзина не ушла из processing,
		// продолжать в этом цикле нет смысла.
		if len(stale) < w.batchSize || finalizedInBatch == 0 {
			break
		}
	}

	return totalFinalized, nil
}
