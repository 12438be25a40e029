package runlog

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Gauges exports the latest phase results. A nil *Gauges ignores updates.
type Gauges struct {
	registry *prometheus.Registry
	loss     *prometheus.GaugeVec
	auc      *prometheus.GaugeVec
	accuracy *prometheus.GaugeVec
	sens     *prometheus.GaugeVec
	spec     *prometheus.GaugeVec
	lr       *prometheus.GaugeVec
	epoch    *prometheus.GaugeVec
	skipped  *prometheus.CounterVec
}

// NewGauges registers the gauges on a private registry.
func NewGauges() *Gauges {
	labels := []string{"fold", "phase"}
	g := &Gauges{
		registry: prometheus.NewRegistry(),
		loss: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mil_phase_loss",
			Help: "Mean slide loss of the last finished phase",
		}, labels),
		auc: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mil_phase_auc",
			Help: "Slide-level ROC AUC of the last finished phase",
		}, labels),
		accuracy: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mil_phase_accuracy",
			Help: "Slide-level accuracy at the Youden threshold",
		}, labels),
		sens: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mil_phase_sensitivity",
			Help: "True positive rate of positive slides at the Youden threshold",
		}, labels),
		spec: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mil_phase_specificity",
			Help: "True negative rate of negative slides at the Youden threshold",
		}, labels),
		lr: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mil_learning_rate",
			Help: "Learning rate of the last finished phase",
		}, labels),
		epoch: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mil_epoch",
			Help: "Last finished epoch",
		}, labels),
		skipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mil_skipped_steps_total",
			Help: "Optimizer steps dropped on gradient overflow",
		}, []string{"fold"}),
	}
	g.registry.MustRegister(g.loss, g.auc, g.accuracy, g.sens, g.spec, g.lr, g.epoch, g.skipped)
	return g
}

// Observe records one phase.
func (g *Gauges) Observe(rec EpochRecord) {
	if g == nil {
		return
	}
	fold := prometheus.Labels{"fold": strconv.Itoa(rec.Fold)}
	labels := prometheus.Labels{"fold": strconv.Itoa(rec.Fold), "phase": rec.Phase}
	g.loss.With(labels).Set(rec.Loss)
	g.auc.With(labels).Set(rec.AUC)
	g.accuracy.With(labels).Set(rec.Accuracy)
	g.sens.With(labels).Set(rec.Sensitivity)
	g.spec.With(labels).Set(rec.Specificity)
	g.lr.With(labels).Set(rec.LR)
	g.epoch.With(labels).Set(float64(rec.Epoch))
	g.skipped.With(fold).Add(float64(rec.Skipped))
}

// Serve exposes /metrics on addr until ctx is done.
func (g *Gauges) Serve(ctx context.Context, addr string, logger *zap.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdown)
	}()

	logger.Info("serving metrics", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return errors.Wrap(err, "metrics server")
	}
	return nil
}
