// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package stages

import (
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts stage runs and label space adaptations. A nil *Metrics records nothing.
type Metrics struct {
	Registry *prometheus.Registry

	StageRuns   *prometheus.CounterVec
	Adaptations *prometheus.CounterVec
	NewClasses  *prometheus.GaugeVec
	ModelSize   *prometheus.GaugeVec
	Workers     *prometheus.CounterVec
}

// NewMetrics creates the metrics in their own prometheus registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		StageRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mpa_stage_runs_total",
			Help: "Number of stage runs, by stage and status.",
		}, []string{"stage", "status"}),
		Adaptations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mpa_task_adaptations_total",
			Help: "Number of label space adaptations configured.",
		}, []string{"stage"}),
		NewClasses: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mpa_new_classes",
			Help: "Number of classes new to the model in the last adaptation.",
		}, []string{"stage"}),
		ModelSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mpa_model_classes",
			Help: "Number of classes of the model, before (old) and after (adapted) the last adaptation.",
		}, []string{"stage", "phase"}),
		Workers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mpa_train_workers_total",
			Help: "Number of training workers started.",
		}, []string{"stage"}),
	}
	m.Registry.MustRegister(m.StageRuns, m.Adaptations, m.NewClasses, m.ModelSize, m.Workers)
	return m
}

func (m *Metrics) observeAdaptation(stage string, numOld, numAdapted, numNew int) {
	if m == nil {
		return
	}
	m.Adaptations.WithLabelValues(stage).Inc()
	m.NewClasses.WithLabelValues(stage).Set(float64(numNew))
	m.ModelSize.WithLabelValues(stage, "old").Set(float64(numOld))
	m.ModelSize.WithLabelValues(stage, "adapted").Set(float64(numAdapted))
}

func (m *Metrics) observeWorkers(stage string, n int) {
	if m == nil {
		return
	}
	m.Workers.WithLabelValues(stage).Add(float64(n))
}

func (m *Metrics) observeRun(stage string, err error, skipped bool) {
	if m == nil {
		return
	}
	status := "ok"
	switch {
	case err != nil:
		status = "error"
	case skipped:
		status = "skipped"
	}
	m.StageRuns.WithLabelValues(stage, status).Inc()
}

// WriteToTextfile writes the metrics in the Prometheus text format, for the node exporter textfile collector.
func (m *Metrics) WriteToTextfile(path string) error {
	if m == nil {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, m.Registry); err != nil {
		return errors.Wrapf(err, "writing metrics to %q", path)
	}
	return nil
}
