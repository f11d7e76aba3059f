package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	DeliveriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "broadcast_deliveries_total",
		Help: "Терминальные исходы доставки по типу сообщения и статусу",
	}, []string{"kind", "status"})

	SendRetriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "broadcast_send_retries_total",
		Help: "Повторные попытки отправки по причине временной ошибки",
	}, []string{"reason"})

	RateGateWaitSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "broadcast_rate_gate_wait_seconds",
		Help:    "Ожидание допуска к отправке",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
	})

	SendsInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "broadcast_sends_in_flight",
		Help: "Отправки, ожидающие ответа транспорта",
	})

	DispatchSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "broadcast_dispatch_seconds",
		Help:    "Длительность прохода рассылки по аудитории",
		Buckets: prometheus.ExponentialBuckets(1, 2, 14),
	})

	TaskTransitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "broadcast_task_transitions_total",
		Help: "Переходы задач рассылки по целевому статусу",
	}, []string{"status"})

	OverdueThemes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "broadcast_overdue_themes",
		Help: "Неотправленные темы с прошедшей датой",
	})

	RotationRunsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "broadcast_rotation_runs_total",
		Help: "Запуски ежедневной ротации по результату",
	}, []string{"outcome"})

	QueueJobsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "broadcast_queue_jobs_total",
		Help: "Обработанные сообщения очереди задач по результату",
	}, []string{"outcome"})

	NetworkRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "network_request_duration_seconds",
		Help:    "Длительность сетевых запросов",
		Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 15, 30, 60},
	}, []string{"component", "operation", "target", "status"})

	NetworkRequestTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "network_request_total",
		Help: "Количество сетевых запросов",
	}, []string{"component", "operation", "target", "status"})
)

// MustRegister регистрирует метрики.
func MustRegister(registerer prometheus.Registerer) {
	registerer.MustRegister(
		DeliveriesTotal,
		SendRetriesTotal,
		RateGateWaitSeconds,
		SendsInFlight,
		DispatchSeconds,
		TaskTransitionsTotal,
		OverdueThemes,
		RotationRunsTotal,
		QueueJobsTotal,
		NetworkRequestDuration,
		NetworkRequestTotal,
	)
}

// ObserveNetworkRequest записывает длительность и статус сетевого запроса.
func ObserveNetworkRequest(component, operation, target string, start time.Time, err error) {
	if component == "" {
		component = "unknown"
	}
	if operation == "" {
		operation = "unknown"
	}
	if target == "" {
		target = "unknown"
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	duration := time.Since(start).Seconds()
	NetworkRequestDuration.WithLabelValues(component, operation, target, status).Observe(duration)
	NetworkRequestTotal.WithLabelValues(component, operation, target, status).Inc()
}

// IncDelivery учитывает терминальный исход доставки.
func IncDelivery(kind, status string) {
	DeliveriesTotal.WithLabelValues(kind, status).Inc()
}

// IncRetry учитывает повтор отправки.
func IncRetry(reason string) {
	if reason == "" {
		reason = "unknown"
	}
	SendRetriesTotal.WithLabelValues(reason).Inc()
}

// IncTaskTransition учитывает переход задачи в статус.
func IncTaskTransition(status string) {
	TaskTransitionsTotal.WithLabelValues(status).Inc()
}
