// Package metrics はPrometheus向けの運用メトリクスを提供する
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	switchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kirikae_switch_total",
		Help: "カメラ切り替えの累計回数（結果別）",
	}, []string{"outcome"})

	switchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "kirikae_switch_duration_seconds",
		Help:    "カメラ切り替えに要した時間",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 8),
	})

	activeSource = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kirikae_active_source",
		Help: "現在配信中のカメラID（非配信時は-1）",
	})

	protected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kirikae_protected",
		Help: "システム保護が有効かどうか (0/1)",
	})

	observers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kirikae_observers",
		Help: "接続中のWebSocketオブザーバ数",
	})

	cpuPercent = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kirikae_system_cpu_percent",
		Help: "最新のCPU使用率",
	})

	temperature = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kirikae_system_temperature_celsius",
		Help: "最新のCPU温度",
	})

	memoryPercent = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kirikae_system_memory_percent",
		Help: "最新のメモリ使用率",
	})
)

func init() {
	activeSource.Set(-1)
}

// SwitchCompleted は切り替え処理の完了を記録する
func SwitchCompleted(outcome string, elapsed time.Duration) {
	switchTotal.WithLabelValues(outcome).Inc()
	switchDuration.Observe(elapsed.Seconds())
}

// SetActiveSource は配信中のカメラIDを記録する（非配信時は-1）
func SetActiveSource(source int) {
	activeSource.Set(float64(source))
}

// SetProtected は保護フラグの状態を記録する
func SetProtected(on bool) {
	if on {
		protected.Set(1)
	} else {
		protected.Set(0)
	}
}

// SetObservers は接続中のオブザーバ数を記録する
func SetObservers(n int) {
	observers.Set(float64(n))
}

// ObserveSystem はシステム計測値を記録する
func ObserveSystem(cpu, temp, memory float64) {
	cpuPercent.Set(cpu)
	temperature.Set(temp)
	memoryPercent.Set(memory)
}
