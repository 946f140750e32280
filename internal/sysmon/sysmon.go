// Package sysmon はホストのシステム状態の計測と健全性判定を提供する
package sysmon

import (
	"context"
	"fmt"
	"log"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
)

// HealthState はシステムの健全性を表す
type HealthState string

const (
	HealthNormal   HealthState = "normal"   // 正常
	HealthWarning  HealthState = "warning"  // 警告
	HealthCritical HealthState = "critical" // 危険
)

// Snapshot はある時点のシステム状態を表す
// 生成後は不変であり、そのまま共有してよい
type Snapshot struct {
	CPUPercent    float64     `json:"cpu_percent"`
	Temperature   float64     `json:"cpu_temp"`
	MemoryPercent float64     `json:"memory_percent"`
	DiskPercent   float64     `json:"disk_percent"`
	Uptime        string      `json:"uptime"`
	State         HealthState `json:"state"`
	Timestamp     time.Time   `json:"timestamp"`
}

// Sampler はシステム状態の計測機能を提供する
type Sampler interface {
	// Sample は現在のシステム状態を計測する
	// 個別の計測に失敗してもエラーは返さず、該当項目をゼロ値で代替する
	Sample(ctx context.Context) Snapshot
}

// 健全性判定の閾値
// いずれかの指標が超過した最悪の段階を採用する
const (
	criticalCPU    = 75.0
	criticalTemp   = 70.0
	criticalMemory = 80.0

	warningCPU    = 60.0
	warningTemp   = 60.0
	warningMemory = 70.0
)

// defaultSampler はgopsutilとvcgencmdを使った計測の実装
type defaultSampler struct {
	// 計測関数（テストで差し替える）
	cpuPercent  func(ctx context.Context) (float64, error)
	temperature func(ctx context.Context) (float64, error)
	memPercent  func(ctx context.Context) (float64, error)
	diskPercent func(ctx context.Context) (float64, error)
	uptime      func(ctx context.Context) (time.Duration, error)
}

// New は新しいSamplerを作成する
func New() Sampler {
	return &defaultSampler{
		cpuPercent:  readCPUPercent,
		temperature: readTemperature,
		memPercent:  readMemoryPercent,
		diskPercent: readDiskPercent,
		uptime:      readUptime,
	}
}

// Sample は現在のシステム状態を計測する
func (s *defaultSampler) Sample(ctx context.Context) Snapshot {
	snap := Snapshot{
		Uptime:    "unknown",
		Timestamp: time.Now(),
	}

	if v, err := s.cpuPercent(ctx); err == nil {
		snap.CPUPercent = v
	} else {
		log.Printf("CPU使用率の取得に失敗: %v", err)
	}

	if v, err := s.temperature(ctx); err == nil {
		snap.Temperature = v
	}
	// 温度計測の失敗はログに出さない
	// vcgencmdが無い環境（Pi以外）では毎回失敗するため

	if v, err := s.memPercent(ctx); err == nil {
		snap.MemoryPercent = v
	} else {
		log.Printf("メモリ使用率の取得に失敗: %v", err)
	}

	if v, err := s.diskPercent(ctx); err == nil {
		snap.DiskPercent = v
	} else {
		log.Printf("ディスク使用率の取得に失敗: %v", err)
	}

	if v, err := s.uptime(ctx); err == nil {
		snap.Uptime = formatUptime(v)
	}

	snap.State = Classify(snap.CPUPercent, snap.Temperature, snap.MemoryPercent)
	return snap
}

// Classify は各指標を閾値と独立に比較し、最悪の段階を返す
func Classify(cpuPercent, temperature, memoryPercent float64) HealthState {
	if cpuPercent > criticalCPU || temperature > criticalTemp || memoryPercent > criticalMemory {
		return HealthCritical
	}
	if cpuPercent > warningCPU || temperature > warningTemp || memoryPercent > warningMemory {
		return HealthWarning
	}
	return HealthNormal
}

// formatUptime は稼働時間を "3h 25m" 形式に整形する
func formatUptime(d time.Duration) string {
	hours := int(d.Hours())
	minutes := int(d.Minutes()) % 60
	return fmt.Sprintf("%dh %dm", hours, minutes)
}

// readCPUPercent は短い計測区間でCPU使用率を取得する
func readCPUPercent(ctx context.Context) (float64, error) {
	values, err := cpu.PercentWithContext(ctx, 100*time.Millisecond, false)
	if err != nil {
		return 0, fmt.Errorf("CPU使用率の計測に失敗: %w", err)
	}
	if len(values) == 0 {
		return 0, fmt.Errorf("CPU使用率の計測結果が空です")
	}
	return values[0], nil
}

// readTemperature はvcgencmdでCPU温度を取得する
// 出力は "temp=48.3'C" 形式
func readTemperature(ctx context.Context) (float64, error) {
	out, err := exec.CommandContext(ctx, "vcgencmd", "measure_temp").Output()
	if err != nil {
		return 0, fmt.Errorf("温度の取得に失敗: %w", err)
	}

	text := strings.TrimSpace(string(out))
	text = strings.TrimPrefix(text, "temp=")
	text = strings.TrimSuffix(text, "'C")

	value, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return 0, fmt.Errorf("温度のパースに失敗 (%q): %w", string(out), err)
	}
	return value, nil
}

// readMemoryPercent はメモリ使用率を取得する
func readMemoryPercent(ctx context.Context) (float64, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, fmt.Errorf("メモリ情報の取得に失敗: %w", err)
	}
	return vm.UsedPercent, nil
}

// readDiskPercent はルートファイルシステムの使用率を取得する
func readDiskPercent(ctx context.Context) (float64, error) {
	usage, err := disk.UsageWithContext(ctx, "/")
	if err != nil {
		return 0, fmt.Errorf("ディスク情報の取得に失敗: %w", err)
	}
	return usage.UsedPercent, nil
}

// readUptime はシステムの稼働時間を取得する
func readUptime(ctx context.Context) (time.Duration, error) {
	seconds, err := host.UptimeWithContext(ctx)
	if err != nil {
		return 0, fmt.Errorf("稼働時間の取得に失敗: %w", err)
	}
	return time.Duration(seconds) * time.Second, nil
}
