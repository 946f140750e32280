package sysmon

import (
	"context"
	"fmt"
	"testing"
	"time"
)

// TestClassify は健全性判定の段階をテストする
func TestClassify(t *testing.T) {
	testCases := []struct {
		name     string
		cpu      float64
		temp     float64
		memory   float64
		expected HealthState
	}{
		{"全て正常", 10.0, 40.0, 30.0, HealthNormal},
		{"境界値は正常", 60.0, 60.0, 70.0, HealthNormal},
		{"CPUが警告域", 61.0, 40.0, 30.0, HealthWarning},
		{"温度が警告域", 10.0, 65.0, 30.0, HealthWarning},
		{"メモリが警告域", 10.0, 40.0, 75.0, HealthWarning},
		{"CPUが危険域", 85.0, 40.0, 30.0, HealthCritical},
		{"温度が危険域", 10.0, 72.0, 30.0, HealthCritical},
		{"メモリが危険域", 10.0, 40.0, 90.0, HealthCritical},
		{"警告と危険の混在は危険", 65.0, 40.0, 90.0, HealthCritical},
		{"全てゼロは正常", 0, 0, 0, HealthNormal},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got := Classify(tc.cpu, tc.temp, tc.memory)
			if got != tc.expected {
				t.Errorf("Classify(%v, %v, %v) = %v, 期待値 %v",
					tc.cpu, tc.temp, tc.memory, got, tc.expected)
			}
		})
	}
}

// TestSampleDegradation は計測失敗時のゼロ値代替をテストする
func TestSampleDegradation(t *testing.T) {
	failErr := fmt.Errorf("計測デバイスが利用できません")

	s := &defaultSampler{
		cpuPercent:  func(ctx context.Context) (float64, error) { return 0, failErr },
		temperature: func(ctx context.Context) (float64, error) { return 0, failErr },
		memPercent:  func(ctx context.Context) (float64, error) { return 65.0, nil },
		diskPercent: func(ctx context.Context) (float64, error) { return 0, failErr },
		uptime:      func(ctx context.Context) (time.Duration, error) { return 0, failErr },
	}

	snap := s.Sample(context.Background())

	// 失敗した項目はゼロで代替される
	if snap.CPUPercent != 0 {
		t.Errorf("CPU使用率がゼロで代替されていません: %v", snap.CPUPercent)
	}
	if snap.Temperature != 0 {
		t.Errorf("温度がゼロで代替されていません: %v", snap.Temperature)
	}
	if snap.DiskPercent != 0 {
		t.Errorf("ディスク使用率がゼロで代替されていません: %v", snap.DiskPercent)
	}
	if snap.Uptime != "unknown" {
		t.Errorf("稼働時間がunknownで代替されていません: %q", snap.Uptime)
	}

	// 成功した項目はそのまま使われる
	if snap.MemoryPercent != 65.0 {
		t.Errorf("メモリ使用率が反映されていません: %v", snap.MemoryPercent)
	}

	// ゼロ代替後も判定は通常通り行われる（メモリ65%はNormal）
	if snap.State != HealthNormal {
		t.Errorf("健全性の判定が不正: %v", snap.State)
	}

	if snap.Timestamp.IsZero() {
		t.Error("タイムスタンプが設定されていません")
	}
}

// TestSampleHealthFromProbes は計測値から健全性が導かれることをテストする
func TestSampleHealthFromProbes(t *testing.T) {
	s := &defaultSampler{
		cpuPercent:  func(ctx context.Context) (float64, error) { return 85.0, nil },
		temperature: func(ctx context.Context) (float64, error) { return 45.0, nil },
		memPercent:  func(ctx context.Context) (float64, error) { return 40.0, nil },
		diskPercent: func(ctx context.Context) (float64, error) { return 50.0, nil },
		uptime:      func(ctx context.Context) (time.Duration, error) { return 2 * time.Hour, nil },
	}

	snap := s.Sample(context.Background())

	if snap.State != HealthCritical {
		t.Errorf("CPU 85%%はCriticalのはずです: %v", snap.State)
	}
	if snap.Uptime != "2h 0m" {
		t.Errorf("稼働時間の整形が不正: %q", snap.Uptime)
	}
}

// TestFormatUptime は稼働時間の整形をテストする
func TestFormatUptime(t *testing.T) {
	testCases := []struct {
		duration time.Duration
		expected string
	}{
		{0, "0h 0m"},
		{59 * time.Second, "0h 0m"},
		{61 * time.Minute, "1h 1m"},
		{25*time.Hour + 30*time.Minute, "25h 30m"},
	}

	for _, tc := range testCases {
		if got := formatUptime(tc.duration); got != tc.expected {
			t.Errorf("formatUptime(%v) = %q, 期待値 %q", tc.duration, got, tc.expected)
		}
	}
}
