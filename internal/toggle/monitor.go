package toggle

import (
	"context"
	"log"
	"sync"
	"time"

	"kirikae/internal/config"
	"kirikae/internal/metrics"
	"kirikae/internal/sysmon"
)

// Monitor はシステム保護と定期通知のバックグラウンドループ
//
// 一定間隔でシステム状態と接続数を確認し、いずれかの閾値を超えたら
// 全カメラを強制停止して保護フラグを立てる。保護の発動と解除は
// エッジトリガーで、超過が続いても停止コマンドを繰り返さない
type Monitor struct {
	thresholds config.ProtectionConfig
	interval   time.Duration

	manager     *Manager
	sampler     sysmon.Sampler
	connections func() int

	// 各チェック後に呼ばれる定期通知フック（nil可）
	onTick func(sysmon.Snapshot)

	// 制御用
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewMonitor は新しいMonitorを作成する
// connectionsには現在のオブザーバ数を返す関数を渡す
func NewMonitor(cfg *config.Config, manager *Manager, sampler sysmon.Sampler, connections func() int) *Monitor {
	return &Monitor{
		thresholds:  cfg.Protection,
		interval:    cfg.Monitor.Interval,
		manager:     manager,
		sampler:     sampler,
		connections: connections,
		stopCh:      make(chan struct{}),
	}
}

// SetNotifier は定期通知の通知先を設定する
// Startの前に一度だけ呼ぶこと
func (m *Monitor) SetNotifier(fn func(sysmon.Snapshot)) {
	m.onTick = fn
}

// Start は監視ループを開始する
func (m *Monitor) Start(ctx context.Context) {
	m.wg.Add(1)
	go m.run(ctx)
}

// Stop は監視ループを停止し、終了を待つ
func (m *Monitor) Stop() {
	close(m.stopCh)
	m.wg.Wait()
}

// run は定期チェックの本体
func (m *Monitor) run(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.check(ctx)
		}
	}
}

// check は1回分の保護判定と定期通知を行う
// 失敗してもループは止めない
func (m *Monitor) check(ctx context.Context) {
	snap := m.sampler.Sample(ctx)
	connections := m.connections()

	metrics.ObserveSystem(snap.CPUPercent, snap.Temperature, snap.MemoryPercent)
	metrics.SetObservers(connections)

	shouldProtect := snap.CPUPercent > m.thresholds.CPUPercent ||
		snap.Temperature > m.thresholds.Temperature ||
		snap.MemoryPercent > m.thresholds.MemoryPercent ||
		connections > m.thresholds.MaxConnections

	protected := m.manager.Status().Protected

	switch {
	case shouldProtect && !protected:
		// 立ち上がりエッジ: 停止は遷移時に一度だけ発行する
		log.Printf("システム保護を発動します (CPU %.1f%% 温度 %.1f℃ メモリ %.1f%% 接続 %d)",
			snap.CPUPercent, snap.Temperature, snap.MemoryPercent, connections)
		if err := m.manager.StopAll(ctx); err != nil {
			log.Printf("保護発動時の停止に失敗: %v", err)
		}
		m.manager.SetProtected(true, "システム保護のためストリームを停止しました")

	case !shouldProtect && protected:
		// 立ち下がりエッジ: 保護を解除するだけで自動再開はしない
		log.Printf("システム保護を解除します")
		m.manager.SetProtected(false, "システム保護を解除しました")
	}

	if m.onTick != nil {
		m.onTick(snap)
	}
}
