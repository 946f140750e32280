package toggle

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"kirikae/internal/config"
	"kirikae/internal/metrics"
	"kirikae/internal/pipeline"
)

// Manager は排他的なカメラ切り替えを統括する
//
// 全ての状態変更はswitchロックを通る。状態の読み取りはアトミックに
// 差し替えられるスナップショット経由で行い、ロックと競合しない
type Manager struct {
	cfg        *config.Config
	supervisor pipeline.Supervisor

	// 切り替え・停止を直列化するロック
	// プロセス起動と生存確認を含むため数秒間保持されることがある
	mu sync.Mutex

	// 現在の状態（muで保護される）
	activeSource   *int
	state          State
	progress       int
	message        string
	lastSwitchTime *time.Time
	protected      bool

	// 読み取り用スナップショット
	snapshot atomic.Pointer[Status]

	// 状態変化ごとに呼ばれる通知フック（nil可）
	onUpdate func(Status)

	// 切り替え後のリソース整理待ち（テストで短縮する）
	settleAfterStop time.Duration
}

// NewManager は新しいManagerを作成する
func NewManager(cfg *config.Config, supervisor pipeline.Supervisor) *Manager {
	m := &Manager{
		cfg:             cfg,
		supervisor:      supervisor,
		state:           StateStopped,
		message:         "待機中",
		settleAfterStop: time.Second,
	}
	m.storeSnapshot()
	return m
}

// SetNotifier は状態変化の通知先を設定する
// 切り替え処理の開始前に一度だけ呼ぶこと
func (m *Manager) SetNotifier(fn func(Status)) {
	m.onUpdate = fn
}

// Status は現在のスナップショットを返す
// switchロックを待たずに常に即座に返る
func (m *Manager) Status() Status {
	return *m.snapshot.Load()
}

// Switch は対象カメラへ排他的に切り替える
//
// 既に別のカメラが動作中なら先に停止し、その後に対象を起動する。
// 同一カメラへの切り替えも完全な停止・再起動として扱う。
// 保護中は状態を変えずに拒否する
func (m *Manager) Switch(ctx context.Context, target int, cfg pipeline.StreamConfig) error {
	if !m.cfg.IsValidSource(target) {
		return fmt.Errorf("%w: %d", ErrInvalidSource, target)
	}
	if m.Status().Protected {
		return ErrProtected
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	began := time.Now()
	log.Printf("カメラ %d への切り替えを開始します", target)

	m.setState(StateSwitching, 0, fmt.Sprintf("カメラ %d へ切り替え中...", target))

	// 1段階目: 既存カメラの安全な停止
	if m.activeSource != nil {
		m.setState(StateStopping, 0, "既存カメラを停止中...")

		if err := m.supervisor.Stop(); err != nil {
			m.failSwitch("既存カメラの停止に失敗", began)
			return fmt.Errorf("既存カメラの停止に失敗: %w", err)
		}

		m.activeSource = nil
		m.setState(StateSwitching, 40, "リソースを整理中...")

		// プロセス終了直後のリソース解放を待つ
		select {
		case <-ctx.Done():
			m.failSwitch("切り替えが中断されました", began)
			return ctx.Err()
		case <-time.After(m.settleAfterStop):
		}
	}

	// 2段階目: 新しいカメラの起動
	m.setState(StateStarting, 50, fmt.Sprintf("カメラ %d を起動中...", target))

	err := m.supervisor.Start(ctx, target, cfg, func(p int) {
		m.setState(StateStarting, p, fmt.Sprintf("カメラ %d を起動中...", target))
	})
	if err != nil {
		m.failSwitch(fmt.Sprintf("カメラ %d の起動失敗: %v", target, err), began)
		return fmt.Errorf("カメラ %d の起動に失敗: %w", target, err)
	}

	now := time.Now()
	m.activeSource = &target
	m.lastSwitchTime = &now
	m.setState(StateRunning, 100, fmt.Sprintf("カメラ %d の有効化完了", target))

	metrics.SwitchCompleted("success", time.Since(began))
	metrics.SetActiveSource(target)
	log.Printf("カメラ %d への切り替えが完了しました", target)
	return nil
}

// StopAll は動作中のカメラを停止する
//
// 何も動いていなければ何もせず成功する（冪等）。
// 停止に失敗した場合は停止済みを装わず、エラー状態で報告する
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.activeSource == nil && m.state == StateStopped {
		return nil
	}

	m.setState(StateStopping, 0, "カメラを停止中...")

	if err := m.supervisor.Stop(); err != nil {
		m.setState(StateError, 0, fmt.Sprintf("カメラの停止が不完全です: %v", err))
		m.activeSource = nil
		metrics.SetActiveSource(-1)
		return fmt.Errorf("カメラの停止に失敗: %w", err)
	}

	m.activeSource = nil
	m.setState(StateStopped, 0, "全カメラ停止")
	metrics.SetActiveSource(-1)
	log.Printf("全カメラを停止しました")
	return nil
}

// StreamPath は配信中のカメラのマニフェストパスを返す
// 対象カメラが配信中でなければfalseを返す
func (m *Manager) StreamPath(source int) (string, bool) {
	st := m.Status()
	if st.ActiveSource == nil || *st.ActiveSource != source || st.State != StateRunning {
		return "", false
	}
	return fmt.Sprintf("/stream/cam%d/index.m3u8", source), true
}

// SetProtected は保護フラグを更新する（ProtectionMonitor専用）
func (m *Manager) SetProtected(protected bool, message string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.protected = protected
	if message != "" {
		m.message = message
	}
	m.storeSnapshot()
	metrics.SetProtected(protected)
}

// failSwitch は切り替え失敗時の状態遷移をまとめる（ロック済み前提）
func (m *Manager) failSwitch(message string, began time.Time) {
	m.activeSource = nil
	m.setState(StateError, m.progress, message)
	metrics.SwitchCompleted("failure", time.Since(began))
	metrics.SetActiveSource(-1)
	log.Printf("切り替えに失敗しました: %s", message)
}

// setState は状態を更新しスナップショットを差し替える（ロック済み前提）
func (m *Manager) setState(state State, progress int, message string) {
	m.state = state
	m.progress = progress
	m.message = message
	m.storeSnapshot()
}

// storeSnapshot は現在の状態から不変のスナップショットを作る（ロック済み前提）
func (m *Manager) storeSnapshot() {
	st := Status{
		State:     m.state,
		Progress:  m.progress,
		Message:   m.message,
		Protected: m.protected,
	}
	if m.activeSource != nil {
		v := *m.activeSource
		st.ActiveSource = &v
	}
	if m.lastSwitchTime != nil {
		t := *m.lastSwitchTime
		st.LastSwitchTime = &t
	}

	m.snapshot.Store(&st)

	if m.onUpdate != nil {
		m.onUpdate(st)
	}
}
