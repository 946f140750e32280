package toggle

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"kirikae/internal/config"
	"kirikae/internal/pipeline"
)

// fakeSupervisor はテスト用のSupervisor実装
type fakeSupervisor struct {
	mu      sync.Mutex
	running bool
	calls   []string

	startErr   error
	stopErr    error
	startDelay time.Duration

	// 同時実行の検出用
	inFlight      atomic.Int32
	maxInFlight   atomic.Int32
	startAttempts atomic.Int32
}

func (f *fakeSupervisor) Start(ctx context.Context, source int, cfg pipeline.StreamConfig, progress func(int)) error {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		max := f.maxInFlight.Load()
		if n <= max || f.maxInFlight.CompareAndSwap(max, n) {
			break
		}
	}
	f.startAttempts.Add(1)

	if f.startDelay > 0 {
		time.Sleep(f.startDelay)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fmt.Sprintf("start:%d", source))
	if f.startErr != nil {
		return f.startErr
	}
	if progress != nil {
		progress(90)
	}
	f.running = true
	return nil
}

func (f *fakeSupervisor) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "stop")
	f.running = false
	return f.stopErr
}

func (f *fakeSupervisor) Running() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

func (f *fakeSupervisor) StreamDir(source int) string {
	return fmt.Sprintf("/tmp/stream/cam%d", source)
}

func (f *fakeSupervisor) ManifestPath(source int) string {
	return f.StreamDir(source) + "/index.m3u8"
}

func (f *fakeSupervisor) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	copy(out, f.calls)
	return out
}

// newTestManager はテスト用のManagerとfakeSupervisorを作成する
func newTestManager(t *testing.T) (*Manager, *fakeSupervisor) {
	t.Helper()
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("設定の読み込みに失敗しました: %v", err)
	}
	sup := &fakeSupervisor{}
	m := NewManager(cfg, sup)
	m.settleAfterStop = time.Millisecond // テストでは整理待ちを短縮
	return m, sup
}

func testStreamConfig() pipeline.StreamConfig {
	return pipeline.StreamConfig{
		Width: 640, Height: 480, Framerate: 30, Quality: 26, Preset: "ultrafast",
	}
}

// TestSwitchFromStopped は停止状態からの切り替えをテストする
func TestSwitchFromStopped(t *testing.T) {
	m, sup := newTestManager(t)

	if err := m.Switch(context.Background(), 0, testStreamConfig()); err != nil {
		t.Fatalf("切り替えに失敗しました: %v", err)
	}

	st := m.Status()
	if st.State != StateRunning {
		t.Errorf("状態がRunningではありません: %v", st.State)
	}
	if st.ActiveSource == nil || *st.ActiveSource != 0 {
		t.Errorf("アクティブカメラが0ではありません: %v", st.ActiveSource)
	}
	if st.Progress != 100 {
		t.Errorf("進捗が100ではありません: %d", st.Progress)
	}
	if st.LastSwitchTime == nil {
		t.Error("切り替え時刻が設定されていません")
	}

	// 停止状態からの切り替えでは事前の停止は行われない
	calls := sup.callLog()
	if len(calls) != 1 || calls[0] != "start:0" {
		t.Errorf("呼び出し順が不正: %v", calls)
	}
}

// TestSwitchWhileRunning は動作中の別カメラへの切り替えをテストする
func TestSwitchWhileRunning(t *testing.T) {
	m, sup := newTestManager(t)

	if err := m.Switch(context.Background(), 0, testStreamConfig()); err != nil {
		t.Fatalf("最初の切り替えに失敗しました: %v", err)
	}
	if err := m.Switch(context.Background(), 1, testStreamConfig()); err != nil {
		t.Fatalf("2回目の切り替えに失敗しました: %v", err)
	}

	st := m.Status()
	if st.ActiveSource == nil || *st.ActiveSource != 1 {
		t.Errorf("アクティブカメラが1ではありません: %v", st.ActiveSource)
	}

	// 停止してから起動する順序が守られる
	calls := sup.callLog()
	expected := []string{"start:0", "stop", "start:1"}
	if len(calls) != len(expected) {
		t.Fatalf("呼び出し数が不正: %v", calls)
	}
	for i, want := range expected {
		if calls[i] != want {
			t.Errorf("呼び出し順が不正: %v", calls)
			break
		}
	}
}

// TestSwitchSameSource は同一カメラへの切り替えが完全な再起動になることをテストする
func TestSwitchSameSource(t *testing.T) {
	m, sup := newTestManager(t)

	if err := m.Switch(context.Background(), 0, testStreamConfig()); err != nil {
		t.Fatalf("最初の切り替えに失敗しました: %v", err)
	}
	if err := m.Switch(context.Background(), 0, testStreamConfig()); err != nil {
		t.Fatalf("同一カメラへの切り替えに失敗しました: %v", err)
	}

	calls := sup.callLog()
	expected := []string{"start:0", "stop", "start:0"}
	for i, want := range expected {
		if i >= len(calls) || calls[i] != want {
			t.Fatalf("呼び出し順が不正: %v", calls)
		}
	}
}

// TestSwitchStartFailure は起動失敗時のエラー遷移をテストする
func TestSwitchStartFailure(t *testing.T) {
	m, sup := newTestManager(t)
	sup.startErr = fmt.Errorf("エンコードプロセスが早期終了しました (exit code 1)")

	err := m.Switch(context.Background(), 0, testStreamConfig())
	if err == nil {
		t.Fatal("起動失敗にもかかわらず切り替えが成功しました")
	}

	st := m.Status()
	if st.State != StateError {
		t.Errorf("状態がErrorではありません: %v", st.State)
	}
	if st.ActiveSource != nil {
		t.Errorf("失敗後もアクティブカメラが残っています: %v", *st.ActiveSource)
	}
	if st.Message == "" {
		t.Error("失敗メッセージが保持されていません")
	}
}

// TestSwitchAfterStartFailure はエラー状態からの再試行をテストする
func TestSwitchAfterStartFailure(t *testing.T) {
	m, sup := newTestManager(t)
	sup.startErr = fmt.Errorf("起動失敗")

	if err := m.Switch(context.Background(), 0, testStreamConfig()); err == nil {
		t.Fatal("起動失敗にもかかわらず切り替えが成功しました")
	}

	// エラー状態は終端ではなく、次のコマンドで再試行できる
	sup.startErr = nil
	if err := m.Switch(context.Background(), 1, testStreamConfig()); err != nil {
		t.Fatalf("エラー状態からの再試行に失敗しました: %v", err)
	}
	if st := m.Status(); st.State != StateRunning {
		t.Errorf("再試行後の状態がRunningではありません: %v", st.State)
	}
}

// TestSwitchTeardownFailure は既存カメラの停止失敗をテストする
func TestSwitchTeardownFailure(t *testing.T) {
	m, sup := newTestManager(t)

	if err := m.Switch(context.Background(), 0, testStreamConfig()); err != nil {
		t.Fatalf("最初の切り替えに失敗しました: %v", err)
	}

	sup.stopErr = fmt.Errorf("パイプラインの停止が不完全です")
	err := m.Switch(context.Background(), 1, testStreamConfig())
	if err == nil {
		t.Fatal("停止失敗にもかかわらず切り替えが成功しました")
	}

	st := m.Status()
	if st.State != StateError {
		t.Errorf("状態がErrorではありません: %v", st.State)
	}
	if st.ActiveSource != nil {
		t.Errorf("失敗後もアクティブカメラが残っています: %v", *st.ActiveSource)
	}

	// 新しいカメラの起動は試みられない
	for _, call := range sup.callLog() {
		if call == "start:1" {
			t.Error("停止失敗後に起動が試みられています")
		}
	}
}

// TestSwitchInvalidSource は無効なカメラIDの拒否をテストする
func TestSwitchInvalidSource(t *testing.T) {
	m, sup := newTestManager(t)

	for _, id := range []int{-1, 2, 99} {
		err := m.Switch(context.Background(), id, testStreamConfig())
		if err == nil {
			t.Errorf("無効なカメラID %d が受理されました", id)
		}
	}

	// 状態は一切変化しない
	if st := m.Status(); st.State != StateStopped {
		t.Errorf("拒否後に状態が変化しています: %v", st.State)
	}
	if len(sup.callLog()) != 0 {
		t.Error("拒否にもかかわらずSupervisorが呼ばれています")
	}
}

// TestSwitchWhileProtected は保護中の切り替え拒否をテストする
func TestSwitchWhileProtected(t *testing.T) {
	m, sup := newTestManager(t)
	m.SetProtected(true, "システム保護のためストリームを停止しました")

	err := m.Switch(context.Background(), 0, testStreamConfig())
	if err != ErrProtected {
		t.Errorf("ErrProtectedが返されていません: %v", err)
	}

	if st := m.Status(); st.State != StateStopped {
		t.Errorf("拒否後に状態が変化しています: %v", st.State)
	}
	if len(sup.callLog()) != 0 {
		t.Error("拒否にもかかわらずSupervisorが呼ばれています")
	}
}

// TestStopAllIdempotent は停止の冪等性をテストする
func TestStopAllIdempotent(t *testing.T) {
	m, _ := newTestManager(t)

	if err := m.StopAll(context.Background()); err != nil {
		t.Errorf("1回目の停止が失敗しました: %v", err)
	}
	if err := m.StopAll(context.Background()); err != nil {
		t.Errorf("2回目の停止が失敗しました: %v", err)
	}
	if st := m.Status(); st.State != StateStopped {
		t.Errorf("状態がStoppedではありません: %v", st.State)
	}
}

// TestStopAllAfterRunning は配信中からの停止をテストする
func TestStopAllAfterRunning(t *testing.T) {
	m, _ := newTestManager(t)

	if err := m.Switch(context.Background(), 1, testStreamConfig()); err != nil {
		t.Fatalf("切り替えに失敗しました: %v", err)
	}
	if err := m.StopAll(context.Background()); err != nil {
		t.Fatalf("停止に失敗しました: %v", err)
	}

	st := m.Status()
	if st.State != StateStopped {
		t.Errorf("状態がStoppedではありません: %v", st.State)
	}
	if st.ActiveSource != nil {
		t.Errorf("停止後もアクティブカメラが残っています: %v", *st.ActiveSource)
	}
}

// TestStopAllFailure は停止失敗時にStoppedを装わないことをテストする
func TestStopAllFailure(t *testing.T) {
	m, sup := newTestManager(t)

	if err := m.Switch(context.Background(), 0, testStreamConfig()); err != nil {
		t.Fatalf("切り替えに失敗しました: %v", err)
	}

	sup.stopErr = fmt.Errorf("回収できないプロセスがあります")
	if err := m.StopAll(context.Background()); err == nil {
		t.Fatal("停止失敗にもかかわらず成功が返されました")
	}

	if st := m.Status(); st.State == StateStopped {
		t.Error("停止失敗にもかかわらず状態がStoppedです")
	}
}

// TestStatusNeverBlocks は切り替え中でも状態読み取りがブロックしないことをテストする
func TestStatusNeverBlocks(t *testing.T) {
	m, sup := newTestManager(t)
	sup.startDelay = 300 * time.Millisecond

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Switch(context.Background(), 0, testStreamConfig())
	}()

	// 切り替えが進行中になるのを待つ
	deadline := time.Now().Add(time.Second)
	for m.Status().State == StateStopped {
		if time.Now().After(deadline) {
			t.Fatal("切り替えが開始されませんでした")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// ロック保持中でもStatusは即座に返る
	start := time.Now()
	_ = m.Status()
	if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
		t.Errorf("Statusの読み取りがブロックしました: %v", elapsed)
	}

	<-done
}

// TestSwitchSerialized は切り替えの直列実行をテストする
func TestSwitchSerialized(t *testing.T) {
	m, sup := newTestManager(t)
	sup.startDelay = 50 * time.Millisecond

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(target int) {
			defer wg.Done()
			_ = m.Switch(context.Background(), target%2, testStreamConfig())
		}(i)
	}
	wg.Wait()

	// Supervisorの起動処理が同時に走ることはない
	if max := sup.maxInFlight.Load(); max > 1 {
		t.Errorf("起動処理が同時に %d 件実行されました", max)
	}

	// 全ての要求が直列に処理されている
	if attempts := sup.startAttempts.Load(); attempts != 4 {
		t.Errorf("起動試行数が不正: %d", attempts)
	}
}

// TestStreamPath は配信パスの取得をテストする
func TestStreamPath(t *testing.T) {
	m, _ := newTestManager(t)

	// 停止中はパスを返さない
	if _, ok := m.StreamPath(0); ok {
		t.Error("停止中にもかかわらずパスが返されました")
	}

	if err := m.Switch(context.Background(), 0, testStreamConfig()); err != nil {
		t.Fatalf("切り替えに失敗しました: %v", err)
	}

	path, ok := m.StreamPath(0)
	if !ok {
		t.Fatal("配信中のカメラのパスが取得できません")
	}
	if path != "/stream/cam0/index.m3u8" {
		t.Errorf("パスが不正: %q", path)
	}

	// 非アクティブのカメラはパスを返さない
	if _, ok := m.StreamPath(1); ok {
		t.Error("非アクティブのカメラのパスが返されました")
	}
}

// TestNotifierReceivesSnapshots は状態変化の通知をテストする
func TestNotifierReceivesSnapshots(t *testing.T) {
	m, _ := newTestManager(t)

	var mu sync.Mutex
	var states []State
	m.SetNotifier(func(st Status) {
		mu.Lock()
		states = append(states, st.State)
		mu.Unlock()
	})

	if err := m.Switch(context.Background(), 0, testStreamConfig()); err != nil {
		t.Fatalf("切り替えに失敗しました: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()

	if len(states) == 0 {
		t.Fatal("通知が一度も呼ばれていません")
	}
	// 最初の通知は切り替え開始、最後の通知は配信中
	if states[0] != StateSwitching {
		t.Errorf("最初の通知がSwitchingではありません: %v", states[0])
	}
	if states[len(states)-1] != StateRunning {
		t.Errorf("最後の通知がRunningではありません: %v", states[len(states)-1])
	}
}
