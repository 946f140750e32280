// Package pipeline はキャプチャ・エンコードの2プロセスパイプラインを監督する
//
// キャプチャとエンコードを別プロセスに分離することで、エンコーダの
// クラッシュがキャプチャ段に波及せず、段ごとに異なる停止タイムアウトを
// 適用できる
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"kirikae/internal/config"
)

// Supervisor は排他的に1組のプロセスペアを管理するインターフェース
type Supervisor interface {
	// Start は指定カメラのパイプラインを起動する
	// 失敗時は起動済みプロセスを必ず回収してから返る
	// progressには起動の各段階で進捗率(0-100)が通知される（nil可）
	Start(ctx context.Context, source int, cfg StreamConfig, progress func(int)) error

	// Stop は段階的にパイプラインを停止し、出力物を削除する
	// 停止対象が無ければ何もせず成功する
	Stop() error

	// Running はプロセスペアを保持しているかを返す
	Running() bool

	// StreamDir はカメラIDに対応する出力ディレクトリを返す
	StreamDir(source int) string

	// ManifestPath はカメラIDに対応するマニフェストのパスを返す
	ManifestPath(source int) string
}

// process は監視ゴルーチン付きの子プロセス
type process struct {
	name string
	cmd  *exec.Cmd
	done chan struct{} // Waitの完了時にクローズされる
	err  error         // Waitの結果（doneクローズ後に有効）
}

// launch はプロセスを起動し、終了を監視するゴルーチンを開始する
func launch(cmd *exec.Cmd, name string) (*process, error) {
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%s の起動に失敗: %w", name, err)
	}

	p := &process{name: name, cmd: cmd, done: make(chan struct{})}
	go func() {
		p.err = cmd.Wait()
		close(p.done)
	}()
	return p, nil
}

// exited はプロセスが既に終了しているかを返す
func (p *process) exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// exitCode は終了コードを返す（終了前は-1）
func (p *process) exitCode() int {
	if !p.exited() || p.cmd.ProcessState == nil {
		return -1
	}
	return p.cmd.ProcessState.ExitCode()
}

// terminate はSIGTERMで停止を促し、待ち時間を超えたら強制終了する
func (p *process) terminate(timeout time.Duration) error {
	if p.exited() {
		return nil
	}

	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		// シグナル送信に失敗しても強制終了は試みる
		log.Printf("%s へのSIGTERM送信に失敗: %v", p.name, err)
	}

	select {
	case <-p.done:
		return nil
	case <-time.After(timeout):
	}

	// SIGTERM待ちの間に自力で終了していた場合、Killはos.ErrProcessDoneを返す
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("%s の強制終了に失敗: %w", p.name, err)
	}

	select {
	case <-p.done:
		return nil
	case <-time.After(time.Second):
		return fmt.Errorf("%s が強制終了後も回収できません", p.name)
	}
}

// handlePair は現在アクティブなプロセスペア
// Supervisorだけが所有し、切り替えをまたいで共有されることはない
type handlePair struct {
	capture *process
	encode  *process
	source  int
}

// defaultSupervisor はSupervisorのデフォルト実装
type defaultSupervisor struct {
	hls      config.HLSConfig
	timing   config.PipelineConfig
	commands Commands

	mu   sync.Mutex
	pair *handlePair
}

// マニフェスト生成のポーリング間隔
const manifestPollInterval = 200 * time.Millisecond

// New は実機向けコマンドを使う新しいSupervisorを作成する
func New(hls config.HLSConfig, timing config.PipelineConfig) Supervisor {
	return NewWithCommands(hls, timing, DefaultCommands)
}

// NewWithCommands はコマンド組み立てを差し替え可能なSupervisorを作成する
func NewWithCommands(hls config.HLSConfig, timing config.PipelineConfig, commands Commands) Supervisor {
	return &defaultSupervisor{
		hls:      hls,
		timing:   timing,
		commands: commands,
	}
}

// StreamDir はカメラIDに対応する出力ディレクトリを返す
func (s *defaultSupervisor) StreamDir(source int) string {
	return filepath.Join(s.hls.StreamDir, streamDirName(source))
}

// ManifestPath はカメラIDに対応するマニフェストのパスを返す
func (s *defaultSupervisor) ManifestPath(source int) string {
	return filepath.Join(s.StreamDir(source), "index.m3u8")
}

// Running はプロセスペアを保持しているかを返す
func (s *defaultSupervisor) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pair != nil
}

// Start は指定カメラのパイプラインを起動する
func (s *defaultSupervisor) Start(ctx context.Context, source int, cfg StreamConfig, progress func(int)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if progress == nil {
		progress = func(int) {}
	}

	if s.pair != nil {
		return fmt.Errorf("パイプラインが既に動作中です (カメラ %d)", s.pair.source)
	}

	// 1. 出力ディレクトリを準備し、残存物を削除
	dir := s.StreamDir(source)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("出力ディレクトリの作成に失敗: %w", err)
	}
	purgeDir(dir)
	progress(60)

	captureCmd, encodeCmd := s.commands(source, cfg, dir, s.hls.SegmentTime, s.hls.PlaylistSize)

	// キャプチャ→エンコードの中間パイプ
	reader, writer, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("中間パイプの作成に失敗: %w", err)
	}
	captureCmd.Stdout = writer
	encodeCmd.Stdin = reader

	// 2. キャプチャプロセスを起動
	progress(70)
	log.Printf("キャプチャプロセスを起動: カメラ %d (%dx%d@%dfps)",
		source, cfg.Width, cfg.Height, cfg.Framerate)
	capture, err := launch(captureCmd, "capture")
	if err != nil {
		writer.Close()
		reader.Close()
		return err
	}

	// 3. エンコードプロセスを起動
	progress(80)
	log.Printf("エンコードプロセスを起動: preset=%s crf=%d", cfg.Preset, cfg.Quality)
	encode, err := launch(encodeCmd, "encode")
	if err != nil {
		writer.Close()
		reader.Close()
		_ = capture.terminate(s.timing.CaptureStop)
		purgeDir(dir)
		return err
	}

	// 4. 両プロセスが繋がったので親のパイプ端を閉じる
	writer.Close()
	reader.Close()

	pair := &handlePair{capture: capture, encode: encode, source: source}
	s.pair = pair
	progress(90)

	// 5. 短い待ちの後、どちらかが早期終了していないか確認
	select {
	case <-ctx.Done():
		s.cleanupLocked()
		return ctx.Err()
	case <-time.After(s.timing.SettleDelay):
	}

	if capture.exited() {
		code := capture.exitCode()
		s.cleanupLocked()
		return fmt.Errorf("キャプチャプロセスが早期終了しました (exit code %d)", code)
	}
	if encode.exited() {
		code := encode.exitCode()
		s.cleanupLocked()
		return fmt.Errorf("エンコードプロセスが早期終了しました (exit code %d)", code)
	}

	// 6. マニフェストの生成を待つ
	if err := s.waitForManifest(ctx, source); err != nil {
		s.cleanupLocked()
		return err
	}

	log.Printf("カメラ %d のパイプラインが起動しました", source)
	return nil
}

// waitForManifest はマニフェストファイルの出現を上限付きで待つ
func (s *defaultSupervisor) waitForManifest(ctx context.Context, source int) error {
	manifest := s.ManifestPath(source)
	deadline := time.Now().Add(s.timing.ManifestWait)

	for {
		if _, err := os.Stat(manifest); err == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("マニフェストが生成されませんでした: %s", manifest)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(manifestPollInterval):
		}
	}
}

// Stop は段階的にパイプラインを停止する
//
// 下流のエンコードプロセスから先に止めてフラッシュさせ、その後に
// キャプチャプロセスを止める。個別の失敗に関わらずハンドルは必ず
// クリアされ、次の起動を妨げない
func (s *defaultSupervisor) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pair == nil {
		return nil
	}

	pair := s.pair
	var stopErrs []error

	if err := pair.encode.terminate(s.timing.EncodeStop); err != nil {
		stopErrs = append(stopErrs, err)
	}
	if err := pair.capture.terminate(s.timing.CaptureStop); err != nil {
		stopErrs = append(stopErrs, err)
	}

	// 失敗してもハンドルは無条件にクリアする
	s.pair = nil
	purgeDir(s.StreamDir(pair.source))

	if len(stopErrs) > 0 {
		return fmt.Errorf("パイプラインの停止が不完全です: %v", stopErrs)
	}

	log.Printf("カメラ %d のパイプラインを停止しました", pair.source)
	return nil
}

// cleanupLocked は起動失敗時に残ったプロセスを回収する（ロック済み前提）
func (s *defaultSupervisor) cleanupLocked() {
	if s.pair == nil {
		return
	}

	pair := s.pair
	if err := pair.encode.terminate(s.timing.EncodeStop); err != nil {
		log.Printf("起動失敗後のエンコードプロセス回収に失敗: %v", err)
	}
	if err := pair.capture.terminate(s.timing.CaptureStop); err != nil {
		log.Printf("起動失敗後のキャプチャプロセス回収に失敗: %v", err)
	}

	s.pair = nil
	purgeDir(s.StreamDir(pair.source))
}

// purgeDir はディレクトリ内のセグメント・マニフェスト類を全て削除する
func purgeDir(dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if err := os.Remove(filepath.Join(dir, entry.Name())); err != nil {
			log.Printf("出力物の削除に失敗: %v", err)
		}
	}
}
