package pipeline

import (
	"fmt"
	"os/exec"
	"path/filepath"
	"strconv"
)

// StreamConfig は1回の配信に使うエンコード設定
// 境界（APIハンドラ）で検証済みの値だけが渡される
type StreamConfig struct {
	Width     int    // 画像幅
	Height    int    // 画像高さ
	Framerate int    // フレームレート (fps)
	Quality   int    // CRF値（低いほど高品質）
	Preset    string // x264エンコードプリセット
}

// Commands はカメラIDと設定からキャプチャ・エンコード両プロセスの
// コマンドを組み立てる関数。テストではダミーコマンドに差し替える
type Commands func(source int, cfg StreamConfig, dir string, segmentTime, playlistSize int) (capture, encode *exec.Cmd)

// DefaultCommands はrpicam-vidとffmpegによる実機向けのコマンドを組み立てる
//
// キャプチャはMJPEGを標準出力へ流し続け、エンコードはそれを読んで
// HLSセグメントとプレイリストを出力する。キーフレームはフレームレートに
// 揃えて強制し、セグメント境界を綺麗に切れるようにする
func DefaultCommands(source int, cfg StreamConfig, dir string, segmentTime, playlistSize int) (capture, encode *exec.Cmd) {
	capture = exec.Command(
		"rpicam-vid",
		"--camera", strconv.Itoa(source),
		"--width", strconv.Itoa(cfg.Width),
		"--height", strconv.Itoa(cfg.Height),
		"--framerate", strconv.Itoa(cfg.Framerate),
		"-t", "0",
		"-o", "-",
		"--codec", "mjpeg",
		"--flush",
	)

	encode = exec.Command(
		"ffmpeg",
		"-f", "mjpeg",
		"-i", "-",
		"-c:v", "libx264",
		"-preset", cfg.Preset,
		"-crf", strconv.Itoa(cfg.Quality),
		"-tune", "zerolatency",
		"-g", strconv.Itoa(cfg.Framerate),
		"-keyint_min", strconv.Itoa(cfg.Framerate),
		"-sc_threshold", "0", // キーフレーム強制
		"-f", "hls",
		"-hls_time", strconv.Itoa(segmentTime),
		"-hls_list_size", strconv.Itoa(playlistSize),
		"-hls_flags", "delete_segments+independent_segments",
		"-hls_segment_filename", filepath.Join(dir, "seg_%03d.ts"),
		filepath.Join(dir, "index.m3u8"),
	)

	return capture, encode
}

// streamDirName はカメラIDに対応するディレクトリ名を返す
func streamDirName(source int) string {
	return fmt.Sprintf("cam%d", source)
}
