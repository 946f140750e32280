// Package config はKirikaeサーバー全体の設定を提供する
package config

import (
	"fmt"
	"os"
	"time"
)

// Config はアプリケーション全体の設定を保持する構造体
type Config struct {
	Server     ServerConfig
	Camera     CameraConfig
	HLS        HLSConfig
	Pipeline   PipelineConfig
	Protection ProtectionConfig
	Monitor    MonitorConfig
}

// ServerConfig はHTTPサーバーの設定
type ServerConfig struct {
	Host string // リッスンするホスト
	Port int    // リッスンするポート番号

	// タイムアウト設定
	ReadTimeout  time.Duration // 読み込みタイムアウト
	WriteTimeout time.Duration // 書き込みタイムアウト（ストリーミング用に0で無効化）

	// WebSocket接続の上限
	MaxConnections int
}

// CameraConfig はカメラ関連のデフォルト設定
type CameraConfig struct {
	// 認識されるカメラID（0始まりの連番）
	SourceCount int

	// デフォルトのエンコード設定
	DefaultWidth     int    // 画像幅
	DefaultHeight    int    // 画像高さ
	DefaultFramerate int    // フレームレート (fps)
	DefaultQuality   int    // CRF値（低いほど高品質）
	DefaultPreset    string // x264エンコードプリセット

	// CRFの有効範囲
	QualityMin int
	QualityMax int
}

// HLSConfig はHLSセグメント出力の設定
type HLSConfig struct {
	StreamDir    string        // セグメント出力の基底ディレクトリ（tmpfs推奨）
	SegmentTime  int           // セグメント長（秒）
	PlaylistSize int           // プレイリストに保持するセグメント数
	SegmentCache time.Duration // セグメント配信時のキャッシュ期間
}

// PipelineConfig はキャプチャ・エンコードプロセスの監督設定
type PipelineConfig struct {
	SettleDelay  time.Duration // プロセス起動後の生存確認までの待ち時間
	ManifestWait time.Duration // マニフェスト生成を待つ上限
	EncodeStop   time.Duration // エンコードプロセスのSIGTERM待ち上限
	CaptureStop  time.Duration // キャプチャプロセスのSIGTERM待ち上限
}

// ProtectionConfig はシステム保護の閾値設定
type ProtectionConfig struct {
	CPUPercent     float64 // CPU使用率の閾値 (%)
	Temperature    float64 // CPU温度の閾値 (℃)
	MemoryPercent  float64 // メモリ使用率の閾値 (%)
	MaxConnections int     // 接続数の閾値
}

// MonitorConfig はバックグラウンド監視の設定
type MonitorConfig struct {
	Interval time.Duration // 保護チェックと定期配信の間隔
}

// ValidPresets はx264の有効なエンコードプリセット一覧
var ValidPresets = []string{
	"ultrafast", "superfast", "veryfast", "faster", "fast",
	"medium", "slow", "slower", "veryslow",
}

// Load は設定を読み込む
// 環境変数による上書きを除きデフォルト値を返す
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Host:           getEnvOrDefault("SERVER_HOST", "0.0.0.0"),
			Port:           getEnvAsIntOrDefault("PORT", defaultPort()),
			ReadTimeout:    10 * time.Second,
			WriteTimeout:   0, // ストリーミング用にタイムアウト無効化
			MaxConnections: getEnvAsIntOrDefault("MAX_CONNECTIONS", 12),
		},
		Camera: CameraConfig{
			SourceCount:      2,
			DefaultWidth:     640,
			DefaultHeight:    480,
			DefaultFramerate: 30,
			DefaultQuality:   26,
			DefaultPreset:    "ultrafast",
			QualityMin:       0,
			QualityMax:       51,
		},
		HLS: HLSConfig{
			StreamDir:    getEnvOrDefault("STREAM_DIR", "/tmp/stream"),
			SegmentTime:  2,
			PlaylistSize: 3,
			SegmentCache: 10 * time.Second,
		},
		Pipeline: PipelineConfig{
			SettleDelay:  2 * time.Second,
			ManifestWait: 8 * time.Second,
			EncodeStop:   3 * time.Second,
			CaptureStop:  2 * time.Second,
		},
		Protection: ProtectionConfig{
			CPUPercent:     80.0,
			Temperature:    70.0,
			MemoryPercent:  80.0,
			MaxConnections: getEnvAsIntOrDefault("MAX_CONNECTIONS", 12),
		},
		Monitor: MonitorConfig{
			Interval: 5 * time.Second,
		},
	}

	// 設定の検証
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("設定の検証に失敗: %w", err)
	}

	return cfg, nil
}

// Validate は設定の妥当性を検証する
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("無効なポート番号: %d", c.Server.Port)
	}
	if c.Server.MaxConnections < 1 {
		return fmt.Errorf("無効な最大接続数: %d", c.Server.MaxConnections)
	}
	if c.Camera.SourceCount < 1 {
		return fmt.Errorf("無効なカメラ数: %d", c.Camera.SourceCount)
	}
	if c.HLS.SegmentTime < 1 {
		return fmt.Errorf("無効なセグメント長: %d", c.HLS.SegmentTime)
	}
	if c.HLS.PlaylistSize < 1 {
		return fmt.Errorf("無効なプレイリストサイズ: %d", c.HLS.PlaylistSize)
	}
	if c.HLS.StreamDir == "" {
		return fmt.Errorf("ストリームディレクトリが設定されていません")
	}
	return nil
}

// ServerAddress はサーバーのリッスンアドレスを返す
func (c *Config) ServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// IsValidSource はカメラIDが認識される範囲内かを返す
func (c *Config) IsValidSource(id int) bool {
	return id >= 0 && id < c.Camera.SourceCount
}

// IsValidPreset はエンコードプリセットが有効かを返す
func IsValidPreset(preset string) bool {
	for _, p := range ValidPresets {
		if p == preset {
			return true
		}
	}
	return false
}

// defaultPort は実行権限に応じたデフォルトポートを返す
// root権限なら80番、それ以外は8000番を使用する
func defaultPort() int {
	if os.Geteuid() == 0 {
		return 80
	}
	return 8000
}

// getEnvOrDefault は環境変数を取得し、設定されていない場合はデフォルト値を返す
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsIntOrDefault は環境変数を整数として取得し、設定されていない場合はデフォルト値を返す
func getEnvAsIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		var intVal int
		if _, err := fmt.Sscanf(value, "%d", &intVal); err == nil {
			return intVal
		}
	}
	return defaultValue
}
