package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"kirikae/internal/config"
	"kirikae/internal/pipeline"
	"kirikae/internal/toggle"
)

// SwitchRequest はカメラ切り替えAPIのリクエストボディ
// 省略されたフィールドにはデフォルト設定が使われる
type SwitchRequest struct {
	Width     int    `json:"width"`
	Height    int    `json:"height"`
	Framerate int    `json:"framerate"`
	Quality   *int   `json:"quality"`
	Preset    string `json:"preset"`
}

// parseSourceID はパスパラメータのカメラIDを検証付きで取り出す
func (s *Server) parseSourceID(c *gin.Context) (int, bool) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil || !s.config.IsValidSource(id) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_camera",
			"message": "無効なカメラIDです",
		})
		return 0, false
	}
	return id, true
}

// buildStreamConfig はリクエストとデフォルト設定からエンコード設定を組み立てる
func (s *Server) buildStreamConfig(req SwitchRequest) (pipeline.StreamConfig, error) {
	cam := s.config.Camera

	cfg := pipeline.StreamConfig{
		Width:     cam.DefaultWidth,
		Height:    cam.DefaultHeight,
		Framerate: cam.DefaultFramerate,
		Quality:   cam.DefaultQuality,
		Preset:    cam.DefaultPreset,
	}

	if req.Width != 0 {
		cfg.Width = req.Width
	}
	if req.Height != 0 {
		cfg.Height = req.Height
	}
	if req.Framerate != 0 {
		cfg.Framerate = req.Framerate
	}
	if req.Quality != nil {
		cfg.Quality = *req.Quality
	}
	if req.Preset != "" {
		cfg.Preset = req.Preset
	}

	// 境界での検証: ここを通った設定だけがコアに渡る
	if cfg.Width < 1 || cfg.Height < 1 {
		return cfg, fmt.Errorf("無効な解像度: %dx%d", cfg.Width, cfg.Height)
	}
	if cfg.Framerate < 1 {
		return cfg, fmt.Errorf("無効なフレームレート: %d", cfg.Framerate)
	}
	if cfg.Quality < cam.QualityMin || cfg.Quality > cam.QualityMax {
		return cfg, fmt.Errorf("無効なCRF値: %d (範囲 %d-%d)", cfg.Quality, cam.QualityMin, cam.QualityMax)
	}
	if !config.IsValidPreset(cfg.Preset) {
		return cfg, fmt.Errorf("無効なプリセット: %s", cfg.Preset)
	}

	return cfg, nil
}

// handleSwitch はカメラ切り替えエンドポイントの実装
func (s *Server) handleSwitch(c *gin.Context) {
	id, ok := s.parseSourceID(c)
	if !ok {
		return
	}

	var req SwitchRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "リクエストボディの解析に失敗しました",
			})
			return
		}
	}

	streamCfg, err := s.buildStreamConfig(req)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_config",
			"message": err.Error(),
		})
		return
	}

	// 切り替えは開始したら完走させる
	// クライアントが切断してもリクエストコンテキストの中断を伝播させない
	ctx := context.WithoutCancel(c.Request.Context())

	if err := s.manager.Switch(ctx, id, streamCfg); err != nil {
		if errors.Is(err, toggle.ErrProtected) {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"error":   "system_protected",
				"message": "高負荷のためシステム保護中です",
			})
			return
		}

		// 失敗メッセージはスナップショットに保持されている
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "switch_failed",
			"message": s.manager.Status().Message,
		})
		return
	}

	s.hub.Broadcast(gin.H{
		"type":      "camera_switched",
		"camera_id": id,
		"status":    s.manager.Status(),
	})

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": fmt.Sprintf("カメラ %d に切り替えました", id),
	})
}

// handleStopAll は全カメラ停止エンドポイントの実装
func (s *Server) handleStopAll(c *gin.Context) {
	if err := s.manager.StopAll(context.WithoutCancel(c.Request.Context())); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "stop_failed",
			"message": s.manager.Status().Message,
		})
		return
	}

	s.hub.Broadcast(gin.H{
		"type":   "all_cameras_stopped",
		"status": s.manager.Status(),
	})

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": "全カメラを停止しました",
	})
}

// handleStatus は全体状態取得エンドポイントの実装
func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"toggle":      s.manager.Status(),
		"system":      s.sampler.Sample(c.Request.Context()),
		"connections": s.hub.Count(),
	})
}

// handleStreamURL は配信URL取得エンドポイントの実装
func (s *Server) handleStreamURL(c *gin.Context) {
	id, ok := s.parseSourceID(c)
	if !ok {
		return
	}

	url, active := s.manager.StreamPath(id)
	if !active {
		c.JSON(http.StatusOK, gin.H{"url": nil, "active": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"url": url, "active": true})
}

// handleStreamFile はHLSマニフェストとセグメントの配信の実装
//
// マニフェストはプレイヤーが常に最新を取るようキャッシュを禁止し、
// セグメントは不変なので短時間のキャッシュを許可する
func (s *Server) handleStreamFile(c *gin.Context) {
	// パスは /stream/cam0/index.m3u8 の形式
	dir := c.Param("dir")
	id, err := strconv.Atoi(strings.TrimPrefix(dir, "cam"))
	if !strings.HasPrefix(dir, "cam") || err != nil || !s.config.IsValidSource(id) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_camera",
			"message": "無効なカメラIDです",
		})
		return
	}

	filename := c.Param("filename")
	if filename != filepath.Base(filename) || filename == "." {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_filename",
			"message": "無効なファイル名です",
		})
		return
	}

	isManifest := strings.HasSuffix(filename, ".m3u8")
	if !isManifest && !strings.HasSuffix(filename, ".ts") {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "ファイルが見つかりません",
		})
		return
	}

	path := filepath.Join(s.config.HLS.StreamDir, dir, filename)
	if _, err := os.Stat(path); err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "ファイルが見つかりません",
		})
		return
	}

	if isManifest {
		c.Header("Content-Type", "application/vnd.apple.mpegurl")
		c.Header("Cache-Control", "no-cache, no-store, must-revalidate")
		c.Header("Pragma", "no-cache")
		c.Header("Expires", "0")
	} else {
		c.Header("Content-Type", "video/mp2t")
		c.Header("Cache-Control", fmt.Sprintf("max-age=%d", int(s.config.HLS.SegmentCache.Seconds())))
	}

	c.File(path)
}

// handleHealth はヘルスチェックエンドポイントの実装
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

// handleIndex は埋め込みメインページの配信の実装
func (s *Server) handleIndex(c *gin.Context) {
	c.Data(http.StatusOK, "text/html; charset=utf-8", indexHTML())
}
