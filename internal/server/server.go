package server

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"kirikae/internal/config"
	"kirikae/internal/hub"
	"kirikae/internal/pipeline"
	"kirikae/internal/sysmon"
	"kirikae/internal/toggle"
)

// Server はHTTPサーバーと配下のコンポーネント一式を管理する構造体
type Server struct {
	config     *config.Config
	engine     *gin.Engine
	httpServer *http.Server

	manager *toggle.Manager
	monitor *toggle.Monitor
	hub     *hub.Hub
	sampler sysmon.Sampler
}

// New は新しいServerインスタンスを作成し、コンポーネントを配線する
func New(cfg *config.Config) *Server {
	sampler := sysmon.New()
	supervisor := pipeline.New(cfg.HLS, cfg.Pipeline)
	manager := toggle.NewManager(cfg, supervisor)
	observers := hub.New(cfg.Server.MaxConnections)
	monitor := toggle.NewMonitor(cfg, manager, sampler, observers.Count)

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{
		config:  cfg,
		engine:  engine,
		manager: manager,
		monitor: monitor,
		hub:     observers,
		sampler: sampler,
		httpServer: &http.Server{
			Addr:         cfg.ServerAddress(),
			Handler:      engine,
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
		},
	}

	// 状態変化はその場で全オブザーバに通知する
	manager.SetNotifier(func(st toggle.Status) {
		observers.Broadcast(gin.H{
			"type":        "status_update",
			"toggle":      st,
			"connections": observers.Count(),
		})
	})

	// 定期チェックごとに最新の状態一式を配信する
	monitor.SetNotifier(func(snap sysmon.Snapshot) {
		observers.Broadcast(gin.H{
			"type":        "periodic_update",
			"toggle":      manager.Status(),
			"system":      snap,
			"connections": observers.Count(),
		})
	})

	s.setupRoutes()
	return s
}

// setupRoutes はHTTPルートを設定する
func (s *Server) setupRoutes() {
	s.engine.Use(corsMiddleware())

	// メインページとヘルスチェック
	s.engine.GET("/", s.handleIndex)
	s.engine.GET("/health", s.handleHealth)
	s.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// カメラ制御API
	api := s.engine.Group("/api")
	{
		api.POST("/camera/:id/switch", s.handleSwitch)
		api.POST("/camera/stop", s.handleStopAll)
		api.GET("/status", s.handleStatus)
		api.GET("/stream/:id/url", s.handleStreamURL)
	}

	// HLS配信とWebSocket
	s.engine.GET("/stream/:dir/:filename", s.handleStreamFile)
	s.engine.GET("/ws", s.handleWebSocket)
}

// corsMiddleware は全オリジンを許可するCORSヘッダを付ける
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST")
		c.Header("Access-Control-Allow-Headers", "Content-Type")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// Start はサーバーと監視ループを起動する
func (s *Server) Start(ctx context.Context) error {
	log.Printf("Kirikae サーバーを起動します: %s", s.config.ServerAddress())
	log.Printf("最大接続数: %d", s.config.Server.MaxConnections)
	log.Printf("ストリームディレクトリ: %s", s.config.HLS.StreamDir)
	if strings.HasPrefix(s.config.HLS.StreamDir, "/tmp") {
		log.Printf("tmpfsを使用するためI/O性能が最適化されます")
	}

	// バックグラウンド監視を開始
	s.monitor.Start(ctx)

	// シャットダウン用のチャンネル
	shutdownCh := make(chan error, 1)

	// サーバーを別ゴルーチンで起動
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			shutdownCh <- fmt.Errorf("サーバーの起動に失敗: %w", err)
		}
	}()

	// シグナルハンドリング
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// コンテキストかシグナルを待つ
	select {
	case <-ctx.Done():
		log.Println("コンテキストがキャンセルされました")
	case sig := <-sigCh:
		log.Printf("シグナルを受信しました: %v", sig)
	case err := <-shutdownCh:
		return err
	}

	// グレースフルシャットダウン
	return s.Shutdown()
}

// Shutdown はサーバーをグレースフルにシャットダウンする
// 動作中のカメラは全て停止してから終了する
func (s *Server) Shutdown() error {
	log.Println("サーバーをシャットダウンしています...")

	s.monitor.Stop()

	if err := s.manager.StopAll(context.Background()); err != nil {
		log.Printf("シャットダウン時のカメラ停止に失敗: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("サーバーのシャットダウンに失敗: %w", err)
	}

	log.Println("サーバーが正常にシャットダウンされました")
	return nil
}
