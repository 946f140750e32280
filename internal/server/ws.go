package server

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"kirikae/internal/hub"
)

// upgrader はWebSocketへのプロトコル昇格設定
// CORSと同様に全オリジンを許可する
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsRequest はオブザーバから届く要求メッセージ
type wsRequest struct {
	Type string `json:"type"`
}

// handleWebSocket はWebSocketエンドポイントの実装
//
// 接続数が上限に達している場合はポリシー違反コード(1008)で閉じる。
// 登録後は要求に応じた状態返信と、Hub経由の配信を受け取る
func (s *Server) handleWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("WebSocketへの昇格に失敗: %v", err)
		return
	}

	observer, err := s.hub.Register(conn)
	if err != nil {
		if errors.Is(err, hub.ErrCapacityExceeded) {
			message := websocket.FormatCloseMessage(
				websocket.ClosePolicyViolation, "Maximum connections exceeded")
			_ = conn.WriteMessage(websocket.CloseMessage, message)
		}
		_ = conn.Close()
		return
	}

	// 受信ループ: 切断かエラーまで要求を処理し続ける
	defer s.hub.Unregister(observer)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var req wsRequest
		if err := json.Unmarshal(data, &req); err != nil {
			continue
		}

		if req.Type == "get_status" {
			err := observer.Send(gin.H{
				"type":        "status_update",
				"toggle":      s.manager.Status(),
				"system":      s.sampler.Sample(c.Request.Context()),
				"connections": s.hub.Count(),
			})
			if err != nil {
				log.Printf("状態返信に失敗: %v", err)
			}
		}
	}
}
