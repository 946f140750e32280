// Package hub は状態スナップショットの接続オブザーバへのファンアウトを提供する
package hub

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"kirikae/internal/metrics"
)

// ErrCapacityExceeded は接続数上限による登録拒否を表す
// 拒否された接続の後始末（クローズコードの送信等）は呼び出し側が行う
var ErrCapacityExceeded = errors.New("接続数が上限に達しています")

// Conn はオブザーバへの配信に必要な接続操作
// *websocket.Conn がこれを満たす
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// 送信バッファの容量
// 溢れたオブザーバは遅延消費者とみなして切断する
const sendBuffer = 16

// Observer は登録済みの1接続を表す
type Observer struct {
	ID   string
	conn Conn
	send chan []byte

	hub    *Hub
	mu     sync.Mutex
	closed bool
}

// Send はこのオブザーバにだけメッセージを送る
// バッファが溢れている場合は破棄してエラーを返す
func (o *Observer) Send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("メッセージの変換に失敗: %w", err)
	}

	if !o.trySend(data) {
		return fmt.Errorf("オブザーバ %s へ送信できません", o.ID)
	}
	return nil
}

// trySend は閉鎖済みチャンネルへの送信を避けつつメッセージを積む
func (o *Observer) trySend(data []byte) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return false
	}
	select {
	case o.send <- data:
		return true
	default:
		return false
	}
}

// writePump は送信チャンネルを接続へ流し込む
// 書き込みに失敗したらそのオブザーバだけを登録解除する
func (o *Observer) writePump() {
	for data := range o.send {
		if err := o.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			o.hub.Unregister(o)
			return
		}
	}
}

// close は送信チャンネルと接続を一度だけ閉じる
func (o *Observer) close() {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return
	}
	o.closed = true
	close(o.send)
	_ = o.conn.Close()
}

// Hub はオブザーバの登録簿と配信を管理する
//
// 配信は登録簿のスナップショットに対して行うため、配信中の
// 登録・解除と競合しない
type Hub struct {
	mu        sync.RWMutex
	observers map[string]*Observer
	max       int
}

// New は新しいHubを作成する
func New(maxConnections int) *Hub {
	return &Hub{
		observers: make(map[string]*Observer),
		max:       maxConnections,
	}
}

// Register は接続をオブザーバとして登録する
// 上限に達している場合はErrCapacityExceededを返し、登録簿は変化しない
func (h *Hub) Register(conn Conn) (*Observer, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.observers) >= h.max {
		return nil, ErrCapacityExceeded
	}

	o := &Observer{
		ID:   uuid.New().String(),
		conn: conn,
		send: make(chan []byte, sendBuffer),
		hub:  h,
	}
	h.observers[o.ID] = o
	go o.writePump()

	metrics.SetObservers(len(h.observers))
	log.Printf("オブザーバが接続しました (計 %d)", len(h.observers))
	return o, nil
}

// Unregister はオブザーバを登録解除する（冪等）
func (h *Hub) Unregister(o *Observer) {
	h.mu.Lock()
	_, exists := h.observers[o.ID]
	if exists {
		delete(h.observers, o.ID)
	}
	count := len(h.observers)
	h.mu.Unlock()

	o.close()

	if exists {
		metrics.SetObservers(count)
		log.Printf("オブザーバが切断されました (計 %d)", count)
	}
}

// Count は現在のオブザーバ数を返す
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.observers)
}

// Broadcast は全オブザーバへメッセージを配信する
//
// 配信の順序は保証されない。1つのオブザーバへの配信失敗は
// そのオブザーバの登録解除にとどまり、他への配信は継続する
func (h *Hub) Broadcast(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Printf("配信メッセージの変換に失敗: %v", err)
		return
	}

	// 配信中の登録変更と競合しないよう、登録簿をスナップショットする
	h.mu.RLock()
	targets := make([]*Observer, 0, len(h.observers))
	for _, o := range h.observers {
		targets = append(targets, o)
	}
	h.mu.RUnlock()

	var failed []*Observer
	for _, o := range targets {
		if !o.trySend(data) {
			failed = append(failed, o)
		}
	}

	// 送信できなかったオブザーバだけを登録解除する
	for _, o := range failed {
		log.Printf("オブザーバ %s への配信に失敗したため切断します", o.ID)
		h.Unregister(o)
	}
}
