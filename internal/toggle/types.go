// Package toggle は排他的なカメラ切り替えを統括する状態機械を提供する
//
// 同時に配信できるカメラは常に1台だけである。切り替えと停止は単一の
// ロックで直列化され、状態のスナップショットはロックを取らずに読める
package toggle

import (
	"errors"
	"time"
)

// State はカメラ切り替えの状態を表す
type State string

const (
	StateStopped   State = "stopped"   // 停止中
	StateStarting  State = "starting"  // 起動処理中
	StateRunning   State = "running"   // 配信中
	StateStopping  State = "stopping"  // 停止処理中
	StateSwitching State = "switching" // 切り替え処理中
	StateError     State = "error"     // エラー発生（次のコマンドで再試行可能）
)

// Status はある時点の切り替え状態のスナップショット
// 生成後は不変であり、そのまま共有してよい
type Status struct {
	ActiveSource   *int       `json:"active_camera"`
	State          State      `json:"camera_state"`
	Progress       int        `json:"switch_progress"`
	Message        string     `json:"switch_message"`
	LastSwitchTime *time.Time `json:"last_switch_time"`
	Protected      bool       `json:"system_protected"`
}

// 切り替え要求の拒否理由
var (
	// ErrInvalidSource は認識されないカメラIDを表す
	ErrInvalidSource = errors.New("無効なカメラIDです")

	// ErrProtected はシステム保護中の切り替え要求を表す
	ErrProtected = errors.New("システム保護のため切り替えできません")
)
