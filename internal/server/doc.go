// Package server は、HTTPサーバーとWebSocket通信を管理します。
//
// このパッケージは、カメラ切り替えAPI、HLSファイルの配信、
// WebSocketによる状態通知、埋め込みWebページの配信を担当します。
//
// 責務:
//   - HTTPサーバーの起動とグレースフルシャットダウン
//   - カメラ切り替え・停止・状態取得APIの提供
//   - HLSマニフェストとセグメントの配信
//   - WebSocket接続の確立とオブザーバ管理
//   - 埋め込みWebページとメトリクスの配信
//
// 仕様:
//   - ルーティングはgin-gonic/ginを使用
//   - WebSocketはgorilla/websocketを使用
//   - シャットダウン時は動作中のカメラを全て停止する
package server
