// Package server は、キオスク端末と決済完了画面向けのHTTPサーバーを管理します。
//
// 責務:
//   - HTTPサーバーの起動とグレースフルシャットダウン
//   - 撮影セッションAPIのルーティングとエラー分類のステータス変換
//   - HLSプレイリストとセグメントの配信
//   - セッション状態のWebSocket配信
//   - 決済イベントの受け付け
//   - ダウンロードページ（確認値のCookie発行とPOSTでの転送）
//
// 仕様:
//   - ルーティングはgin、WebSocketはgorilla/websocketを使用
//   - セッション作成はクライアントIPごとに流量を制限
//   - セッション操作は X-Session-Secret ヘッダーで認証
package server
