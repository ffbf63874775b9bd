// Package camera キオスクとして登録されたカメラの一覧と死活状態を管理する
//
// # 責務
// - 設定ファイルに記載されたカメラの保持
// - 取り込みソース（RTSPなど）への定期的な到達確認
// - 受付可否（active / offline / inactive）の判定
//
// # 仕様
// - カメラの追加・削除は管理画面側の責務で、このパッケージは読み取り専用
// - 契約停止中のカメラは到達確認の結果に関わらず inactive
// - Thread-safe な操作をサポート
//
// # 前提要件
//   - ffprobe: ソースの到達確認に使用（ffmpegに同梱）
package camera
