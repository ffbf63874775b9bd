// Package cmd はtowncaptureコマンドの実装です
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	rootCmd    = &cobra.Command{
		Use:   "towncapture",
		Short: "TownCapture - 無人カメラキオスクの撮影・決済サーバー",
		Long: `TownCapture は街角のカメラを訪問者が1人ずつ占有し、ライブプレビューを見ながら
写真や短いクリップを撮影して、支払い後に回数と期限付きのリンクで
ダウンロードできるようにするサーバーです。`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", os.Getenv("TOWNCAPTURE_CONFIG"), "設定ファイルのパス (YAML)")
}

// Execute はルートコマンドを実行する
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}
