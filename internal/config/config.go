package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/adhocore/gronx"
	"gopkg.in/yaml.v3"
)

// Config はアプリケーション全体の設定を保持する構造体
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Camera   CameraConfig   `yaml:"camera"`
	Lock     LockConfig     `yaml:"lock"`
	Stream   StreamConfig   `yaml:"stream"`
	Capture  CaptureConfig  `yaml:"capture"`
	Cleanup  CleanupConfig  `yaml:"cleanup"`
	Payment  PaymentConfig  `yaml:"payment"`
	Download DownloadConfig `yaml:"download"`
	Storage  StorageConfig  `yaml:"storage"`
	Database DatabaseConfig `yaml:"database"`
	Mail     MailConfig     `yaml:"mail"`
	Log      LogConfig      `yaml:"log"`
}

// ServerConfig はHTTPサーバーの設定
type ServerConfig struct {
	Host string `yaml:"host"` // リッスンするホスト
	Port int    `yaml:"port"` // リッスンするポート番号

	// タイムアウト設定
	ReadTimeout  time.Duration `yaml:"read_timeout"`  // 読み込みタイムアウト
	WriteTimeout time.Duration `yaml:"write_timeout"` // 書き込みタイムアウト

	PublicBaseURL   string `yaml:"public_base_url"`   // ダウンロードリンクに使う外部URL
	FrontendBaseURL string `yaml:"frontend_base_url"` // 決済後の戻り先

	// セッション作成のレート制限（IPごと）
	ClaimRatePerMinute int `yaml:"claim_rate_per_minute"`
	ClaimBurst         int `yaml:"claim_burst"`
}

// CameraConfig はカメラ一覧の設定
type CameraConfig struct {
	Devices []CameraDevice `yaml:"devices"`

	// ソースの死活監視
	ProbeInterval time.Duration `yaml:"probe_interval"`
	ProbeTimeout  time.Duration `yaml:"probe_timeout"`
}

// CameraDevice は個別カメラの設定
type CameraDevice struct {
	ID        string `yaml:"id"`         // カメラID
	Name      string `yaml:"name"`       // カメラ名
	TenantID  string `yaml:"tenant_id"`  // 所有テナント
	SourceURL string `yaml:"source_url"` // 取り込みURL (例: rtsp://...)

	// 契約停止中のカメラは受付しない
	Inactive bool `yaml:"inactive"`
}

// LockConfig はカメラ占有ロックの設定
type LockConfig struct {
	TTL           time.Duration `yaml:"ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// StreamConfig はライブプレビューの設定
type StreamConfig struct {
	FFmpegPath   string        `yaml:"ffmpeg_path"`
	OutputDir    string        `yaml:"output_dir"`    // HLSの出力先
	LiveTimeout  time.Duration `yaml:"live_timeout"`  // ライブ状態の上限時間
	StopGrace    time.Duration `yaml:"stop_grace"`    // 正常終了を待つ時間
	KillWait     time.Duration `yaml:"kill_wait"`     // 強制終了後に待つ時間
	RestartDelay time.Duration `yaml:"restart_delay"` // 再起動時の停止後待ち
	LogoWidth    int           `yaml:"logo_width"`
	LogoPadding  int           `yaml:"logo_padding"`
}

// CaptureConfig は撮影と合成の設定
type CaptureConfig struct {
	WorkDir         string        `yaml:"work_dir"`
	Timeout         time.Duration `yaml:"timeout"`
	PreviewMaxWidth int           `yaml:"preview_max_width"`
	PreviewText     string        `yaml:"preview_text"`
	Retention       time.Duration `yaml:"retention"` // 未払い成果物の保持期間
	OverlayCacheDir string        `yaml:"overlay_cache_dir"`
	OverlayCacheMax int           `yaml:"overlay_cache_max"`
}

// CleanupConfig は期限切れ成果物の掃除設定
type CleanupConfig struct {
	Schedule string `yaml:"schedule"` // cron式
}

// PaymentConfig は決済の設定
type PaymentConfig struct {
	StripeSecretKey     string   `yaml:"stripe_secret_key"`
	StripeWebhookSecret string   `yaml:"stripe_webhook_secret"`
	Currency            string   `yaml:"currency"`
	PaymentMethods      []string `yaml:"payment_methods"`

	DefaultPricing PricingConfig `yaml:"default_pricing"`
}

// PricingConfig はテナント設定が無い場合の料金
type PricingConfig struct {
	FreeMode       bool `yaml:"free_mode"`
	PhotoPrice     int  `yaml:"photo_price"`
	ShortClipPrice int  `yaml:"short_clip_price"`
	LongClipPrice  int  `yaml:"long_clip_price"`
}

// DownloadConfig はダウンロード権の設定
type DownloadConfig struct {
	Secret         string        `yaml:"secret"` // 確認値の署名鍵
	GrantTTL       time.Duration `yaml:"grant_ttl"`
	MaxUses        int           `yaml:"max_uses"`
	SignedURLTTL   time.Duration `yaml:"signed_url_ttl"`
	PreviewURLTTL  time.Duration `yaml:"preview_url_ttl"`
	FilenamePrefix string        `yaml:"filename_prefix"`
}

// StorageConfig はオブジェクトストレージの設定
type StorageConfig struct {
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	UsePathStyle    bool   `yaml:"use_path_style"`
}

// DatabaseConfig はレコードストアの設定
type DatabaseConfig struct {
	URL string `yaml:"url"` // 空ならメモリストア
}

// MailConfig はメール通知の設定
type MailConfig struct {
	Host     string `yaml:"host"` // 空なら送信しない
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	From     string `yaml:"from"`
}

// LogConfig はログ出力の設定
type LogConfig struct {
	Format string `yaml:"format"` // text または json
	Level  string `yaml:"level"`
}

// Default はデフォルト設定を返す
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:               "0.0.0.0",
			Port:               8080,
			ReadTimeout:        10 * time.Second,
			WriteTimeout:       0, // WebSocket用にタイムアウト無効化
			PublicBaseURL:      "http://localhost:8080",
			FrontendBaseURL:    "http://localhost:5173",
			ClaimRatePerMinute: 20,
			ClaimBurst:         5,
		},
		Camera: CameraConfig{
			Devices:       []CameraDevice{},
			ProbeInterval: 30 * time.Second,
			ProbeTimeout:  5 * time.Second,
		},
		Lock: LockConfig{
			TTL:           5 * time.Minute,
			SweepInterval: 10 * time.Second,
		},
		Stream: StreamConfig{
			FFmpegPath:   "ffmpeg",
			OutputDir:    "data/hls",
			LiveTimeout:  60 * time.Second,
			StopGrace:    time.Second,
			KillWait:     2 * time.Second,
			RestartDelay: 300 * time.Millisecond,
			LogoWidth:    260,
			LogoPadding:  30,
		},
		Capture: CaptureConfig{
			WorkDir:         "data/work",
			Timeout:         2 * time.Minute,
			PreviewMaxWidth: 900,
			PreviewText:     "PREVIEW - NOT PAID",
			Retention:       time.Hour,
			OverlayCacheDir: "data/overlays",
			OverlayCacheMax: 64,
		},
		Cleanup: CleanupConfig{
			Schedule: "*/2 * * * *",
		},
		Payment: PaymentConfig{
			Currency:       "jpy",
			PaymentMethods: []string{"card", "paypay"},
			DefaultPricing: PricingConfig{
				FreeMode:       false,
				PhotoPrice:     100,
				ShortClipPrice: 300,
				LongClipPrice:  500,
			},
		},
		Download: DownloadConfig{
			GrantTTL:       time.Hour,
			MaxUses:        3,
			SignedURLTTL:   5 * time.Minute,
			PreviewURLTTL:  time.Hour,
			FilenamePrefix: "TownCapture",
		},
		Storage: StorageConfig{
			Region: "ap-northeast-1",
		},
		Mail: MailConfig{
			Port: 587,
		},
		Log: LogConfig{
			Format: "text",
			Level:  "info",
		},
	}
}

// Load は設定を読み込む
// デフォルト値、YAMLファイル（path指定時）、環境変数の順に上書きする
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("設定ファイルの読み込みに失敗: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("設定ファイルの解析に失敗: %w", err)
		}
	}

	applyEnv(cfg)

	// 署名鍵が無ければ起動ごとに生成する
	if cfg.Download.Secret == "" {
		secret, err := randomHex(32)
		if err != nil {
			return nil, fmt.Errorf("署名鍵の生成に失敗: %w", err)
		}
		cfg.Download.Secret = secret
	}

	// 設定の検証
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("設定の検証に失敗: %w", err)
	}

	return cfg, nil
}

// applyEnv は環境変数で設定を上書きする
func applyEnv(cfg *Config) {
	cfg.Server.Host = getEnvOrDefault("SERVER_HOST", cfg.Server.Host)
	cfg.Server.Port = getEnvAsIntOrDefault("PORT", cfg.Server.Port)
	cfg.Server.PublicBaseURL = getEnvOrDefault("PUBLIC_BASE_URL", cfg.Server.PublicBaseURL)
	cfg.Server.FrontendBaseURL = getEnvOrDefault("FRONTEND_BASE_URL", cfg.Server.FrontendBaseURL)

	cfg.Stream.FFmpegPath = getEnvOrDefault("FFMPEG_PATH", cfg.Stream.FFmpegPath)

	cfg.Database.URL = getEnvOrDefault("DATABASE_URL", cfg.Database.URL)

	cfg.Storage.Bucket = getEnvOrDefault("S3_BUCKET", cfg.Storage.Bucket)
	cfg.Storage.Region = getEnvOrDefault("S3_REGION", cfg.Storage.Region)
	cfg.Storage.Endpoint = getEnvOrDefault("S3_ENDPOINT", cfg.Storage.Endpoint)
	cfg.Storage.AccessKeyID = getEnvOrDefault("S3_ACCESS_KEY_ID", cfg.Storage.AccessKeyID)
	cfg.Storage.SecretAccessKey = getEnvOrDefault("S3_SECRET_ACCESS_KEY", cfg.Storage.SecretAccessKey)

	cfg.Payment.StripeSecretKey = getEnvOrDefault("STRIPE_SECRET_KEY", cfg.Payment.StripeSecretKey)
	cfg.Payment.StripeWebhookSecret = getEnvOrDefault("STRIPE_WEBHOOK_SECRET", cfg.Payment.StripeWebhookSecret)

	cfg.Download.Secret = getEnvOrDefault("DOWNLOAD_SECRET", cfg.Download.Secret)

	cfg.Mail.Host = getEnvOrDefault("SMTP_HOST", cfg.Mail.Host)
	cfg.Mail.Port = getEnvAsIntOrDefault("SMTP_PORT", cfg.Mail.Port)
	cfg.Mail.Username = getEnvOrDefault("SMTP_USER", cfg.Mail.Username)
	cfg.Mail.Password = getEnvOrDefault("SMTP_PASS", cfg.Mail.Password)
	cfg.Mail.From = getEnvOrDefault("MAIL_FROM", cfg.Mail.From)

	cfg.Log.Format = getEnvOrDefault("LOG_FORMAT", cfg.Log.Format)
	cfg.Log.Level = getEnvOrDefault("LOG_LEVEL", cfg.Log.Level)
}

// Validate は設定の妥当性を検証する
func (c *Config) Validate() error {
	// サーバー設定の検証
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("無効なポート番号: %d", c.Server.Port)
	}

	// カメラ設定の検証
	seen := make(map[string]bool, len(c.Camera.Devices))
	for i, d := range c.Camera.Devices {
		if d.ID == "" {
			return fmt.Errorf("カメラ%dのIDが空です", i)
		}
		if seen[d.ID] {
			return fmt.Errorf("カメラIDが重複しています: %s", d.ID)
		}
		seen[d.ID] = true
		if d.TenantID == "" {
			return fmt.Errorf("カメラ %s のテナントが未設定です", d.ID)
		}
		if d.SourceURL == "" {
			return fmt.Errorf("カメラ %s のソースURLが未設定です", d.ID)
		}
	}

	if c.Lock.TTL <= 0 {
		return fmt.Errorf("ロックTTLは正の値が必要です: %s", c.Lock.TTL)
	}
	if c.Stream.LiveTimeout <= 0 {
		return fmt.Errorf("ライブタイムアウトは正の値が必要です: %s", c.Stream.LiveTimeout)
	}
	// ロックはライブと撮影の最長時間より長く保持されなければならない
	if c.Lock.TTL <= c.Stream.LiveTimeout+c.Capture.Timeout {
		return fmt.Errorf("ロックTTL %s はライブ上限 %s と撮影タイムアウト %s の合計より長くする必要があります",
			c.Lock.TTL, c.Stream.LiveTimeout, c.Capture.Timeout)
	}
	if c.Stream.StopGrace <= 0 || c.Stream.KillWait <= 0 {
		return fmt.Errorf("ストリーム停止の待ち時間は正の値が必要です")
	}

	if !gronx.New().IsValid(c.Cleanup.Schedule) {
		return fmt.Errorf("無効なcron式: %q", c.Cleanup.Schedule)
	}

	p := c.Payment.DefaultPricing
	if p.PhotoPrice < 0 || p.ShortClipPrice < 0 || p.LongClipPrice < 0 {
		return fmt.Errorf("料金に負の値は指定できません")
	}
	if c.Payment.StripeSecretKey != "" && c.Payment.StripeWebhookSecret == "" {
		return fmt.Errorf("STRIPE_WEBHOOK_SECRET が未設定です")
	}

	if c.Download.MaxUses < 1 {
		return fmt.Errorf("ダウンロード回数上限は1以上が必要です: %d", c.Download.MaxUses)
	}
	if c.Download.GrantTTL <= 0 || c.Download.SignedURLTTL <= 0 {
		return fmt.Errorf("ダウンロード期限は正の値が必要です")
	}

	if c.Mail.Host != "" && c.Mail.From == "" {
		return fmt.Errorf("MAIL_FROM が未設定です")
	}

	return nil
}

// ServerAddress はサーバーのリッスンアドレスを返す
func (c *Config) ServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// DownloadBaseURL はダウンロードページのベースURLを返す
func (c *Config) DownloadBaseURL() string {
	return strings.TrimRight(c.Server.PublicBaseURL, "/") + "/dl"
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

func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
