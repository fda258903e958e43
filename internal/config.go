package internal

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration 包裝 time.Duration，讓配置檔可以寫 "54s"、"1m" 這類可讀格式。
//
// yaml.v3 本身不認得 time.Duration，直接用整數（納秒）寫配置太容易出錯，
// 所以這裡實現 yaml.Unmarshaler，統一走 time.ParseDuration。
type Duration time.Duration

// UnmarshalYAML 實現 yaml.Unmarshaler
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("無效的時間格式 %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std 轉回標準庫型別
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config 整個應用的配置
type Config struct {
	Server struct {
		Port         int      `yaml:"port"`
		ReadTimeout  Duration `yaml:"read_timeout"`
		WriteTimeout Duration `yaml:"write_timeout"`
		IdleTimeout  Duration `yaml:"idle_timeout"`
	} `yaml:"server"`

	Session struct {
		// 遊戲 ID 規格：固定長度、固定字母表（預設 4 個大寫字母）
		// 短到玩家可以口頭轉述，碰撞時重新抽取
		IDLength   int    `yaml:"id_length"`
		IDAlphabet string `yaml:"id_alphabet"`

		// 容量上下限（創建遊戲時驗證）
		MinCapacity int `yaml:"min_capacity"`
		MaxCapacity int `yaml:"max_capacity"`

		// BeaconInterval 時間信標的廣播間隔
		BeaconInterval Duration `yaml:"beacon_interval"`

		// 空會話回收：創建後一直沒人加入的會話，超過 EmptyTTL 由清理循環移除
		EmptyTTL        Duration `yaml:"empty_ttl"`
		CleanupInterval Duration `yaml:"cleanup_interval"`
	} `yaml:"session"`

	WebSocket struct {
		PingInterval    Duration `yaml:"ping_interval"`
		PongTimeout     Duration `yaml:"pong_timeout"`
		WriteTimeout    Duration `yaml:"write_timeout"`
		SendBufferSize  int      `yaml:"send_buffer_size"`
		ReadBufferSize  int      `yaml:"read_buffer_size"`
		WriteBufferSize int      `yaml:"write_buffer_size"`
	} `yaml:"websocket"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

// DefaultConfig 返回預設配置
//
// 心跳時間配置原理：
//   - PingInterval 54 秒：避開代理服務器常見的 60 秒超時
//   - PongTimeout 60 秒：留 6 秒余量（網絡延遲 + 處理時間）
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Server.Port = 8080
	cfg.Server.ReadTimeout = Duration(15 * time.Second)
	cfg.Server.WriteTimeout = Duration(15 * time.Second)
	cfg.Server.IdleTimeout = Duration(60 * time.Second)

	cfg.Session.IDLength = 4
	cfg.Session.IDAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	cfg.Session.MinCapacity = 1
	cfg.Session.MaxCapacity = 128
	cfg.Session.BeaconInterval = Duration(1 * time.Second)
	cfg.Session.EmptyTTL = Duration(5 * time.Minute)
	cfg.Session.CleanupInterval = Duration(1 * time.Minute)

	cfg.WebSocket.PingInterval = Duration(54 * time.Second)
	cfg.WebSocket.PongTimeout = Duration(60 * time.Second)
	cfg.WebSocket.WriteTimeout = Duration(10 * time.Second)
	cfg.WebSocket.SendBufferSize = 256
	cfg.WebSocket.ReadBufferSize = 1024
	cfg.WebSocket.WriteBufferSize = 1024

	cfg.Log.Level = "info"
	cfg.Log.Format = "text"

	return cfg
}

// LoadConfig 從檔案載入配置，缺少的欄位保留預設值
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("讀取配置檔失敗: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("解析配置檔失敗: %w", err)
	}

	return cfg, nil
}
