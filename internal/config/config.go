// Package config содержит логику чтения конфигурации сервиса расчётов.
package config

import (
	"errors"
	"flag"
	"fmt"
	"slices"
	"time"

	"github.com/caarlos0/env/v11"
)

const (
	defaultRunAddress    = "localhost:8080"
	defaultPollInterval  = 30 * time.Second
	defaultSweepSchedule = "@every 1m"
	defaultWechatBaseURL = "https://api.mch.weixin.qq.com"
)

// ErrInvalid возвращается при неполной или противоречивой конфигурации.
var ErrInvalid = errors.New("invalid configuration")

// Wechat параметры канала wechatpay. Канал включён, если задан MchID.
type Wechat struct {
	MchID            string `env:"WECHATPAY_MCH_ID"`
	AppID            string `env:"WECHATPAY_APP_ID"`
	SerialNo         string `env:"WECHATPAY_SERIAL_NO"`
	PrivateKeyPath   string `env:"WECHATPAY_PRIVATE_KEY_PATH"`
	APIv3Key         string `env:"WECHATPAY_API_V3_KEY"`
	PlatformCertPath string `env:"WECHATPAY_PLATFORM_CERT_PATH"`
	AllowUnverified  bool   `env:"WECHATPAY_ALLOW_UNVERIFIED"`
	BaseURL          string `env:"WECHATPAY_BASE_URL"`
}

// Enabled сообщает, настроен ли канал.
func (w Wechat) Enabled() bool {
	return w.MchID != ""
}

// Config содержит параметры конфигурации сервиса расчётов.
type Config struct {
	RunAddress    string        `env:"RUN_ADDRESS"`
	DatabaseURI   string        `env:"DATABASE_URI"`
	AuthSecret    string        `env:"AUTH_SECRET"`
	NotifyURL     string        `env:"NOTIFY_URL"`
	PollInterval  time.Duration `env:"POLL_INTERVAL"`
	SweepSchedule string        `env:"SWEEP_SCHEDULE"`
	Wechat        Wechat
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
// Значения из окружения имеют приоритет над флагами.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envNotifyURL := cfg.NotifyURL

	flag.StringVar(&cfg.RunAddress, "a", defaultRunAddress, "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.NotifyURL, "n", "", "default payment notification URL")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envNotifyURL != "" {
		cfg.NotifyURL = envNotifyURL
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = defaultRunAddress
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.SweepSchedule == "" {
		cfg.SweepSchedule = defaultSweepSchedule
	}
	if cfg.Wechat.BaseURL == "" {
		cfg.Wechat.BaseURL = defaultWechatBaseURL
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate проверяет полноту учётных данных включённых каналов.
func (c *Config) Validate() error {
	if !c.Wechat.Enabled() {
		return nil
	}

	w := c.Wechat
	var missing []string
	for name, v := range map[string]string{
		"WECHATPAY_APP_ID":           w.AppID,
		"WECHATPAY_SERIAL_NO":        w.SerialNo,
		"WECHATPAY_PRIVATE_KEY_PATH": w.PrivateKeyPath,
		"WECHATPAY_API_V3_KEY":       w.APIv3Key,
		"NOTIFY_URL":                 c.NotifyURL,
	} {
		if v == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		slices.Sort(missing)
		return fmt.Errorf("%w: wechatpay enabled but %v not set", ErrInvalid, missing)
	}
	if len(w.APIv3Key) != 32 {
		return fmt.Errorf("%w: WECHATPAY_API_V3_KEY must be 32 bytes", ErrInvalid)
	}
	if w.PlatformCertPath == "" && !w.AllowUnverified {
		return fmt.Errorf("%w: WECHATPAY_PLATFORM_CERT_PATH is required unless WECHATPAY_ALLOW_UNVERIFIED is set", ErrInvalid)
	}
	return nil
}
