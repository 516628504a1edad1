// Package config loads the agent configuration from a YAML file and USBGUARD_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Hara602/usbguard/internal/notify"
	"github.com/spf13/viper"
)

// Config 顶层配置，字段通过 mapstructure 标签与 YAML 键对应
type Config struct {
	LogLevel     string        `mapstructure:"log_level"`
	DBPath       string        `mapstructure:"db_path"`
	ScanInterval time.Duration `mapstructure:"scan_interval"`
	Username     string        `mapstructure:"username"`
	UdevHints    bool          `mapstructure:"udev_hints"`
	MetricsAddr  string        `mapstructure:"metrics_addr"`
	Enforce      EnforceConfig `mapstructure:"enforce"`
	Alerts       AlertsConfig  `mapstructure:"alerts"`

	// Policies 启动时写入 policies 表 (已有的键不覆盖)
	Policies map[string]string `mapstructure:"-"`
}

type EnforceConfig struct {
	DeauthorizeOnBlock bool `mapstructure:"deauthorize_on_block"`
}

type AlertsConfig struct {
	Beep  bool               `mapstructure:"beep"`
	Email notify.EmailConfig `mapstructure:"email"`
}

// DefaultPolicies 首次启动时的策略
func DefaultPolicies() map[string]string {
	return map[string]string{
		"default_usb_action":   "block_unknown",
		"log_file_events":      "true",
		"alert_on_block":       "false",
		"alert_email":          "",
		"dlp_block_masquerade": "false",
	}
}

// Load 读取配置。path 为空时在 . 和 /etc/usbguard/ 下查找 usbguard.yaml，找不到则使用默认值。
func Load(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("usbguard")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/usbguard/")
	}

	v.SetDefault("log_level", "info")
	v.SetDefault("db_path", "usb_guard.db")
	v.SetDefault("scan_interval", "5s")
	v.SetDefault("username", "")
	v.SetDefault("udev_hints", true)
	v.SetDefault("metrics_addr", "")
	v.SetDefault("enforce.deauthorize_on_block", false)
	v.SetDefault("alerts.beep", true)
	v.SetDefault("alerts.email.enabled", false)
	v.SetDefault("alerts.email.smtp_server", "")
	v.SetDefault("alerts.email.smtp_port", 587)
	v.SetDefault("alerts.email.username", "")
	v.SetDefault("alerts.email.password", "")
	v.SetDefault("alerts.email.from_addr", "")
	v.SetDefault("alerts.email.default_to_addr", "")

	v.SetEnvPrefix("USBGUARD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// YAML 中的 true/false 统一转成字符串，与 policies 表一致
	cfg.Policies = DefaultPolicies()
	for k, val := range v.GetStringMapString("policies") {
		cfg.Policies[k] = val
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.ScanInterval <= 0 {
		return fmt.Errorf("scan_interval must be positive, got %s", c.ScanInterval)
	}
	if c.DBPath == "" {
		return errors.New("db_path must not be empty")
	}
	switch c.Policies["default_usb_action"] {
	case "block_unknown", "allow_all":
	default:
		return fmt.Errorf("unknown default_usb_action %q", c.Policies["default_usb_action"])
	}
	if c.Alerts.Email.Enabled && c.Alerts.Email.SMTPServer == "" {
		return errors.New("alerts.email.smtp_server is required when e-mail alerts are enabled")
	}
	return nil
}
