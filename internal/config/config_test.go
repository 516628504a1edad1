package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "usbguard.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "usb_guard.db", cfg.DBPath)
	assert.Equal(t, 5*time.Second, cfg.ScanInterval)
	assert.True(t, cfg.UdevHints)
	assert.True(t, cfg.Alerts.Beep)
	assert.False(t, cfg.Alerts.Email.Enabled)
	assert.Equal(t, 587, cfg.Alerts.Email.SMTPPort)
	assert.Empty(t, cfg.MetricsAddr)
	assert.Equal(t, DefaultPolicies(), cfg.Policies)
}

func TestLoad_File(t *testing.T) {
	path := writeConfig(t, `
log_level: debug
db_path: /var/lib/usbguard/usb_guard.db
scan_interval: 2s
username: alice
metrics_addr: ":9102"
enforce:
  deauthorize_on_block: true
alerts:
  beep: false
  email:
    enabled: true
    smtp_server: smtp.example.com
    from_addr: usbguard@example.com
    default_to_addr: security_admin@example.com
policies:
  default_usb_action: allow_all
  dlp_block_masquerade: true
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "/var/lib/usbguard/usb_guard.db", cfg.DBPath)
	assert.Equal(t, 2*time.Second, cfg.ScanInterval)
	assert.Equal(t, "alice", cfg.Username)
	assert.Equal(t, ":9102", cfg.MetricsAddr)
	assert.True(t, cfg.Enforce.DeauthorizeOnBlock)
	assert.False(t, cfg.Alerts.Beep)
	assert.True(t, cfg.Alerts.Email.Enabled)
	assert.Equal(t, "smtp.example.com", cfg.Alerts.Email.SMTPServer)
	assert.Equal(t, 587, cfg.Alerts.Email.SMTPPort)

	assert.Equal(t, "allow_all", cfg.Policies["default_usb_action"])
	assert.Equal(t, "true", cfg.Policies["dlp_block_masquerade"])
	// 未写的策略保留默认值
	assert.Equal(t, "true", cfg.Policies["log_file_events"])
}

func TestLoad_EnvOverride(t *testing.T) {
	path := writeConfig(t, "scan_interval: 2s\n")
	t.Setenv("USBGUARD_SCAN_INTERVAL", "10s")
	t.Setenv("USBGUARD_ALERTS_BEEP", "false")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, cfg.ScanInterval)
	assert.False(t, cfg.Alerts.Beep)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"zero interval", "scan_interval: 0s\n"},
		{"negative interval", "scan_interval: -1s\n"},
		{"unknown default action", "policies:\n  default_usb_action: maybe\n"},
		{"email without server", "alerts:\n  email:\n    enabled: true\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			assert.Error(t, err)
		})
	}
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
