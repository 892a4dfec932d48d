package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agentpay.json")
	content := `{
  "chains": {"active": "base-sepolia"},
  "payment": {"normalize_signatures": true}
}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("写入配置: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Address != ":8080" {
		t.Fatalf("默认监听地址异常: %q", cfg.Server.Address)
	}
	if cfg.Chains.Active != "base-sepolia" {
		t.Fatalf("链选择未生效: %q", cfg.Chains.Active)
	}
	if !cfg.Payment.NormalizeSignatures {
		t.Fatal("签名规范化开关未生效")
	}
	if cfg.Payment.MaxCallValue != 1_000_000 {
		t.Fatalf("默认金额上限异常: %d", cfg.Payment.MaxCallValue)
	}
	if cfg.Session.Driver != "file" {
		t.Fatalf("默认会话驱动异常: %q", cfg.Session.Driver)
	}
	if cfg.Session.Dir != filepath.Join(dir, "data", "sessions") {
		t.Fatalf("会话目录默认值异常: %q", cfg.Session.Dir)
	}
	if cfg.Chains.DefinitionsPath != filepath.Join(dir, "chains.yaml") {
		t.Fatalf("链定义路径默认值异常: %q", cfg.Chains.DefinitionsPath)
	}
}

func TestLoadResolvesAuditLogPath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agentpay.json")
	content := `{
  "logging": {"audit": {"enabled": true}}
}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("写入配置: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.Logging.Audit.Enabled {
		t.Fatal("审计开关未生效")
	}
	if cfg.Logging.Audit.Path != filepath.Join(dir, "data", "audit.log") {
		t.Fatalf("审计日志默认路径异常: %q", cfg.Logging.Audit.Path)
	}
}

func TestLoadRejectsMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Fatal("缺失文件应当报错")
	}
	if _, err := Load(""); err == nil {
		t.Fatal("空路径应当报错")
	}
}
