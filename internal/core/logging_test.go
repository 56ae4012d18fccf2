package core

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestNewLogger(t *testing.T) {
	dir := t.TempDir()
	cfg := &Config{configDir: dir}
	cfg.Logging.LogLevel = "warn"
	cfg.Logging.LogFilePath = "snowfight.log"

	logger, err := NewLogger(cfg)
	if err != nil {
		t.Fatalf("NewLogger() returned an unexpected error: %v", err)
	}
	if logger.Level != logrus.WarnLevel {
		t.Errorf("expected level %v, got %v", logrus.WarnLevel, logger.Level)
	}

	logger.Info("should not be written")
	logger.Warn("should be written")

	contents, err := os.ReadFile(filepath.Join(dir, "snowfight.log"))
	if err != nil {
		t.Fatalf("error reading log file: %v", err)
	}
	if strings.Contains(string(contents), "should not be written") {
		t.Errorf("info message was written below the configured level")
	}
	if !strings.Contains(string(contents), "should be written") {
		t.Errorf("warn message missing from log file: %q", contents)
	}
}

func TestNewLogger_BadLevel(t *testing.T) {
	cfg := &Config{}
	cfg.Logging.LogLevel = "loud"

	if _, err := NewLogger(cfg); err == nil {
		t.Fatal("NewLogger() expected an error for an unknown level")
	}
}
