package core

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

const testConfig = `
hostname: 127.0.0.1
server:
  port: 12345
  backlog: 8
security:
  keystore_file: server.p12
  keystore_password: secret
  protocol: TLSv1.2
database:
  engine: sqlite
logging:
  log_level: debug
`

func writeTestConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(contents), 0600); err != nil {
		t.Fatalf("error writing test config: %v", err)
	}
	return dir
}

func TestLoadConfig(t *testing.T) {
	dir := writeTestConfig(t, testConfig)

	cfg, err := LoadConfig(dir)
	if err != nil {
		t.Fatalf("LoadConfig() returned an unexpected error: %v", err)
	}

	got := []interface{}{
		cfg.Hostname,
		cfg.Server.Port,
		cfg.Server.Backlog,
		cfg.Server.WriteTimeout,
		cfg.Security.KeystoreFile,
		cfg.Security.Protocol,
		cfg.Database.Engine,
		cfg.Database.Filename,
		cfg.Logging.LogLevel,
		cfg.Client.Host,
	}
	want := []interface{}{
		"127.0.0.1", 12345, 8, 10 * time.Second, "server.p12", "TLSv1.2", "sqlite", "snowfight.db", "debug", "localhost",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("LoadConfig() produced unexpected values; diff:\n%s", diff)
	}
}

func TestLoadConfig_EnvOverride(t *testing.T) {
	dir := writeTestConfig(t, testConfig)
	t.Setenv("SNOWFIGHT_SERVER_PORT", "5555")
	t.Setenv("SNOWFIGHT_SECURITY_PROTOCOL", "TLSv1.3")
	t.Setenv("SNOWFIGHT_SERVER_WRITE_TIMEOUT", "250ms")

	cfg, err := LoadConfig(dir)
	if err != nil {
		t.Fatalf("LoadConfig() returned an unexpected error: %v", err)
	}
	if cfg.Server.Port != 5555 {
		t.Errorf("expected server.port to be overridden; want = 5555, got = %d", cfg.Server.Port)
	}
	if cfg.Security.Protocol != "TLSv1.3" {
		t.Errorf("expected security.protocol to be overridden; want = TLSv1.3, got = %s", cfg.Security.Protocol)
	}
	if cfg.Server.WriteTimeout != 250*time.Millisecond {
		t.Errorf("expected server.write_timeout to be overridden; want = 250ms, got = %v", cfg.Server.WriteTimeout)
	}
}

func TestLoadConfig_Missing(t *testing.T) {
	if _, err := LoadConfig(t.TempDir()); err == nil {
		t.Fatal("LoadConfig() expected an error for a directory without config.yaml")
	}
}

func TestConfig_DatabaseURL(t *testing.T) {
	cfg := &Config{}
	cfg.Database.Host = "localhost"
	cfg.Database.Port = 5432
	cfg.Database.Name = "testdb"
	cfg.Database.Username = "testuser"
	cfg.Database.Password = "testpassword"

	url := cfg.DatabaseURL()
	expected := "host=localhost port=5432 dbname=testdb user=testuser password=testpassword sslmode="
	if url != expected {
		t.Errorf("DatabaseURL() want = %s, got = %s", expected, url)
	}
}

func TestConfig_Addresses(t *testing.T) {
	cfg := &Config{Hostname: "0.0.0.0"}
	cfg.Server.Port = 49999
	cfg.Client.Host = "game.example"

	if addr := cfg.ListenAddress(); addr != "0.0.0.0:49999" {
		t.Errorf("ListenAddress() want = 0.0.0.0:49999, got = %s", addr)
	}
	if addr := cfg.ClientAddress(); addr != "game.example:49999" {
		t.Errorf("ClientAddress() want = game.example:49999, got = %s", addr)
	}
}

func TestConfig_QualifiedPath(t *testing.T) {
	cfg := &Config{configDir: "/etc/snowfight"}

	tests := []struct {
		name string
		file string
		want string
	}{
		{name: "relative path", file: "server.p12", want: filepath.Join("/etc/snowfight", "server.p12")},
		{name: "absolute path", file: "/tmp/server.p12", want: "/tmp/server.p12"},
		{name: "empty path", file: "", want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := cfg.QualifiedPath(tt.file); got != tt.want {
				t.Errorf("QualifiedPath() want = %s, got = %s", tt.want, got)
			}
		})
	}
}
