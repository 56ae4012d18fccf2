package internal

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/snowfight/snowfight/internal/core"
	"github.com/snowfight/snowfight/internal/core/data"
	"github.com/snowfight/snowfight/internal/security"
)

func writeConfig(t *testing.T, contents string) *core.Config {
	t.Helper()
	dir := t.TempDir()

	keystore, _, err := security.GenerateKeystores([]string{"127.0.0.1"}, "snowball", "igloo")
	if err != nil {
		t.Fatalf("GenerateKeystores() returned an unexpected error: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "server.p12"), keystore, 0600); err != nil {
		t.Fatalf("error writing keystore: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(contents), 0600); err != nil {
		t.Fatalf("error writing config: %v", err)
	}

	cfg, err := core.LoadConfig(dir)
	if err != nil {
		t.Fatalf("LoadConfig() returned an unexpected error: %v", err)
	}
	return cfg
}

const testConfig = `
hostname: 127.0.0.1
server:
  port: 0
security:
  keystore_file: server.p12
  keystore_password: snowball
  protocol: TLSv1.3
database:
  engine: sqlite
logging:
  log_level: error
`

func TestController_Commands(t *testing.T) {
	cfg := writeConfig(t, testConfig)
	var output bytes.Buffer
	c := &Controller{
		Config:   cfg,
		Commands: strings.NewReader("cc\ncc\nstop\n"),
		Output:   &output,
	}

	done := make(chan error, 1)
	go func() { done <- c.Start(context.Background()) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Start() returned an unexpected error: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for the stop command")
	}

	want := "no longer accepting clients\naccepting clients\n"
	if got := output.String(); got != want {
		t.Errorf("unexpected command output; want = %q, got = %q", want, got)
	}
	if _, err := os.Stat(cfg.QualifiedPath("snowfight.db")); err != nil {
		t.Errorf("expected the match history database to be created: %v", err)
	}
}

func TestController_StopsWithContext(t *testing.T) {
	cfg := writeConfig(t, testConfig)
	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{Config: cfg, Commands: strings.NewReader("")}

	done := make(chan error, 1)
	go func() { done <- c.Start(ctx) }()
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Start() returned an unexpected error: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for the server to stop")
	}
}

func TestController_MissingKeystore(t *testing.T) {
	cfg := writeConfig(t, strings.Replace(testConfig, "server.p12", "missing.p12", 1))
	c := &Controller{Config: cfg, Commands: strings.NewReader("")}

	var configErr *security.ConfigurationError
	if err := c.Start(context.Background()); !errors.As(err, &configErr) {
		t.Errorf("expected a ConfigurationError, got %v", err)
	}
}

func TestOpenMatchStore(t *testing.T) {
	tests := []struct {
		name      string
		engine    string
		wantStore bool
		wantErr   bool
	}{
		{name: "disabled", engine: ""},
		{name: "sqlite", engine: "sqlite", wantStore: true},
		{name: "unsupported", engine: "mongodb", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := writeConfig(t, testConfig)
			cfg.Database.Engine = tt.engine

			store, err := OpenMatchStore(cfg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("OpenMatchStore() error = %v, wantErr %v", err, tt.wantErr)
			}
			if store != nil {
				t.Cleanup(func() { data.Close(store.DB) })
			}
			if (store != nil) != tt.wantStore {
				t.Errorf("OpenMatchStore() store = %v, wantStore %v", store, tt.wantStore)
			}
		})
	}
}
