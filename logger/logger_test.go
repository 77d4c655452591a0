package logger

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()

	if config.Level != "info" {
		t.Errorf("Expected default level 'info', got %s", config.Level)
	}
	if config.Format != "console" {
		t.Errorf("Expected default format 'console', got %s", config.Format)
	}
	if config.TimeFormat != time.RFC3339 {
		t.Errorf("Expected default time format %s, got %s", time.RFC3339, config.TimeFormat)
	}
}

func TestInit(t *testing.T) {
	old := log.Logger
	t.Cleanup(func() {
		log.Logger = old
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	})

	t.Run("ValidConfig", func(t *testing.T) {
		err := Init(&Config{Level: "debug", Format: "json", TimeFormat: time.RFC3339, Output: "stdout"})
		if err != nil {
			t.Fatalf("Expected no error, got %v", err)
		}
		if zerolog.GlobalLevel() != zerolog.DebugLevel {
			t.Errorf("Expected global level to be debug, got %s", zerolog.GlobalLevel())
		}
	})

	t.Run("InvalidLevel", func(t *testing.T) {
		if err := Init(&Config{Level: "loud", Format: "json"}); err == nil {
			t.Fatal("Expected error for invalid level")
		}
	})

	t.Run("FileOutput", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "rpc.log")
		if err := Init(&Config{Level: "info", Format: "json", Output: path}); err != nil {
			t.Fatal(err)
		}
		log.Info().Msg("file sink")
		data, err := os.ReadFile(path)
		if err != nil {
			t.Fatal(err)
		}
		if !strings.Contains(string(data), "file sink") {
			t.Errorf("expected log line in file, got %q", data)
		}
	})
}

func TestWithComponent(t *testing.T) {
	var buf bytes.Buffer
	old := log.Logger
	t.Cleanup(func() { log.Logger = old })
	log.Logger = zerolog.New(&buf)

	l := WithComponent("server")
	l.Info().Msg("hello")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	if entry["component"] != "server" {
		t.Errorf("Expected component=server, got %v", entry["component"])
	}
}
