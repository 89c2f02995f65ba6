package logging

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/neilo40/vds1022_remote/internal/config"
)

func TestNew_Level(t *testing.T) {
	tests := []struct {
		level string
		want  logrus.Level
	}{
		{"debug", logrus.DebugLevel},
		{"trace", logrus.TraceLevel},
		{"warn", logrus.WarnLevel},
		{"loud", logrus.InfoLevel},
		{"", logrus.InfoLevel},
	}

	for _, tt := range tests {
		log, closer := New(config.LogConfig{Level: tt.level})
		closer.Close()
		if log.GetLevel() != tt.want {
			t.Errorf("level %q: got %v, want %v", tt.level, log.GetLevel(), tt.want)
		}
	}
}

func TestNew_JSONFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vds.log")
	log, closer := New(config.LogConfig{Level: "info", Format: "json", Output: "file", FilePath: path})

	log.WithField("component", "worker").Info("device ready")
	if err := closer.Close(); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var entry map[string]string
	if err := json.Unmarshal(data, &entry); err != nil {
		t.Fatalf("log line %q is not JSON: %v", data, err)
	}
	if entry["msg"] != "device ready" || entry["component"] != "worker" || entry["level"] != "info" {
		t.Errorf("entry = %v", entry)
	}
	if _, ok := log.Formatter.(*logrus.JSONFormatter); !ok {
		t.Errorf("formatter = %T", log.Formatter)
	}
}

func TestNew_BadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing", "vds.log")
	log, closer := New(config.LogConfig{Output: "file", FilePath: path})
	defer closer.Close()

	if log.Out != os.Stdout {
		t.Error("expected stdout after a failed file open")
	}
}
