package mlog

import (
	"os"
	"path/filepath"
	"testing"
)

func Test_new_logger(t *testing.T) {
	if _, err := NewLogger(&LogConfig{}); err != nil {
		t.Fatal(err)
	}
	if _, err := NewLogger(&LogConfig{Level: "debug", Type: "stderr"}); err != nil {
		t.Fatal(err)
	}
	if _, err := NewLogger(&LogConfig{Level: "nope"}); err == nil {
		t.Fatal("invalid level accepted")
	}
	if _, err := NewLogger(&LogConfig{Type: "nope"}); err == nil {
		t.Fatal("unknown log type accepted")
	}
}

func Test_file_sink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "proxy.log")
	logger, err := NewLogger(&LogConfig{File: path})
	if err != nil {
		t.Fatal(err)
	}
	logger.Info("sink check")
	logger.Sync()

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(b) == 0 {
		t.Fatal("log file is empty")
	}
}
