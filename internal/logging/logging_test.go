package logging

import (
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestReplaceAndNamed(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	prev := L()
	Replace(zap.New(core))
	t.Cleanup(func() { Replace(prev) })

	Info("cache ready", Int64("max_size", 1000))
	Named("fs.sizelimited").Debug("evict", String("path", "/a"))

	entries := logs.All()
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	if entries[0].Message != "cache ready" || entries[0].ContextMap()["max_size"] != int64(1000) {
		t.Errorf("first entry = %+v", entries[0])
	}
	if entries[1].LoggerName != "fs.sizelimited" {
		t.Errorf("logger name = %q", entries[1].LoggerName)
	}
}

func TestSetLevel(t *testing.T) {
	SetLevel("warn")
	t.Cleanup(func() { SetLevel("info") })
	if globalLevel.Level() != zapcore.WarnLevel {
		t.Errorf("level = %v, want warn", globalLevel.Level())
	}
	SetLevel("nonsense")
	if globalLevel.Level() != zapcore.WarnLevel {
		t.Errorf("invalid level changed the level to %v", globalLevel.Level())
	}
}

func TestInitConsole(t *testing.T) {
	prev := L()
	t.Cleanup(func() { Replace(prev) })
	if err := Init(Config{Level: "debug", Format: "console", OutputPath: "stderr"}); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if !L().Core().Enabled(zapcore.DebugLevel) {
		t.Error("debug level not enabled after Init")
	}
	SetLevel("info")
}
