package logging

import (
	"bytes"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestDefaultLogger_LevelFiltering(t *testing.T) {
	tests := []struct {
		level     Level
		wantError bool
		wantWarn  bool
		wantInfo  bool
		wantDebug bool
	}{
		{LevelError, true, false, false, false},
		{LevelWarn, true, true, false, false},
		{LevelInfo, true, true, true, false},
		{LevelDebug, true, true, true, true},
	}

	for _, tt := range tests {
		t.Run(tt.level.String(), func(t *testing.T) {
			var buf bytes.Buffer
			logger := NewLogger(&buf, tt.level)

			logger.Errorf("error %d", 1)
			logger.Warnf("warn %d", 2)
			logger.Infof("info %d", 3)
			logger.Debugf("debug %d", 4)

			output := buf.String()

			if got := strings.Contains(output, "ERROR error 1"); got != tt.wantError {
				t.Errorf("Error logged: got %v, want %v", got, tt.wantError)
			}
			if got := strings.Contains(output, "WARN warn 2"); got != tt.wantWarn {
				t.Errorf("Warn logged: got %v, want %v", got, tt.wantWarn)
			}
			if got := strings.Contains(output, "INFO info 3"); got != tt.wantInfo {
				t.Errorf("Info logged: got %v, want %v", got, tt.wantInfo)
			}
			if got := strings.Contains(output, "DEBUG debug 4"); got != tt.wantDebug {
				t.Errorf("Debug logged: got %v, want %v", got, tt.wantDebug)
			}
		})
	}
}

func TestDefaultLogger_FatalHandler(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, LevelError)

	var got string
	logger.SetFatalHandler(func(msg string) { got = msg })
	logger.Fatalf("%sinstall failed: %s", NSInstall, "disk full")

	if got != "[install] install failed: disk full" {
		t.Errorf("handler got %q", got)
	}
	if !strings.Contains(buf.String(), "FATAL [install] install failed") {
		t.Errorf("output = %q", buf.String())
	}
}

func TestDiscardLogger(t *testing.T) {
	Discard.Errorf("error %d", 1)
	Discard.Warnf("warn %d", 1)
	Discard.Infof("info %d", 1)
	Discard.Debugf("debug %d", 1)
	Discard.Fatalf("fatal %d", 1)
}

func TestLevelString(t *testing.T) {
	tests := []struct {
		level Level
		want  string
	}{
		{LevelError, "ERROR"},
		{LevelWarn, "WARN"},
		{LevelInfo, "INFO"},
		{LevelDebug, "DEBUG"},
		{Level(99), "UNKNOWN"},
	}

	for _, tt := range tests {
		if got := tt.level.String(); got != tt.want {
			t.Errorf("Level(%d).String() = %q, want %q", tt.level, got, tt.want)
		}
		if tt.level > LevelDebug {
			continue
		}
		if got, ok := ParseLevel(strings.ToLower(tt.want)); !ok || got != tt.level {
			t.Errorf("ParseLevel(%q) = %v, %v", tt.want, got, ok)
		}
	}
	if _, ok := ParseLevel("verbose"); ok {
		t.Error("ParseLevel(verbose) should fail")
	}
}

func TestNamespaceConstants(t *testing.T) {
	namespaces := []string{NSCompact, NSSubcompact, NSInstall, NSManifest, NSRemote, NSWorker, NSOptions}
	for _, ns := range namespaces {
		if !strings.HasPrefix(ns, "[") || !strings.HasSuffix(ns, "] ") {
			t.Errorf("namespace %q should be in [name] format", ns)
		}
	}
}

func TestOrDefault(t *testing.T) {
	var typedNil *DefaultLogger
	if !IsNil(typedNil) {
		t.Error("typed nil not detected")
	}
	if OrDefault(typedNil) == nil {
		t.Error("OrDefault returned nil")
	}
	if OrDefault(Discard) != Discard {
		t.Error("OrDefault replaced a valid logger")
	}
}

func TestZapLogger(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	logger := NewZapLogger(zap.New(core))

	logger.Debugf("%shidden", NSWorker)
	logger.Infof("%scompaction %d done", NSWorker, 3)
	logger.Warnf("no component")

	var fatal string
	logger.SetFatalHandler(func(msg string) { fatal = msg })
	logger.Fatalf("%sbroken", NSRemote)

	entries := logs.All()
	if len(entries) != 3 {
		t.Fatalf("got %d entries, want 3", len(entries))
	}
	if entries[0].Message != "compaction 3 done" || entries[0].ContextMap()["component"] != "worker" {
		t.Errorf("entry 0 = %q %v", entries[0].Message, entries[0].ContextMap())
	}
	if _, ok := entries[1].ContextMap()["component"]; ok {
		t.Errorf("entry 1 has component: %v", entries[1].ContextMap())
	}
	if entries[2].Level != zapcore.ErrorLevel || entries[2].ContextMap()["fatal"] != true {
		t.Errorf("fatal entry = %v %v", entries[2].Level, entries[2].ContextMap())
	}
	if fatal != "[remote] broken" {
		t.Errorf("fatal handler got %q", fatal)
	}
	if ZapLevel(LevelDebug) != zapcore.DebugLevel || ZapLevel(LevelError) != zapcore.ErrorLevel {
		t.Error("ZapLevel mapping")
	}
}
