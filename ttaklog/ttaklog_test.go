package ttaklog

import (
	"strings"
	"testing"
)

func TestNoopDiscardsEverything(t *testing.T) {
	n := Noop()
	if n.IsEnabled(LevelError) {
		t.Fatal("noop must never be enabled")
	}
	n.Log(Entry{Level: LevelError, Message: "should not panic"})
}

func TestStdLoggerFiltersByLevel(t *testing.T) {
	var lines []string
	l := NewStdLogger(LevelWarn, func(s string) { lines = append(lines, s) })

	l.Log(Entry{Level: LevelInfo, Component: "buddy", Message: "ignored"})
	if len(lines) != 0 {
		t.Fatalf("expected info to be filtered, got %v", lines)
	}

	l.Log(Entry{Level: LevelError, Component: "buddy", Message: "zone exhausted"})
	if len(lines) != 1 || !strings.Contains(lines[0], "zone exhausted") {
		t.Fatalf("expected one error line, got %v", lines)
	}
}

func TestGlobalDefaultsToNoop(t *testing.T) {
	if Global().IsEnabled(LevelDebug) {
		t.Fatal("expected default global logger to be a no-op")
	}
}

func TestSetGlobal(t *testing.T) {
	t.Cleanup(func() { SetGlobal(nil) })

	var got []string
	SetGlobal(NewStdLogger(LevelDebug, func(s string) { got = append(got, s) }))

	Global().Log(Entry{Level: LevelDebug, Component: "test", Message: "hello"})
	if len(got) != 1 {
		t.Fatalf("expected one captured line, got %v", got)
	}
}
