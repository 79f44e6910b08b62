package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
)

func TestWatchReportsChange(t *testing.T) {
	dir := t.TempDir()

	watchCmd := watchStateDir(dir)
	if watchCmd == nil {
		t.Fatal("watchStateDir returned nil for an existing dir")
	}

	msgChan := make(chan tea.Msg, 1)
	go func() {
		msgChan <- watchCmd()
	}()

	// Give the watcher time to register before writing.
	time.Sleep(100 * time.Millisecond)

	if err := os.WriteFile(filepath.Join(dir, "buildd.db-wal"), []byte("x"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case msg := <-msgChan:
		if _, ok := msg.(fsChangeMsg); !ok {
			t.Errorf("expected fsChangeMsg, got %T", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for fsChangeMsg")
	}
}

func TestWatchMissingDirFallsBackToPolling(t *testing.T) {
	if cmd := watchStateDir(filepath.Join(t.TempDir(), "missing")); cmd != nil {
		t.Error("expected nil cmd for a missing directory")
	}
	if cmd := watchStateDir(""); cmd != nil {
		t.Error("expected nil cmd for an empty path")
	}
}

func TestWatchDebouncesBursts(t *testing.T) {
	dir := t.TempDir()

	watchCmd := watchStateDir(dir)
	if watchCmd == nil {
		t.Fatal("watchStateDir returned nil")
	}

	msgChan := make(chan tea.Msg, 10)
	go func() {
		msgChan <- watchCmd()
	}()

	time.Sleep(100 * time.Millisecond)

	// A commit touches the db and its journal in quick succession; the
	// watcher should collapse that into one refresh.
	for i := 0; i < 5; i++ {
		if err := os.WriteFile(filepath.Join(dir, "buildd.db"), []byte("x"), 0o600); err != nil {
			t.Fatalf("write: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	time.Sleep(150 * time.Millisecond)

	count := 0
	for {
		select {
		case <-msgChan:
			count++
		default:
			if count != 1 {
				t.Errorf("expected 1 debounced message, got %d", count)
			}
			return
		}
	}
}
