package main

import (
	"log"
	"os"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/fsnotify/fsnotify"
)

// fsChangeMsg is sent when the relay's database directory changes on disk.
// Only meaningful when the dashboard runs on the same host as the relay;
// remote sessions rely on the event feed and the poll loop.
type fsChangeMsg struct{}

const debounceWindow = 100 * time.Millisecond

// watchStateDir watches the directory holding the relay database. Returns
// nil when the directory is missing or the watcher cannot start; the poll
// loop still covers those sessions. The command fires once and is re-armed
// by the update loop after each change.
func watchStateDir(dir string) tea.Cmd {
	watcher := initWatcher(dir)
	if watcher == nil {
		return nil
	}
	return runWatcher(watcher)
}

func initWatcher(dir string) *fsnotify.Watcher {
	if dir == "" {
		return nil
	}
	if _, err := os.Stat(dir); err != nil {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Printf("fsnotify: failed to create watcher: %v (polling only)", err)
		return nil
	}

	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		log.Printf("fsnotify: failed to watch %s: %v (polling only)", dir, err)
		return nil
	}

	return watcher
}

// runWatcher waits for the first debounced change, then closes the watcher
// and reports it. Debouncing collapses the burst of writes a single commit
// produces into one refresh.
func runWatcher(watcher *fsnotify.Watcher) tea.Cmd {
	return func() tea.Msg {
		defer func() { _ = watcher.Close() }()

		debounce := newDebounceTimer()
		defer debounce.Stop()

		for {
			select {
			case _, ok := <-watcher.Events:
				if !ok {
					return nil
				}
				resetDebounceTimer(debounce)

			case <-debounce.C:
				return fsChangeMsg{}

			case err, ok := <-watcher.Errors:
				if !ok {
					return nil
				}
				log.Printf("fsnotify: watcher error: %v", err)
				return nil
			}
		}
	}
}

// newDebounceTimer returns a stopped, drained timer ready for Reset.
func newDebounceTimer() *time.Timer {
	timer := time.NewTimer(0)
	if !timer.Stop() {
		<-timer.C
	}
	return timer
}

func resetDebounceTimer(timer *time.Timer) {
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
	timer.Reset(debounceWindow)
}
