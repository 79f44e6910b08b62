package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/buildd-ai/buildd-sub001/pkg/prefs"
	"github.com/buildd-ai/buildd-sub001/pkg/probe"
	"github.com/buildd-ai/buildd-sub001/pkg/protocol"
)

func TestResolveWorkspace(t *testing.T) {
	store := prefs.NewMemory()

	if got := resolveWorkspace("ws-flag", "ws-cfg", store); got != "ws-flag" {
		t.Errorf("flag resolution = %q, want ws-flag", got)
	}
	if saved, _ := store.Get(prefKeyWorkspace); saved != "ws-flag" {
		t.Errorf("flag choice not remembered, pref = %q", saved)
	}

	if got := resolveWorkspace("", "ws-cfg", store); got != "ws-cfg" {
		t.Errorf("config resolution = %q, want ws-cfg", got)
	}

	// No flag, no config: the last explicit choice carries over.
	if got := resolveWorkspace("", "", store); got != "ws-flag" {
		t.Errorf("remembered resolution = %q, want ws-flag", got)
	}

	if got := resolveWorkspace("", "", prefs.NewMemory()); got != "" {
		t.Errorf("empty resolution = %q, want all workspaces", got)
	}
}

func TestWriteSnapshot(t *testing.T) {
	src := &stubSource{
		tasks: []protocol.Task{
			{ID: "t-1", WorkspaceID: "ws-1", Title: "index the corpus", Status: protocol.TaskPending},
		},
		workers: []protocol.Worker{
			{ID: "w-1", TaskID: "t-1", Status: protocol.WorkerRunning},
		},
	}

	var out bytes.Buffer
	if err := writeSnapshot(&out, src, probe.New(probe.Config{}), "ws-1"); err != nil {
		t.Fatalf("writeSnapshot: %v", err)
	}

	var snapshot map[string]json.RawMessage
	if err := json.Unmarshal(out.Bytes(), &snapshot); err != nil {
		t.Fatalf("snapshot is not valid JSON: %v\n%s", err, out.String())
	}
	for _, k := range []string{"tasks", "workers", "endpoints"} {
		if _, ok := snapshot[k]; !ok {
			t.Errorf("snapshot missing %q key", k)
		}
	}

	var tasks []protocol.Task
	if err := json.Unmarshal(snapshot["tasks"], &tasks); err != nil {
		t.Fatalf("tasks: %v", err)
	}
	if len(tasks) != 1 || tasks[0].ID != "t-1" {
		t.Errorf("unexpected tasks: %+v", tasks)
	}
}

func TestWriteSnapshotRelayError(t *testing.T) {
	src := &stubSource{listErr: errors.New("connection refused")}

	var out bytes.Buffer
	err := writeSnapshot(&out, src, probe.New(probe.Config{}), "")
	if err == nil {
		t.Fatal("expected error from unreachable relay")
	}
	if !strings.Contains(err.Error(), "list tasks") {
		t.Errorf("error should name the failing call, got: %v", err)
	}
}
