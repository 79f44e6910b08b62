package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/buildd-ai/buildd-sub001/pkg/protocol"
)

// importFile is the YAML shape accepted by "task import".
type importFile struct {
	// Workspace is the default workspace for every task in the file.
	Workspace string       `yaml:"workspace"`
	Tasks     []importTask `yaml:"tasks"`
}

// importTask is one task entry. Key is a file-local name other entries can
// reference in blocked_by; it never reaches the relay.
type importTask struct {
	Key         string   `yaml:"key"`
	Workspace   string   `yaml:"workspace"`
	Title       string   `yaml:"title"`
	Description string   `yaml:"description"`
	Priority    int      `yaml:"priority"`
	BlockedBy   []string `yaml:"blocked_by"`
	Target      string   `yaml:"target"`
}

// taskCreator is the one relay call the importer needs.
type taskCreator interface {
	CreateTask(ctx context.Context, req protocol.CreateTaskRequest) (protocol.Task, error)
}

// newTaskImportCmd creates the "buildd task import" subcommand.
func newTaskImportCmd() *cobra.Command {
	var workspace string

	cmd := &cobra.Command{
		Use:   "import <file.yaml>",
		Short: "Create a batch of tasks from a YAML file",
		Long: `Creates every task listed in the file, in order. An entry may carry a
file-local key; later entries reference it in blocked_by and the reference
is replaced with the created task's ID. Unknown blocked_by values pass
through as literal task IDs.

Workspace resolution per entry: the entry's own workspace, then the file's
top-level workspace, then --workspace.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, _, err := observerClient()
			if err != nil {
				return err
			}
			return runTaskImport(cmd.Context(), cmd.OutOrStdout(), client, args[0], workspace)
		},
	}

	cmd.Flags().StringVarP(&workspace, "workspace", "w", "", "fallback workspace for entries that name none")

	return cmd
}

// runTaskImport creates the file's tasks in order, resolving file-local keys
// to created task IDs.
func runTaskImport(ctx context.Context, w io.Writer, client taskCreator, path, fallbackWorkspace string) error {
	data, err := os.ReadFile(path) //nolint:gosec // operator-supplied path, that is the point
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}

	var file importFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	if len(file.Tasks) == 0 {
		return fmt.Errorf("%s contains no tasks", path)
	}

	defaultWorkspace := file.Workspace
	if defaultWorkspace == "" {
		defaultWorkspace = fallbackWorkspace
	}

	// Keys are scanned up front so a reference to a later entry fails
	// loudly instead of passing through as a bogus task ID.
	keyIndex := make(map[string]int, len(file.Tasks))
	for i, item := range file.Tasks {
		if item.Key == "" {
			continue
		}
		if _, dup := keyIndex[item.Key]; dup {
			return fmt.Errorf("duplicate key %q", item.Key)
		}
		keyIndex[item.Key] = i
	}

	createdIDs := make(map[string]string, len(keyIndex))
	for i, item := range file.Tasks {
		if item.Title == "" {
			return fmt.Errorf("task %d: title is required", i+1)
		}
		workspace := item.Workspace
		if workspace == "" {
			workspace = defaultWorkspace
		}
		if workspace == "" {
			return fmt.Errorf("task %d (%s): no workspace", i+1, item.Title)
		}

		blockedBy := make([]string, 0, len(item.BlockedBy))
		for _, ref := range item.BlockedBy {
			if j, isKey := keyIndex[ref]; isKey {
				if j >= i {
					return fmt.Errorf("task %d (%s): blocked_by %q is defined later in the file", i+1, item.Title, ref)
				}
				ref = createdIDs[ref]
			}
			blockedBy = append(blockedBy, ref)
		}

		task, err := client.CreateTask(ctx, protocol.CreateTaskRequest{
			WorkspaceID:    workspace,
			Title:          item.Title,
			Description:    item.Description,
			Priority:       item.Priority,
			BlockedBy:      blockedBy,
			TargetEndpoint: item.Target,
		})
		if err != nil {
			return fmt.Errorf("create %q: %w", item.Title, err)
		}
		if item.Key != "" {
			createdIDs[item.Key] = task.ID
		}
		fmt.Fprintf(w, "created %s (%s): %s\n", task.ID, task.Status, item.Title)
	}

	fmt.Fprintf(w, "imported %d tasks from %s\n", len(file.Tasks), path)
	return nil
}
