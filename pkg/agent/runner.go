package agent

import (
	"bufio"
	"context"
	"fmt"
	"os/exec"

	"github.com/buildd-ai/buildd-sub001/pkg/protocol"
)

// Runner executes one claimed task run.
//
// The agent reports starting before Run, running once Run begins, and
// completed or failed from Run's return value. Messages arriving on inbox
// are operator instructions, merged from both the direct-connect surface
// and the relay queue; runners are free to ignore them.
type Runner interface {
	Run(ctx context.Context, task protocol.Task, inbox <-chan string) error
}

// ExecRunner shells out to a fixed command for each task. The task is
// described in BUILDD_* environment variables; instruction messages are
// written to the process's stdin, one per line. A non-zero exit marks the
// run failed.
type ExecRunner struct {
	// Command is the argv to execute. Required.
	Command []string
	// Dir is the working directory (default: inherited).
	Dir string
}

// Run implements Runner.
func (e *ExecRunner) Run(ctx context.Context, task protocol.Task, inbox <-chan string) error {
	if len(e.Command) == 0 {
		return fmt.Errorf("exec runner: empty command")
	}

	cmd := exec.CommandContext(ctx, e.Command[0], e.Command[1:]...)
	cmd.Dir = e.Dir
	cmd.Env = append(cmd.Environ(),
		"BUILDD_TASK_ID="+task.ID,
		"BUILDD_TASK_TITLE="+task.Title,
		"BUILDD_TASK_DESCRIPTION="+task.Description,
		"BUILDD_WORKSPACE_ID="+task.WorkspaceID,
	)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("exec runner stdin: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("exec runner start %s: %w", e.Command[0], err)
	}

	// Forward instructions until the process exits. Closing stdin on the
	// way out lets commands that read until EOF terminate cleanly.
	waitDone := make(chan struct{})
	forwardDone := make(chan struct{})
	go func() {
		defer close(forwardDone)
		defer func() { _ = stdin.Close() }()
		w := bufio.NewWriter(stdin)
		for {
			select {
			case <-ctx.Done():
				return
			case <-waitDone:
				return
			case msg := <-inbox:
				if _, err := w.WriteString(msg + "\n"); err != nil {
					return
				}
				if err := w.Flush(); err != nil {
					return
				}
			}
		}
	}()

	err = cmd.Wait()
	close(waitDone)
	<-forwardDone
	if err != nil {
		return fmt.Errorf("exec runner %s: %w", e.Command[0], err)
	}
	return nil
}
