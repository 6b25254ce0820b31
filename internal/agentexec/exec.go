// Package agentexec runs agent work in external subprocesses. Each
// assignment is piped to the configured command as JSON on stdin; the
// command replies with a JSON result on stdout. This is the reference
// implementation of the agent-execution boundary; anything that speaks the
// same message shapes can replace it.
package agentexec

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"

	"github.com/aletho/foreman/internal/worker"
)

// assignmentJSON is the wire form written to the subprocess.
type assignmentJSON struct {
	SessionID         string   `json:"session_id"`
	TaskID            string   `json:"task_id"`
	Role              string   `json:"role"`
	Description       string   `json:"description"`
	DependencyContext []string `json:"dependency_context,omitempty"`
	Feedback          []string `json:"feedback,omitempty"`
	Goal              string   `json:"goal,omitempty"`
}

// resultJSON is the wire form read back from the subprocess.
type resultJSON struct {
	TaskID          string `json:"task_id"`
	Outcome         string `json:"outcome"`
	ArtifactSummary string `json:"artifact_summary,omitempty"`
	Detail          string `json:"detail,omitempty"`
}

// Worker executes assignments through a subprocess command.
type Worker struct {
	name string
	args []string
}

// New creates a subprocess worker for the command and arguments.
func New(name string, args ...string) *Worker {
	return &Worker{name: name, args: args}
}

// Run implements worker.Worker. A non-zero exit or malformed reply is a
// transport error; an agent that did the work but failed at it reports
// outcome "failure" with exit code zero.
func (w *Worker) Run(ctx context.Context, a worker.Assignment) (worker.Result, error) {
	input, err := json.Marshal(assignmentJSON{
		SessionID:         a.SessionID,
		TaskID:            a.TaskID,
		Role:              string(a.Role),
		Description:       a.Description,
		DependencyContext: a.DependencyContext,
		Feedback:          a.Feedback,
	})
	if err != nil {
		return worker.Result{}, fmt.Errorf("encoding assignment: %w", err)
	}

	stdout, err := run(ctx, w.name, w.args, input)
	if err != nil {
		return worker.Result{}, err
	}

	var rj resultJSON
	if err := json.Unmarshal(stdout, &rj); err != nil {
		return worker.Result{}, fmt.Errorf("decoding agent reply: %w", err)
	}
	res := worker.Result{
		TaskID:          rj.TaskID,
		Outcome:         worker.Outcome(rj.Outcome),
		ArtifactSummary: rj.ArtifactSummary,
		Detail:          rj.Detail,
	}
	if res.TaskID == "" {
		res.TaskID = a.TaskID
	}
	if res.Outcome != worker.OutcomeSuccess && res.Outcome != worker.OutcomeFailure {
		return worker.Result{}, fmt.Errorf("agent reply has unknown outcome %q", rj.Outcome)
	}
	return res, nil
}

// planJSON is the breakdown shape a planner subprocess replies with.
type planJSON struct {
	Tasks []struct {
		ID          string   `json:"id"`
		Role        string   `json:"role"`
		Description string   `json:"description"`
		Priority    int      `json:"priority,omitempty"`
		DependsOn   []string `json:"depends_on,omitempty"`
	} `json:"tasks"`
}

// PlanSpec mirrors one planned task. It is converted by the caller into
// the coordinator's task specs; this package does not import the
// coordinator.
type PlanSpec struct {
	ID          string
	Role        string
	Description string
	Priority    int
	DependsOn   []string
}

// Plan asks the subprocess for a task breakdown of the goal.
func (w *Worker) Plan(ctx context.Context, goal string) ([]PlanSpec, error) {
	input, err := json.Marshal(assignmentJSON{Role: "planner", Goal: goal})
	if err != nil {
		return nil, fmt.Errorf("encoding plan request: %w", err)
	}

	stdout, err := run(ctx, w.name, w.args, input)
	if err != nil {
		return nil, err
	}

	var pj planJSON
	if err := json.Unmarshal(stdout, &pj); err != nil {
		return nil, fmt.Errorf("decoding plan: %w", err)
	}
	specs := make([]PlanSpec, 0, len(pj.Tasks))
	for _, t := range pj.Tasks {
		specs = append(specs, PlanSpec{
			ID:          t.ID,
			Role:        t.Role,
			Description: t.Description,
			Priority:    t.Priority,
			DependsOn:   t.DependsOn,
		})
	}
	return specs, nil
}

// run executes the command with input on stdin and returns stdout. Both
// output pipes are drained concurrently before Wait so a chatty subprocess
// cannot deadlock on a full pipe buffer. The subprocess gets its own
// process group so cancellation kills its whole tree.
func run(ctx context.Context, name string, args []string, input []byte) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Stdin = bytes.NewReader(input)
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdout pipe: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting agent command: %w", err)
	}

	var wg sync.WaitGroup
	var stdoutBuf, stderrBuf bytes.Buffer
	wg.Add(2)
	go func() {
		defer wg.Done()
		io.Copy(&stdoutBuf, stdoutPipe)
	}()
	go func() {
		defer wg.Done()
		io.Copy(&stderrBuf, stderrPipe)
	}()
	wg.Wait()

	if err := cmd.Wait(); err != nil {
		if stderrBuf.Len() > 0 {
			return nil, fmt.Errorf("agent command failed: %w (stderr: %s)", err, stderrBuf.String())
		}
		return nil, fmt.Errorf("agent command failed: %w", err)
	}
	return stdoutBuf.Bytes(), nil
}
