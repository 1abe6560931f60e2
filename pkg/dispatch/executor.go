package dispatch

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"sync"
	"time"

	"github.com/dpaschal/meshd/pkg/types"
)

// OutputFn receives execution output as it is produced
type OutputFn func(stream string, data []byte)

// Executor runs one task type on the local node. Run blocks until the
// task finishes and returns its result; a cancelled context stops the
// work.
type Executor interface {
	Type() types.TaskType
	Run(ctx context.Context, task *types.Task, output OutputFn) (*types.TaskResult, error)
}

// Registry maps task types to executors. Plugins register additional
// executors at load time.
type Registry struct {
	mu        sync.RWMutex
	executors map[types.TaskType]Executor
}

// NewRegistry creates a registry with the built-in shell executor
func NewRegistry() *Registry {
	r := &Registry{executors: make(map[types.TaskType]Executor)}
	r.Register(&ShellExecutor{})
	return r
}

// Register adds an executor; a later registration for the same type wins
func (r *Registry) Register(e Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[e.Type()] = e
}

// Lookup returns the executor for a task type
func (r *Registry) Lookup(t types.TaskType) (Executor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.executors[t]
	if !ok {
		return nil, fmt.Errorf("no executor registered for task type %q", t)
	}
	return e, nil
}

// ShellExecutor runs shell tasks with os/exec
type ShellExecutor struct{}

func (e *ShellExecutor) Type() types.TaskType {
	return types.TaskTypeShell
}

// resultTailBytes caps how much captured output travels in the task result
const resultTailBytes = 64 << 10

func (e *ShellExecutor) Run(ctx context.Context, task *types.Task, output OutputFn) (*types.TaskResult, error) {
	spec := task.Spec.Shell
	if spec == nil {
		return nil, fmt.Errorf("shell task %s has no shell spec", task.ID)
	}

	if spec.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(spec.TimeoutSeconds)*time.Second)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, spec.Command, spec.Args...)
	cmd.Dir = spec.WorkDir
	if len(spec.Env) > 0 {
		cmd.Env = cmd.Environ()
		for k, v := range spec.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
	}

	var stdout, stderr tailBuffer
	cmd.Stdout = teeWriter{tail: &stdout, stream: "stdout", output: output}
	cmd.Stderr = teeWriter{tail: &stderr, stream: "stderr", output: output}

	err := cmd.Run()
	result := &types.TaskResult{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}
	if cmd.ProcessState != nil {
		result.ExitCode = cmd.ProcessState.ExitCode()
	}

	if ctx.Err() != nil {
		return result, ctx.Err()
	}
	if err != nil {
		if _, ok := err.(*exec.ExitError); ok {
			// non-zero exit is a task failure with a valid result
			return result, fmt.Errorf("command exited with code %d", result.ExitCode)
		}
		return result, err
	}
	return result, nil
}

// tailBuffer keeps the last resultTailBytes of what was written
type tailBuffer struct {
	buf bytes.Buffer
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.buf.Write(p)
	if t.buf.Len() > resultTailBytes {
		trimmed := t.buf.Bytes()[t.buf.Len()-resultTailBytes:]
		var nb bytes.Buffer
		nb.Write(trimmed)
		t.buf = nb
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	return t.buf.String()
}

type teeWriter struct {
	tail   *tailBuffer
	stream string
	output OutputFn
}

func (w teeWriter) Write(p []byte) (int, error) {
	if w.output != nil {
		cp := make([]byte, len(p))
		copy(cp, p)
		w.output(w.stream, cp)
	}
	return w.tail.Write(p)
}
