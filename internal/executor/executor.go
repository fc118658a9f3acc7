/*
 * Package executor is the default task engine. It runs an external runner
 * command per task.
 *
 * Before the runner starts, the model and input referenced by the task
 * payload are fetched into a shared cache and verified. The runner gets
 * its inputs through ORBAN_* environment variables and reports progress
 * on stdout with lines of the form
 *
 *	PROGRESS <fraction> [stage]
 *
 * Anything else on stdout or stderr is logged. A zero exit status means
 * success; the file at ORBAN_OUTPUT_PATH is hashed and, when the task
 * names an output URL, uploaded.
 */
package executor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/orbanhq/orban-agent/internal/config"
	"github.com/orbanhq/orban-agent/internal/protocol"
	"github.com/orbanhq/orban-agent/internal/tasks"
	"github.com/orbanhq/orban-agent/pkg/debug"
)

const (
	outputFile = "output.bin"
	configFile = "config.json"
	stderrTail = 20
)

// ResourceFunc reports what the host can currently offer a task.
type ResourceFunc func(ctx context.Context) tasks.Resources

// Options configures an Executor.
type Options struct {
	Command         string
	Args            []string
	WorkDir         string
	CacheDir        string
	MaxDownloads    int
	DownloadTimeout time.Duration
	// KeepWorkDirs leaves task directories in place for debugging.
	KeepWorkDirs bool
}

// OptionsFromConfig copies the runner settings out of cfg.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Command:         cfg.Tasks.Runner,
		Args:            cfg.Tasks.RunnerArgs,
		WorkDir:         cfg.WorkDir(),
		CacheDir:        cfg.CacheDir(),
		MaxDownloads:    cfg.Tasks.MaxDownloads,
		DownloadTimeout: cfg.Tasks.DownloadTimeout.Std(),
		KeepWorkDirs:    cfg.Debug,
	}
}

// Executor implements tasks.Engine.
type Executor struct {
	opts      Options
	resources ResourceFunc
	fetcher   *Fetcher

	mu     sync.RWMutex
	active map[string]*process
}

type process struct {
	taskID  string
	workDir string
	started time.Time
}

// New creates an executor. resources may be nil, in which case only the
// runner configuration is checked on assessment.
func New(opts Options, resources ResourceFunc) *Executor {
	return &Executor{
		opts:      opts,
		resources: resources,
		fetcher:   NewFetcher(opts.CacheDir, opts.MaxDownloads, opts.DownloadTimeout),
		active:    make(map[string]*process),
	}
}

// Assess rejects tasks this host cannot run.
func (e *Executor) Assess(ctx context.Context, assign protocol.TaskAssign) error {
	if e.opts.Command == "" {
		return tasks.Errorf(protocol.ReasonCapabilityMismatch, "no task runner configured")
	}
	if e.resources == nil {
		return nil
	}
	return tasks.CheckRequirements(assign.Requirements, e.resources(ctx))
}

// ActiveTaskIDs lists tasks whose runner is alive.
func (e *Executor) ActiveTaskIDs() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ids := make([]string, 0, len(e.active))
	for id := range e.active {
		ids = append(ids, id)
	}
	return ids
}

// ActiveWorkDirs lists the scratch directories in use.
func (e *Executor) ActiveWorkDirs() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	dirs := make([]string, 0, len(e.active))
	for _, p := range e.active {
		dirs = append(dirs, p.workDir)
	}
	return dirs
}

// Execute runs one accepted task to completion.
func (e *Executor) Execute(ctx context.Context, assign protocol.TaskAssign, r *tasks.Reporter) (protocol.TaskResult, error) {
	started := time.Now()
	workDir := filepath.Join(e.opts.WorkDir, sanitize(assign.TaskID))

	e.mu.Lock()
	if _, exists := e.active[assign.TaskID]; exists {
		e.mu.Unlock()
		return protocol.TaskResult{}, fmt.Errorf("task %s is already running", assign.TaskID)
	}
	e.active[assign.TaskID] = &process{taskID: assign.TaskID, workDir: workDir, started: started}
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		delete(e.active, assign.TaskID)
		e.mu.Unlock()
		if !e.opts.KeepWorkDirs {
			if err := os.RemoveAll(workDir); err != nil {
				debug.Warning("Failed to remove work directory %s: %v", workDir, err)
			}
		}
	}()

	if err := os.MkdirAll(workDir, 0750); err != nil {
		return protocol.TaskResult{}, fmt.Errorf("failed to create task directory: %w", err)
	}

	env, err := e.prepare(ctx, assign, workDir, r)
	if err != nil {
		return protocol.TaskResult{}, err
	}

	r.Progress(0, "running", nil)
	runStart := time.Now()
	if err := e.run(ctx, workDir, env, r); err != nil {
		return protocol.TaskResult{}, err
	}
	gpuTime := time.Since(runStart)

	result := protocol.TaskResult{GPUTimeSec: gpuTime.Seconds()}
	output := filepath.Join(workDir, outputFile)
	if _, err := os.Stat(output); err == nil {
		hash, err := HashFile(output)
		if err != nil {
			return protocol.TaskResult{}, fmt.Errorf("failed to hash output: %w", err)
		}
		result.OutputHash = hash
		if url := assign.Payload.OutputURL; url != "" {
			r.Progress(1, "uploading", nil)
			if err := e.fetcher.Upload(ctx, url, output); err != nil {
				return protocol.TaskResult{}, err
			}
			result.OutputURL = url
		}
	} else if assign.Payload.OutputURL != "" {
		return protocol.TaskResult{}, tasks.Errorf(protocol.ReasonExecutionError, "runner produced no output")
	}

	result.ExecutionTimeSec = time.Since(started).Seconds()
	return result, nil
}

// prepare fetches the inputs and builds the runner environment.
func (e *Executor) prepare(ctx context.Context, assign protocol.TaskAssign, workDir string, r *tasks.Reporter) ([]string, error) {
	env := append(os.Environ(),
		"ORBAN_TASK_ID="+assign.TaskID,
		"ORBAN_JOB_ID="+assign.JobID,
		"ORBAN_WORK_DIR="+workDir,
		"ORBAN_OUTPUT_PATH="+filepath.Join(workDir, outputFile),
	)

	if url := assign.Payload.ModelURL; url != "" {
		r.Progress(0, "downloading model", nil)
		path, err := e.fetcher.Fetch(ctx, url, assign.Payload.ModelHash)
		if err != nil {
			return nil, downloadFailed("model", err)
		}
		env = append(env, "ORBAN_MODEL_PATH="+path)
	}
	if url := assign.Payload.InputDataURL; url != "" {
		r.Progress(0, "downloading input", nil)
		path, err := e.fetcher.Fetch(ctx, url, "")
		if err != nil {
			return nil, downloadFailed("input data", err)
		}
		env = append(env, "ORBAN_INPUT_PATH="+path)
	}
	if len(assign.Payload.Config) > 0 {
		path := filepath.Join(workDir, configFile)
		if err := os.WriteFile(path, assign.Payload.Config, 0640); err != nil {
			return nil, fmt.Errorf("failed to write task config: %w", err)
		}
		env = append(env, "ORBAN_CONFIG_PATH="+path)
	}
	return env, nil
}

func (e *Executor) run(ctx context.Context, workDir string, env []string, r *tasks.Reporter) error {
	cmd := exec.CommandContext(ctx, e.opts.Command, e.opts.Args...)
	cmd.Dir = workDir
	cmd.Env = env
	cmd.WaitDelay = 5 * time.Second

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return err
	}

	debug.Info("Starting runner for task %s: %s %s", r.TaskID(), e.opts.Command, strings.Join(e.opts.Args, " "))
	if err := cmd.Start(); err != nil {
		return tasks.Errorf(protocol.ReasonExecutionError, "failed to start runner: %v", err)
	}

	var (
		wg   sync.WaitGroup
		tail []string
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		scanOutput(stdout, r)
	}()
	go func() {
		defer wg.Done()
		tail = scanErrors(stderr, r.TaskID())
	}()
	wg.Wait()
	waitErr := cmd.Wait()

	if ctx.Err() != nil {
		return ctx.Err()
	}
	if waitErr == nil {
		return nil
	}

	details := strings.Join(tail, "\n")
	if isOutOfMemory(details) {
		return &tasks.Error{Code: protocol.ReasonOutOfMemory, Message: "runner ran out of GPU memory", Details: details}
	}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		return &tasks.Error{
			Code:    protocol.ReasonExecutionError,
			Message: fmt.Sprintf("runner exited with status %d", exitErr.ExitCode()),
			Details: details,
		}
	}
	return &tasks.Error{Code: protocol.ReasonExecutionError, Message: waitErr.Error(), Details: details}
}

// scanOutput forwards PROGRESS lines and logs the rest.
func scanOutput(rd io.Reader, r *tasks.Reporter) {
	scanner := bufio.NewScanner(rd)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if fraction, stage, ok := ParseProgress(line); ok {
			r.Progress(fraction, stage, nil)
			continue
		}
		if line != "" {
			debug.Debug("[%s] %s", r.TaskID(), line)
		}
	}
}

func scanErrors(rd io.Reader, taskID string) []string {
	var tail []string
	scanner := bufio.NewScanner(rd)
	for scanner.Scan() {
		line := scanner.Text()
		debug.Warning("[%s] %s", taskID, line)
		tail = append(tail, line)
		if len(tail) > stderrTail {
			tail = tail[1:]
		}
	}
	return tail
}

// ParseProgress reads "PROGRESS <fraction> [stage]". Fractions above 1 are
// taken as percentages.
func ParseProgress(line string) (float64, string, bool) {
	fields := strings.Fields(line)
	if len(fields) < 2 || !strings.EqualFold(fields[0], "PROGRESS") {
		return 0, "", false
	}
	v, err := strconv.ParseFloat(strings.TrimSuffix(fields[1], "%"), 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return 0, "", false
	}
	if v > 1 || strings.HasSuffix(fields[1], "%") {
		v /= 100
	}
	return v, strings.Join(fields[2:], " "), true
}

func isOutOfMemory(s string) bool {
	s = strings.ToLower(s)
	return strings.Contains(s, "out of memory") || strings.Contains(s, "cuda_error_out_of_memory")
}

func sanitize(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, id)
}
