// Package copytool runs the external bulk copy utility that moves the bytes.
//
// Commands are built as argument lists and executed without a shell, so signed
// URLs never need quoting.
package copytool

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"blobmover/pkg/models"
)

const finalStatusPrefix = "Final Job Status:"

// Result is the outcome of one tool invocation
type Result struct {
	Args     []string
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// FinalStatus returns the job status the tool reports on its last status line,
// for example Completed, CompletedWithSkipped or Failed. Empty when absent.
func (r *Result) FinalStatus() string {
	status := ""
	scanner := bufio.NewScanner(strings.NewReader(r.Stdout))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if strings.HasPrefix(line, finalStatusPrefix) {
			status = strings.TrimSpace(strings.TrimPrefix(line, finalStatusPrefix))
		}
	}
	return status
}

// Skipped reports whether the tool left the destination untouched because it already existed
func (r *Result) Skipped() bool {
	return strings.Contains(r.FinalStatus(), "Skipped")
}

// Summary returns the tool output trimmed for the console
func (r *Result) Summary() string {
	out := strings.TrimSpace(r.Stdout)
	if errOut := strings.TrimSpace(r.Stderr); errOut != "" {
		if out != "" {
			out += "\n"
		}
		out += errOut
	}
	return out
}

// ExitError reports a non-zero exit of the copy tool
type ExitError struct {
	Result *Result
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("copy tool exited with code %d", e.Result.ExitCode)
	if status := e.Result.FinalStatus(); status != "" {
		msg += " (" + status + ")"
	}
	return msg
}

// Runner executes the copy tool
type Runner interface {
	Run(ctx context.Context, args []string) (*Result, error)
}

// Exec runs the copy tool as a child process
type Exec struct {
	path string
}

// NewExec creates a runner for the tool at path
func NewExec(path string) *Exec {
	return &Exec{path: path}
}

// Run blocks until the tool exits. There is no internal timeout; cancel ctx to kill it.
func (e *Exec) Run(ctx context.Context, args []string) (*Result, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, e.path, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	result := &Result{
		Args:     append([]string(nil), args...),
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if err == nil {
		return result, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		result.ExitCode = exitErr.ExitCode()
		return result, &ExitError{Result: result}
	}
	if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) || errors.Is(err, os.ErrPermission) {
		return result, fmt.Errorf("%w: %s: %v", models.ErrCopyToolNotFound, e.path, err)
	}
	result.ExitCode = -1
	return result, fmt.Errorf("failed to run copy tool: %w", err)
}

// CheckTool verifies that path names an executable
func CheckTool(path string) error {
	if strings.TrimSpace(path) == "" {
		return fmt.Errorf("%w: no path configured", models.ErrCopyToolNotFound)
	}
	resolved, err := exec.LookPath(path)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", models.ErrCopyToolNotFound, path, err)
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", models.ErrCopyToolNotFound, path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("%w: %s is a directory", models.ErrCopyToolNotFound, path)
	}
	return nil
}

// DownloadArgs builds "cp <signed source url> <local path>"
func DownloadArgs(signedSourceURL, localPath string) []string {
	return []string{"cp", signedSourceURL, localPath}
}

// UploadArgs builds "cp <local path> <signed destination url> --block-blob-tier <tier> --overwrite=<bool>"
func UploadArgs(localPath, signedDestURL, tier string, overwrite bool) []string {
	return []string{
		"cp", localPath, signedDestURL,
		"--block-blob-tier", tier,
		fmt.Sprintf("--overwrite=%t", overwrite),
	}
}

// Redact strips query strings from URL arguments so signatures stay out of logs
func Redact(args []string) []string {
	out := make([]string, len(args))
	for i, arg := range args {
		if strings.Contains(arg, "://") {
			if base, _, found := strings.Cut(arg, "?"); found {
				arg = base + "?<signature>"
			}
		}
		out[i] = arg
	}
	return out
}
