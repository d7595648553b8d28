package copytool

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"blobmover/pkg/models"
)

func shellPath(t *testing.T) string {
	t.Helper()
	path, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not available")
	}
	return path
}

func TestExecCapturesOutputSeparately(t *testing.T) {
	t.Parallel()

	runner := NewExec(shellPath(t))
	result, err := runner.Run(context.Background(), []string{"-c", "echo 'Final Job Status: Completed'; echo oops >&2"})
	require.NoError(t, err)

	assert.Equal(t, 0, result.ExitCode)
	assert.Equal(t, "Final Job Status: Completed\n", result.Stdout)
	assert.Equal(t, "oops\n", result.Stderr)
	assert.Equal(t, "Completed", result.FinalStatus())
	assert.Equal(t, "Final Job Status: Completed\noops", result.Summary())
}

func TestExecArgumentsAreNotShellInterpreted(t *testing.T) {
	t.Parallel()

	runner := NewExec(shellPath(t))
	url := "https://acct.blob.core.windows.net/c/a b.vhd?sv=1&sig=x;y"
	result, err := runner.Run(context.Background(), []string{"-c", `printf '%s' "$1"`, "sh", url})
	require.NoError(t, err)
	assert.Equal(t, url, result.Stdout)
}

func TestExecNonZeroExit(t *testing.T) {
	t.Parallel()

	runner := NewExec(shellPath(t))
	result, err := runner.Run(context.Background(), []string{"-c", "echo 'Final Job Status: Failed'; exit 3"})
	require.Error(t, err)

	var exitErr *ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, 3, result.ExitCode)
	assert.Equal(t, "Failed", result.FinalStatus())
	assert.Contains(t, err.Error(), "exited with code 3 (Failed)")
}

func TestExecMissingBinary(t *testing.T) {
	t.Parallel()

	runner := NewExec(filepath.Join(t.TempDir(), "azcopy"))
	_, err := runner.Run(context.Background(), DownloadArgs("https://a/c/x", "/tmp/x"))
	assert.ErrorIs(t, err, models.ErrCopyToolNotFound)
}

func TestCheckTool(t *testing.T) {
	t.Parallel()

	assert.NoError(t, CheckTool(shellPath(t)))
	assert.ErrorIs(t, CheckTool(""), models.ErrCopyToolNotFound)
	assert.ErrorIs(t, CheckTool(filepath.Join(t.TempDir(), "nope")), models.ErrCopyToolNotFound)

	notExecutable := filepath.Join(t.TempDir(), "azcopy")
	require.NoError(t, os.WriteFile(notExecutable, []byte("data"), 0o644))
	assert.ErrorIs(t, CheckTool(notExecutable), models.ErrCopyToolNotFound)
}

func TestFinalStatusUsesLastStatusLine(t *testing.T) {
	t.Parallel()

	r := &Result{Stdout: "Job abc\nFinal Job Status: Failed\nretrying\n  Final Job Status: CompletedWithSkipped  \n"}
	assert.Equal(t, "CompletedWithSkipped", r.FinalStatus())
	assert.True(t, r.Skipped())
	assert.Empty(t, (&Result{Stdout: "no status"}).FinalStatus())
}

func TestArgumentBuilders(t *testing.T) {
	t.Parallel()

	assert.Equal(t, []string{"cp", "https://s/c/a?sig", "/stage/a"}, DownloadArgs("https://s/c/a?sig", "/stage/a"))
	assert.Equal(t,
		[]string{"cp", "/stage/a", "https://d/c/a?sig", "--block-blob-tier", "Archive", "--overwrite=false"},
		UploadArgs("/stage/a", "https://d/c/a?sig", "Archive", false))
}

func TestRedact(t *testing.T) {
	t.Parallel()

	got := Redact([]string{"cp", "https://s/c/a?sv=1&sig=secret", "/stage/a", "https://d/c/a"})
	assert.Equal(t, []string{"cp", "https://s/c/a?<signature>", "/stage/a", "https://d/c/a"}, got)
}
