// Package console holds the terminal plumbing shared by the command line tools.
package console

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/lmittmann/tint"
	"golang.org/x/term"

	"blobmover/pkg/models"
)

// Exit statuses of the command line tools
const (
	ExitOK      = 0
	ExitFailure = 1
	ExitSetup   = 2
)

var (
	green  = color.New(color.FgGreen).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
)

// ParseLevel maps debug, info, warn and error to slog levels; anything else is info
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// SetupLogging installs a tint handler on stderr as the default logger
func SetupLogging(level string) {
	slog.SetDefault(slog.New(
		tint.NewHandler(os.Stderr, &tint.Options{
			Level:      ParseLevel(level),
			TimeFormat: time.Kitchen,
			NoColor:    !IsTerminal(os.Stderr),
		}),
	))
}

// IsTerminal reports whether f is attached to a terminal
func IsTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

// Success prints a final success line
func Success(w io.Writer, format string, args ...any) {
	fmt.Fprintln(w, green(fmt.Sprintf(format, args...)))
}

// Failure prints a final error line
func Failure(w io.Writer, err error) {
	fmt.Fprintln(w, red(fmt.Sprintf("Error: %v", err)))
}

// Warning prints a highlighted notice
func Warning(w io.Writer, format string, args ...any) {
	fmt.Fprintln(w, yellow(fmt.Sprintf(format, args...)))
}

// ExitCode maps the error a command returned to the process exit status.
// Configuration and selection errors stop a run before any object moves.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case models.IsFatal(err):
		return ExitSetup
	default:
		return ExitFailure
	}
}

// Pause waits for the operator to press Enter. It returns at once when stdin
// is not a terminal so scripted runs never block.
func Pause(w io.Writer) {
	if !IsTerminal(os.Stdin) {
		return
	}
	waitForEnter(os.Stdin, w)
}

func waitForEnter(in io.Reader, w io.Writer) {
	fmt.Fprint(w, "Press Enter to finish...")
	_, _ = bufio.NewReader(in).ReadString('\n')
	fmt.Fprintln(w)
}
