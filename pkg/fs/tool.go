package fs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/maxdollinger/docker2vm/pkg/issue"
)

// CommandResult is the outcome of a command that ran to completion.
type CommandResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Output returns the trimmed stderr, or stdout when stderr is empty.
func (r CommandResult) Output() string {
	if s := strings.TrimSpace(r.Stderr); s != "" {
		return s
	}
	return strings.TrimSpace(r.Stdout)
}

// CommandRunner runs external programs. A non-zero exit status is reported in
// the result, not as an error; errors mean the program could not run at all.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) (CommandResult, error)
}

type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, name string, args ...string) (CommandResult, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := CommandResult{Stdout: stdout.String(), Stderr: stderr.String()}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		result.ExitCode = exitErr.ExitCode()
		return result, nil
	}
	if err != nil {
		return result, err
	}
	return result, nil
}

var (
	debugfsCandidates = []string{
		"debugfs",
		"/opt/homebrew/opt/e2fsprogs/sbin/debugfs",
		"/opt/homebrew/opt/e2fsprogs/bin/debugfs",
		"/usr/local/opt/e2fsprogs/sbin/debugfs",
		"/usr/local/opt/e2fsprogs/bin/debugfs",
	}

	mke2fsCandidates = []string{
		"mke2fs",
		"mkfs.ext4",
		"/opt/homebrew/opt/e2fsprogs/sbin/mke2fs",
		"/opt/homebrew/opt/e2fsprogs/bin/mke2fs",
		"/opt/homebrew/opt/e2fsprogs/sbin/mkfs.ext4",
		"/opt/homebrew/opt/e2fsprogs/bin/mkfs.ext4",
		"/usr/local/opt/e2fsprogs/sbin/mke2fs",
		"/usr/local/opt/e2fsprogs/bin/mke2fs",
		"/usr/local/opt/e2fsprogs/sbin/mkfs.ext4",
		"/usr/local/opt/e2fsprogs/bin/mkfs.ext4",
	}
)

// FindTool returns the first candidate that answers "-V". e2fsprogs tools
// exit with 0 or 1 for it depending on the build.
func FindTool(ctx context.Context, runner CommandRunner, name string, candidates []string) (string, error) {
	for _, candidate := range candidates {
		result, err := runner.Run(ctx, candidate, "-V")
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			continue
		}
		if result.ExitCode == 0 || result.ExitCode == 1 {
			return candidate, nil
		}
	}

	return "", issue.New(issue.KindEnvironment, ErrToolNotFound,
		fmt.Sprintf("required command '%s' was not found", name),
		"Install e2fsprogs.",
		"macOS: brew install e2fsprogs",
		"Linux: sudo apt install e2fsprogs",
		fmt.Sprintf("If installed but not on PATH, expose %s from your e2fsprogs installation.", name))
}

func FindDebugfs(ctx context.Context, runner CommandRunner) (string, error) {
	return FindTool(ctx, runner, "debugfs", debugfsCandidates)
}

func FindMke2fs(ctx context.Context, runner CommandRunner) (string, error) {
	return FindTool(ctx, runner, "mke2fs", mke2fsCandidates)
}

// commandLine renders a command for error hints.
func commandLine(name string, args ...string) string {
	quoted := make([]string, 0, len(args)+1)
	quoted = append(quoted, name)
	for _, arg := range args {
		if strings.ContainsAny(arg, " \t") {
			arg = fmt.Sprintf("%q", arg)
		}
		quoted = append(quoted, arg)
	}
	return strings.Join(quoted, " ")
}

// toolFailure reports a tool run that exited non-zero.
func toolFailure(message, name string, args []string, result CommandResult, hints ...string) error {
	output := result.Output()
	if output == "" {
		output = fmt.Sprintf("Unknown %s failure.", filepath.Base(name))
	}
	all := append([]string{"Command: " + commandLine(name, args...), output}, hints...)
	return issue.New(issue.KindEnvironment, ErrToolFailed, message, all...)
}
