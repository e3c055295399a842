package fs

import (
	"context"
	"fmt"
	"os"
	"regexp"
)

const e2fsprogsHint = "Ensure e2fsprogs is installed and gondolin guest assets are intact."

var notFoundByLookup = regexp.MustCompile(`(?i)file not found by ext2_lookup`)

// debugfs reads files out of an ext4 image without mounting it.
type debugfs struct {
	runner CommandRunner
	cmd    string
	image  string
}

func (d debugfs) request(ctx context.Context, request string) ([]string, CommandResult, error) {
	args := []string{"-R", request, d.image}
	result, err := d.runner.Run(ctx, d.cmd, args...)
	if err != nil {
		return args, result, fmt.Errorf("run %s: %w", d.cmd, err)
	}
	return args, result, nil
}

// exists reports whether p is present in the image.
func (d debugfs) exists(ctx context.Context, p string) bool {
	_, result, err := d.request(ctx, "stat "+p)
	if err != nil || result.ExitCode != 0 {
		return false
	}
	return !notFoundByLookup.MatchString(result.Stdout + "\n" + result.Stderr)
}

// rdump copies the directory src of the image into destParent.
func (d debugfs) rdump(ctx context.Context, src, destParent, produced, message string) error {
	args, result, err := d.request(ctx, fmt.Sprintf("rdump %s %s", src, destParent))
	if err != nil {
		return err
	}
	if _, statErr := os.Lstat(produced); result.ExitCode != 0 || statErr != nil {
		return toolFailure(message, d.cmd, args, result, e2fsprogsHint)
	}
	return nil
}

// dump copies the file src of the image to dest, keeping its permissions.
func (d debugfs) dump(ctx context.Context, src, dest, message string) error {
	args, result, err := d.request(ctx, fmt.Sprintf("dump -p %s %s", src, dest))
	if err != nil {
		return err
	}
	if _, statErr := os.Lstat(dest); result.ExitCode != 0 || statErr != nil {
		return toolFailure(message, d.cmd, args, result, e2fsprogsHint)
	}
	return nil
}
