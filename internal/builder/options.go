package builder

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/maxdollinger/docker2vm/pkg/fs"
	"github.com/maxdollinger/docker2vm/pkg/issue"
	"github.com/maxdollinger/docker2vm/pkg/oci"
)

// Options selects the image to convert and where the output goes.
type Options struct {
	Source oci.Source
	// Platform defaults to the host platform.
	Platform oci.Platform
	// Mode defaults to fs.ModeRootfs.
	Mode   fs.Mode
	OutDir string
}

// normalize fills defaults and makes local paths absolute.
func (o Options) normalize() (Options, error) {
	switch src := o.Source.(type) {
	case oci.ImageSource:
		if strings.TrimSpace(src.Ref) == "" {
			return o, missingSource()
		}
	case oci.LayoutSource:
		abs, err := absPath(src.Path)
		if err != nil {
			return o, err
		}
		o.Source = oci.LayoutSource{Path: abs}
	case oci.ArchiveSource:
		abs, err := absPath(src.Path)
		if err != nil {
			return o, err
		}
		o.Source = oci.ArchiveSource{Path: abs}
	default:
		return o, missingSource()
	}

	if strings.TrimSpace(o.OutDir) == "" {
		return o, issue.New(issue.KindUsage, ErrMissingOutDir,
			"Missing required --out option.",
			"Specify where output files should be written.",
			"Example: --out ./out/my-image")
	}
	outDir, err := filepath.Abs(o.OutDir)
	if err != nil {
		return o, fmt.Errorf("resolve output directory: %w", err)
	}
	o.OutDir = outDir

	mode, err := fs.ParseMode(string(o.Mode))
	if err != nil {
		return o, err
	}
	o.Mode = mode

	if o.Platform == (oci.Platform{}) {
		if o.Platform, err = oci.DefaultPlatform(); err != nil {
			return o, err
		}
	}

	return o, nil
}

func absPath(p string) (string, error) {
	if strings.TrimSpace(p) == "" {
		return "", missingSource()
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", fmt.Errorf("resolve source path: %w", err)
	}
	return abs, nil
}

func missingSource() error {
	return issue.New(issue.KindUsage, ErrMissingSource,
		"Exactly one input source is required.",
		"Pass one of: --image, --oci-layout, --oci-tar.",
		"Example: oci2vm convert --image ghcr.io/org/app:latest --out ./out --dry-run")
}
