package builder

import (
	"github.com/maxdollinger/docker2vm/pkg/fs"
	"github.com/maxdollinger/docker2vm/pkg/oci"
)

const CommandName = "oci2vm"

// Step is one stage of a conversion as reported by a dry run.
type Step struct {
	ID             string `json:"id"`
	Stage          string `json:"stage"`
	Description    string `json:"description"`
	Implementation string `json:"implementation"`
}

var pipelineSteps = []Step{
	{
		ID:             "resolve-manifest",
		Stage:          "resolver",
		Description:    "Resolve OCI manifest (or index) for the requested platform.",
		Implementation: "implemented",
	},
	{
		ID:             "fetch-and-verify-blobs",
		Stage:          "puller",
		Description:    "Download/read config and layer blobs and verify sha256 digests.",
		Implementation: "implemented",
	},
	{
		ID:             "apply-layers",
		Stage:          "layer-apply",
		Description:    "Apply ordered layers with whiteout semantics and secure extraction checks.",
		Implementation: "implemented",
	},
	{
		ID:             "inject-runtime-and-build-ext4",
		Stage:          "materialize",
		Description:    "Inject Gondolin runtime files and build rootfs.ext4.",
		Implementation: "implemented",
	},
	{
		ID:             "emit-output",
		Stage:          "materialize",
		Description:    "Emit mode-specific metadata and optional assets bundle.",
		Implementation: "implemented",
	},
}

// DryRunPlan describes what Convert would do for a set of options.
type DryRunPlan struct {
	Command  string       `json:"command"`
	DryRun   bool         `json:"dryRun"`
	Source   oci.Source   `json:"source"`
	Platform oci.Platform `json:"platform"`
	Mode     fs.Mode      `json:"mode"`
	OutDir   string       `json:"outDir"`
	Steps    []Step       `json:"steps"`
}

// Plan validates opts and returns the dry-run plan without touching the
// network or the filesystem.
func Plan(opts Options) (*DryRunPlan, error) {
	opts, err := opts.normalize()
	if err != nil {
		return nil, err
	}

	return &DryRunPlan{
		Command:  CommandName,
		DryRun:   true,
		Source:   opts.Source,
		Platform: opts.Platform,
		Mode:     opts.Mode,
		OutDir:   opts.OutDir,
		Steps:    append([]Step(nil), pipelineSteps...),
	}, nil
}
