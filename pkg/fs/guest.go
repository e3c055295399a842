package fs

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/maxdollinger/docker2vm/pkg/issue"
)

// TestedGuestVersion is the gondolin release whose guest assets this
// converter was verified against.
const TestedGuestVersion = "0.2.1"

const (
	KernelFileName    = "vmlinuz-virt"
	InitramfsFileName = "initramfs.cpio.lz4"
	RootfsFileName    = "rootfs.ext4"
	guestManifestName = "manifest.json"
)

// GuestAssets are the files of a gondolin guest: kernel, initramfs and the
// base rootfs image the runtime is taken from.
type GuestAssets struct {
	Dir           string
	KernelPath    string
	InitramfsPath string
	RootfsPath    string
}

// GuestLocator finds guest assets. An explicit Dir wins; otherwise the
// version directories below CacheRoot are tried newest first.
type GuestLocator struct {
	Dir       string
	CacheRoot string
}

func (l GuestLocator) Locate() (*GuestAssets, error) {
	if strings.TrimSpace(l.Dir) != "" {
		dir, err := filepath.Abs(l.Dir)
		if err != nil {
			return nil, fmt.Errorf("resolve guest directory: %w", err)
		}
		return loadGuestAssets(dir,
			"Verify GONDOLIN_GUEST_DIR points to a valid gondolin guest asset directory.")
	}

	for _, dir := range cachedGuestDirs(l.CacheRoot) {
		if assets, err := loadGuestAssets(dir, ""); err == nil {
			return assets, nil
		}
	}

	return nil, issue.New(issue.KindEnvironment, ErrGuestAssetsNotFound,
		"gondolin guest assets were not found",
		fmt.Sprintf("Install gondolin CLI separately (tested with @earendil-works/gondolin@%s).", TestedGuestVersion),
		"Run once to populate guest assets: gondolin exec -- /bin/true",
		fmt.Sprintf("Or set GONDOLIN_GUEST_DIR to a directory containing: %s, %s, %s.", KernelFileName, InitramfsFileName, RootfsFileName),
		"Expected cache location: ~/.cache/gondolin/<version>/")
}

// cachedGuestDirs lists the directories below root: semver names first,
// highest version first, then the rest in reverse lexical order.
func cachedGuestDirs(root string) []string {
	if root == "" {
		return nil
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil
	}

	type candidate struct {
		name    string
		version *semver.Version
	}
	var candidates []candidate
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		c := candidate{name: entry.Name()}
		if v, err := semver.StrictNewVersion(strings.TrimPrefix(entry.Name(), "v")); err == nil {
			c.version = v
		}
		candidates = append(candidates, c)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		switch {
		case a.version != nil && b.version != nil:
			return a.version.GreaterThan(b.version)
		case a.version != nil:
			return true
		case b.version != nil:
			return false
		default:
			return a.name > b.name
		}
	})

	dirs := make([]string, 0, len(candidates))
	for _, c := range candidates {
		dirs = append(dirs, filepath.Join(root, c.name))
	}
	return dirs
}

type guestManifest struct {
	Assets struct {
		Kernel    string `json:"kernel"`
		Initramfs string `json:"initramfs"`
		Rootfs    string `json:"rootfs"`
	} `json:"assets"`
}

// guestFileNames reads the asset names from dir/manifest.json, falling back
// to the default names for anything missing or unreadable.
func guestFileNames(dir string) (kernel, initramfs, rootfs string) {
	kernel, initramfs, rootfs = KernelFileName, InitramfsFileName, RootfsFileName

	data, err := os.ReadFile(filepath.Join(dir, guestManifestName))
	if err != nil {
		return
	}
	var m guestManifest
	if err := json.Unmarshal(data, &m); err != nil {
		return
	}
	if m.Assets.Kernel != "" {
		kernel = m.Assets.Kernel
	}
	if m.Assets.Initramfs != "" {
		initramfs = m.Assets.Initramfs
	}
	if m.Assets.Rootfs != "" {
		rootfs = m.Assets.Rootfs
	}
	return
}

func loadGuestAssets(dir, hint string) (*GuestAssets, error) {
	kernel, initramfs, rootfs := guestFileNames(dir)
	assets := &GuestAssets{
		Dir:           dir,
		KernelPath:    filepath.Join(dir, kernel),
		InitramfsPath: filepath.Join(dir, initramfs),
		RootfsPath:    filepath.Join(dir, rootfs),
	}

	var missing []string
	for name, p := range map[string]string{kernel: assets.KernelPath, initramfs: assets.InitramfsPath, rootfs: assets.RootfsPath} {
		if _, err := os.Stat(p); err != nil {
			missing = append(missing, name)
		}
	}
	if len(missing) == 0 {
		return assets, nil
	}
	sort.Strings(missing)

	if hint == "" {
		hint = "Run 'gondolin exec -- /bin/true' to download guest assets into the cache."
	}
	return nil, issue.New(issue.KindEnvironment, ErrGuestAssetsIncomplete,
		"gondolin guest assets are incomplete",
		"Directory: "+dir,
		"Missing files: "+strings.Join(missing, ", "),
		hint)
}
