// Package disk provisions guest disk images and keeps them bootable across
// host crashes: an existing image is checked before every launch, repaired in
// place when the checker can, and recreated when it cannot.
package disk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/projecteru2/core/log"

	"github.com/projecteru2/vmbridge/config"
	"github.com/projecteru2/vmbridge/types"
	"github.com/projecteru2/vmbridge/utils"
)

// ErrCheckFailed means the checker itself could not run to completion.
var ErrCheckFailed = errors.New("disk check failed")

// Spec describes the disk a target needs.
type Spec struct {
	Target types.Target
	Path   string
	Format types.DiskFormat
	Size   int64 // bytes
}

// Result reports what Ensure did.
type Result struct {
	Path   string
	Format types.DiskFormat
	Status types.DiskStatus
	Detail string // checker output summary, empty when clean or created
}

// health is the checker's verdict on an existing image.
type health int

const (
	healthy health = iota
	repaired
	corrupt
)

// corruptSignatures identify damage the checker cannot fix in place.
var corruptSignatures = []string{
	"superblock checksum does not match",
	"bad magic number in super-block",
	"corrupted orphan linked list",
	"orphan file",
	"orphaned inode table",
	"unexpected inconsistency",
	"corruptions were found",
	"image is corrupt",
}

// Provisioner creates and checks disk images with host tools.
type Provisioner struct {
	tools        config.ToolsConfig
	checkTimeout time.Duration
	runner       Runner
}

// New creates a Provisioner that shells out with os/exec.
func New(conf *config.Config) *Provisioner {
	return NewWithRunner(conf, ExecRunner{})
}

// NewWithRunner creates a Provisioner with a custom tool runner.
func NewWithRunner(conf *config.Config, runner Runner) *Provisioner {
	return &Provisioner{tools: conf.Tools, checkTimeout: conf.Timing.DiskCheckTimeout, runner: runner}
}

// Ensure makes spec.Path a usable disk image. Healthy images are left
// untouched, so calling it repeatedly is safe.
func (p *Provisioner) Ensure(ctx context.Context, spec Spec) (*Result, error) {
	logger := log.WithFunc("disk.Ensure")
	res := &Result{Path: spec.Path, Format: spec.Format}

	if err := utils.EnsureDirs(filepath.Dir(spec.Path)); err != nil {
		return nil, err
	}

	// Missing, or left empty by an interrupted create.
	if !utils.ValidFile(spec.Path) {
		if err := utils.RemoveIfExists(spec.Path); err != nil {
			return nil, err
		}
		if err := p.create(ctx, spec); err != nil {
			return nil, err
		}
		logger.Infof(ctx, "%s: created %s disk %s", spec.Target, spec.Format, spec.Path)
		res.Status = types.DiskCreated
		return res, nil
	}

	h, detail, err := p.check(ctx, spec)
	if err != nil {
		return nil, err
	}
	res.Detail = detail
	switch h {
	case healthy:
		res.Status = types.DiskClean
	case repaired:
		logger.Warnf(ctx, "%s: disk %s repaired in place: %s", spec.Target, spec.Path, detail)
		res.Status = types.DiskRepaired
	case corrupt:
		logger.Warnf(ctx, "%s: disk %s is corrupt, recreating: %s", spec.Target, spec.Path, detail)
		if err := os.Remove(spec.Path); err != nil {
			return nil, fmt.Errorf("remove corrupt disk %s: %w", spec.Path, err)
		}
		if err := p.create(ctx, spec); err != nil {
			return nil, err
		}
		res.Status = types.DiskRecreated
	}
	return res, nil
}

// Check inspects an existing image without recreating it.
func (p *Provisioner) Check(ctx context.Context, spec Spec) (types.DiskStatus, string, error) {
	h, detail, err := p.check(ctx, spec)
	if err != nil {
		return "", "", err
	}
	switch h {
	case repaired:
		return types.DiskRepaired, detail, nil
	case corrupt:
		return "", detail, fmt.Errorf("%s: corrupt: %s", spec.Path, detail)
	}
	return types.DiskClean, detail, nil
}

// HasSnapshot reports whether a qcow2 image carries an internal snapshot
// named tag. Formats without snapshots always report false.
func (p *Provisioner) HasSnapshot(ctx context.Context, spec Spec, tag string) (bool, error) {
	if tag == "" || !spec.Format.Snapshots() {
		return false, nil
	}
	out, code, err := p.runner.Run(ctx, p.tools.QEMUImg, "snapshot", "-l", spec.Path)
	if err != nil {
		return false, err
	}
	if code != 0 {
		return false, fmt.Errorf("qemu-img snapshot -l %s: exit %d: %s", spec.Path, code, summarize(out))
	}
	// Table rows: ID TAG VM-SIZE DATE VM-CLOCK [ICOUNT]
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) >= 2 && fields[1] == tag {
			return true, nil
		}
	}
	return false, nil
}

// Remove deletes an image; a missing file is not an error.
func (p *Provisioner) Remove(path string) error {
	return utils.RemoveIfExists(path)
}

// create builds the image under a temp name in the target directory and
// renames it into place, so an interrupted create never leaves a half-made disk.
func (p *Provisioner) create(ctx context.Context, spec Spec) error {
	if spec.Size <= 0 {
		return fmt.Errorf("create %s: size must be positive", spec.Path)
	}
	tmp, err := os.CreateTemp(filepath.Dir(spec.Path), ".tmp-*"+spec.Format.Ext())
	if err != nil {
		return fmt.Errorf("create temp disk: %w", err)
	}
	tmpPath := tmp.Name()
	_ = tmp.Close()

	if err := p.format(ctx, spec, tmpPath); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, spec.Path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename disk into place: %w", err)
	}
	return utils.SyncParentDir(filepath.Dir(spec.Path))
}

func (p *Provisioner) format(ctx context.Context, spec Spec, path string) error {
	switch spec.Format {
	case types.DiskQCOW2:
		// qemu-img refuses to overwrite without this on some versions; the file is our temp.
		_ = os.Remove(path)
		return p.tool(ctx, p.tools.QEMUImg, "create", "-f", "qcow2", "-o", "compat=1.1", path, strconv.FormatInt(spec.Size, 10))
	case types.DiskRaw:
		if err := os.Truncate(path, spec.Size); err != nil {
			return fmt.Errorf("allocate sparse file %s: %w", path, err)
		}
		label := string(spec.Target)
		if len(label) > 16 { //nolint:mnd
			label = label[:16]
		}
		return p.tool(ctx, p.tools.Mkfs, "-F", "-q", "-L", label,
			"-E", "lazy_itable_init=1,lazy_journal_init=1", path)
	default:
		return fmt.Errorf("unsupported disk format %q", spec.Format)
	}
}

func (p *Provisioner) tool(ctx context.Context, name string, args ...string) error {
	out, code, err := p.runner.Run(ctx, name, args...)
	if err != nil {
		return err
	}
	if code != 0 {
		return fmt.Errorf("%s %s: exit %d: %s", filepath.Base(name), args[0], code, out)
	}
	return nil
}

func (p *Provisioner) check(ctx context.Context, spec Spec) (health, string, error) {
	if p.checkTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.checkTimeout)
		defer cancel()
	}
	switch spec.Format {
	case types.DiskQCOW2:
		return p.checkQCOW2(ctx, spec.Path)
	case types.DiskRaw:
		return p.checkExt4(ctx, spec.Path)
	default:
		return healthy, "", fmt.Errorf("unsupported disk format %q", spec.Format)
	}
}

// checkExt4 runs e2fsck in preen mode. Exit status bits: 1 and 2 mean errors
// were corrected, 4 means errors remain, 8 is an operational error (usually
// no filesystem at all).
func (p *Provisioner) checkExt4(ctx context.Context, path string) (health, string, error) {
	out, code, err := p.runner.Run(ctx, p.tools.Fsck, "-f", "-p", path)
	if err != nil {
		return healthy, "", fmt.Errorf("%w: %v", ErrCheckFailed, err)
	}
	if code < 0 {
		return healthy, "", fmt.Errorf("%w: e2fsck killed: %s", ErrCheckFailed, summarize(out))
	}
	if hasCorruptSignature(out) {
		return corrupt, summarize(out), nil
	}
	switch {
	case code == 0:
		return healthy, "", nil
	case code&(4|8) != 0:
		return corrupt, summarize(out), nil
	case code&(1|2) != 0 && code < 4:
		return repaired, summarize(out), nil
	default:
		return healthy, "", fmt.Errorf("%w: e2fsck exit %d: %s", ErrCheckFailed, code, summarize(out))
	}
}

// checkQCOW2 confirms the header really is qcow2, then runs qemu-img check
// repairing leaks. qemu-img check exit codes: 0 clean, 2 corrupt,
// 3 leaks left behind, 63 format cannot be checked.
func (p *Provisioner) checkQCOW2(ctx context.Context, path string) (health, string, error) {
	if format, err := p.detectFormat(ctx, path); err != nil {
		return corrupt, err.Error(), nil
	} else if format != string(types.DiskQCOW2) {
		return corrupt, fmt.Sprintf("expected qcow2, found %s", format), nil
	}

	out, code, err := p.runner.Run(ctx, p.tools.QEMUImg, "check", "-r", "leaks", path)
	if err != nil {
		return healthy, "", fmt.Errorf("%w: %v", ErrCheckFailed, err)
	}
	lower := strings.ToLower(out)
	switch {
	case code == 2 || hasCorruptSignature(out): //nolint:mnd
		return corrupt, summarize(out), nil
	case code == 3: //nolint:mnd
		return repaired, summarize(out), nil
	case code == 0 && (strings.Contains(lower, "were found and repaired") || strings.Contains(lower, "leaked clusters were repaired")):
		return repaired, summarize(out), nil
	case code == 0, code == 63: //nolint:mnd
		return healthy, "", nil
	default:
		return healthy, "", fmt.Errorf("%w: qemu-img check exit %d: %s", ErrCheckFailed, code, summarize(out))
	}
}

// detectFormat reads only the top-level "format" of qemu-img info; nested
// children carry the protocol layer ("file") which must be ignored.
func (p *Provisioner) detectFormat(ctx context.Context, path string) (string, error) {
	out, code, err := p.runner.Run(ctx, p.tools.QEMUImg, "info", "--output=json", path)
	if err != nil {
		return "", fmt.Errorf("qemu-img info %s: %w", path, err)
	}
	if code != 0 {
		return "", fmt.Errorf("qemu-img info %s: exit %d: %s", path, code, summarize(out))
	}
	var info struct {
		Format string `json:"format"`
	}
	if err := json.Unmarshal([]byte(out), &info); err != nil {
		return "", fmt.Errorf("parse qemu-img info: %w", err)
	}
	return info.Format, nil
}

func hasCorruptSignature(out string) bool {
	lower := strings.ToLower(out)
	for _, sig := range corruptSignatures {
		if strings.Contains(lower, sig) {
			return true
		}
	}
	return false
}

// summarize keeps the last non-empty line of tool output, which is where
// e2fsck and qemu-img put their verdict.
func summarize(out string) string {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if l := strings.TrimSpace(lines[i]); l != "" {
			return l
		}
	}
	return ""
}
