// Package rootfs stages the ephemeral filesystem tree presented to a
// sandboxed container. The tree lives for exactly one execution and is
// removed when its owning handle closes, regardless of the run outcome.
package rootfs

import (
	"archive/tar"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"

	"github.com/wasmdock/wasmdock/internal/domain"
	"github.com/wasmdock/wasmdock/pkg/logger"
)

var baseDirs = []string{
	"bin", "boot", "dev", "etc", "home", "lib", "lib64",
	"media", "mnt", "opt", "proc", "root", "run", "sbin",
	"srv", "sys", "tmp", "usr", "var",
}

var usrDirs = []string{"bin", "sbin", "lib", "lib64", "local", "share", "include"}

var varDirs = []string{"log", "cache", "lib", "run", "tmp"}

// deviceNames are conventional device paths created as path-existence
// placeholders. The sandbox has no kernel device access, so no functional
// device behavior exists behind them.
var deviceNames = []string{"null", "zero", "random", "urandom", "tty", "console"}

// StagedRoot is an ephemeral directory tree exclusively owned by one
// execution. It tracks the ordered list of applied layers for audit.
type StagedRoot struct {
	containerID string
	dir         string
	layers      []string
}

// Stage allocates a fresh root, populates the directory skeleton and
// writes the synthetic system files keyed by the container id.
func Stage(containerID string) (*StagedRoot, error) {
	dir, err := os.MkdirTemp("", "wasmdock-rootfs-")
	if err != nil {
		return nil, fmt.Errorf("allocating staged root: %w", err)
	}

	root := &StagedRoot{containerID: containerID, dir: dir}
	if err := root.createSkeleton(); err != nil {
		root.Close()
		return nil, err
	}
	if err := root.writeSyntheticFiles(); err != nil {
		root.Close()
		return nil, err
	}

	logger.Debug("Staged root filesystem", "container", containerID, "path", dir)
	return root, nil
}

// Path returns the root of the staged tree.
func (r *StagedRoot) Path() string {
	return r.dir
}

// Layers returns the ordered list of applied layer archives.
func (r *StagedRoot) Layers() []string {
	return r.layers
}

// Close removes the staged tree. Safe to call more than once.
func (r *StagedRoot) Close() error {
	if r.dir == "" {
		return nil
	}
	// Read-only mounts drop directory write permission, which would block
	// removal; restore it first.
	_ = filepath.WalkDir(r.dir, func(p string, d fs.DirEntry, err error) error {
		if err == nil && d.IsDir() {
			_ = os.Chmod(p, 0o755)
		}
		return nil
	})
	err := os.RemoveAll(r.dir)
	r.dir = ""
	return err
}

func (r *StagedRoot) createSkeleton() error {
	for _, d := range baseDirs {
		if err := os.MkdirAll(filepath.Join(r.dir, d), 0o755); err != nil {
			return fmt.Errorf("creating skeleton dir %s: %w", d, err)
		}
	}
	for _, d := range usrDirs {
		if err := os.MkdirAll(filepath.Join(r.dir, "usr", d), 0o755); err != nil {
			return fmt.Errorf("creating skeleton dir usr/%s: %w", d, err)
		}
	}
	for _, d := range varDirs {
		if err := os.MkdirAll(filepath.Join(r.dir, "var", d), 0o755); err != nil {
			return fmt.Errorf("creating skeleton dir var/%s: %w", d, err)
		}
	}
	return nil
}

// writeSyntheticFiles seeds /proc and /etc with plausible static content.
// Programs reading well-known paths see text, not live kernel state.
func (r *StagedRoot) writeSyntheticFiles() error {
	files := map[string]string{
		"proc/cpuinfo":    "processor\t: 0\nvendor_id\t: WASM\nmodel name\t: WASM Container Runtime\n",
		"proc/meminfo":    "MemTotal:        8388608 kB\nMemFree:         4194304 kB\n",
		"etc/resolv.conf": "nameserver 8.8.8.8\nnameserver 8.8.4.4\n",
		"etc/hostname":    r.containerID,
		"etc/hosts":       fmt.Sprintf("127.0.0.1\tlocalhost\n127.0.1.1\t%s\n", r.containerID),
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(r.dir, name), []byte(content), 0o644); err != nil {
			return fmt.Errorf("writing %s: %w", name, err)
		}
	}
	return nil
}

// CreateDeviceNodes creates placeholder entries for conventional device
// paths.
func (r *StagedRoot) CreateDeviceNodes() error {
	for _, name := range deviceNames {
		path := filepath.Join(r.dir, "dev", name)
		if err := os.WriteFile(path, nil, 0o644); err != nil {
			return fmt.Errorf("creating device placeholder %s: %w", name, err)
		}
	}
	return nil
}

// ApplyLayer extracts one gzipped tar archive onto the root and appends it
// to the applied-layer list. Layers must be applied in ascending order; a
// corrupt archive aborts startup before the sandbox is built.
func (r *StagedRoot) ApplyLayer(archive string) error {
	logger.Debug("Applying layer", "container", r.containerID, "layer", archive)

	f, err := os.Open(archive)
	if err != nil {
		return fmt.Errorf("opening layer %s: %w", archive, err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", domain.ErrLayerCorrupt, archive, err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("%w: %s: %v", domain.ErrLayerCorrupt, archive, err)
		}
		if err := r.extractEntry(hdr, tr); err != nil {
			return err
		}
	}

	r.layers = append(r.layers, archive)
	return nil
}

func (r *StagedRoot) extractEntry(hdr *tar.Header, tr *tar.Reader) error {
	target, err := r.resolve(hdr.Name)
	if err != nil {
		return err
	}

	switch hdr.Typeflag {
	case tar.TypeDir:
		return os.MkdirAll(target, os.FileMode(hdr.Mode)|0o700)
	case tar.TypeReg:
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode))
		if err != nil {
			return err
		}
		if _, err := io.Copy(out, tr); err != nil {
			out.Close()
			return fmt.Errorf("%w: %v", domain.ErrLayerCorrupt, err)
		}
		return out.Close()
	case tar.TypeSymlink:
		linkname, err := r.confineLinkname(target, hdr.Linkname)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		return os.Symlink(linkname, target)
	default:
		// Hard links, devices and the like have no meaning inside the
		// sandbox; skip them.
		return nil
	}
}

// confineLinkname keeps a symlink's resolution inside the staged root. The
// directory capability handed to the sandbox follows symlinks on the host,
// so a linkname resolving outside the root would punch through the isolation
// boundary. Absolute linknames are rewritten to resolve under the root;
// relative ones must not climb out of it.
func (r *StagedRoot) confineLinkname(target, linkname string) (string, error) {
	if filepath.IsAbs(linkname) {
		return filepath.Join(r.dir, filepath.Clean("/"+linkname)), nil
	}
	resolved := filepath.Join(filepath.Dir(target), linkname)
	if resolved != r.dir && !strings.HasPrefix(resolved, r.dir+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: symlink %s -> %s", domain.ErrLayerEscape, target, linkname)
	}
	return linkname, nil
}

// MountVolume copies the host path's contents into the root at the mount's
// container path. Copy, never link: the staged tree must stay
// self-contained. A read-only mount drops write permission from everything
// copied in.
func (r *StagedRoot) MountVolume(mount domain.VolumeMount) error {
	target, err := r.resolve(mount.ContainerPath)
	if err != nil {
		return err
	}

	info, err := os.Stat(mount.HostPath)
	if err != nil {
		return fmt.Errorf("%w: %s", domain.ErrVolumeMissing, mount.HostPath)
	}

	if info.IsDir() {
		if err := copyDir(mount.HostPath, target); err != nil {
			return err
		}
	} else {
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		if err := copyFile(mount.HostPath, target); err != nil {
			return err
		}
	}

	if mount.ReadOnly {
		return stripWrite(target)
	}
	return nil
}

// stripWrite removes write permission from path and everything under it.
func stripWrite(path string) error {
	return filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return os.Chmod(p, 0o555)
		}
		return os.Chmod(p, 0o444)
	})
}

// resolve normalizes a container path against the root: the absolute
// prefix is stripped and traversal outside the root is rejected.
func (r *StagedRoot) resolve(containerPath string) (string, error) {
	cleaned := filepath.Clean("/" + strings.TrimPrefix(containerPath, "/"))
	target := filepath.Join(r.dir, cleaned)
	if target != r.dir && !strings.HasPrefix(target, r.dir+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", domain.ErrVolumeEscape, containerPath)
	}
	return target, nil
}

func copyDir(src, dst string) error {
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return err
	}
	entries, err := os.ReadDir(src)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		srcPath := filepath.Join(src, entry.Name())
		dstPath := filepath.Join(dst, entry.Name())
		if entry.IsDir() {
			if err := copyDir(srcPath, dstPath); err != nil {
				return err
			}
			continue
		}
		if err := copyFile(srcPath, dstPath); err != nil {
			return err
		}
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
