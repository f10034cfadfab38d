package archive

import (
	"archive/zip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/klauspost/compress/flate"

	"github.com/platinummonkey/hangar/pkg/selection"
	"github.com/platinummonkey/hangar/pkg/store"
	"github.com/platinummonkey/hangar/pkg/version"
)

// MaxUncompressedBytes is the hard cap on an archive's uncompressed total.
const MaxUncompressedBytes int64 = 16 << 30 // 17,179,869,184

const macosxDir = "__MACOSX"

// junkFiles are deleted wherever they appear in the tree.
var junkFiles = map[string]bool{
	".DS_Store":   true,
	"desktop.ini": true,
}

// lifecycle scripts that receive per-type defaults when absent.
var lifecycleScripts = []string{"install.ska", "uninstall.ska", "upgrade.ska"}

// Failure is a deterministic input fault. Status is the terminal state the
// version record should be moved to.
type Failure struct {
	Status store.VersionStatus
	Reason string
}

func (f *Failure) Error() string {
	return fmt.Sprintf("archive: %s: %s", f.Status, f.Reason)
}

// Config holds processor settings.
type Config struct {
	// TempRoot is where per-job work directories and output files live.
	TempRoot string

	// DefaultsDir holds default lifecycle scripts laid out as
	// <DefaultsDir>/<packageType>/<script>.
	DefaultsDir string

	// MaxUncompressed overrides the archive size cap; zero means the
	// default.
	MaxUncompressed int64
}

// Request describes one archive to process.
type Request struct {
	ArchivePath       string
	PackageID         string
	PackageName       string
	PackageType       store.PackageType
	Version           version.Version
	AuthorID          string
	Dependencies      []store.Dependency
	Incompatibilities []store.Dependency
	XPSelection       selection.Expr
}

// Result is the processed output. The caller owns OutputPath and must
// remove it when done.
type Result struct {
	OutputPath    string
	Hash          string // hex SHA-256 of the output file
	Size          int64  // on-disk size of the output file
	InstalledSize int64  // uncompressed size of the packed tree
}

// Processor validates, normalizes and repacks archives.
type Processor struct {
	cfg Config
}

// NewProcessor returns a processor rooted at cfg.TempRoot.
func NewProcessor(cfg Config) *Processor {
	if cfg.MaxUncompressed == 0 {
		cfg.MaxUncompressed = MaxUncompressedBytes
	}
	return &Processor{cfg: cfg}
}

// manifest is the synthesized manifest.json. Field order here is the wire
// order.
type manifest struct {
	ManifestVersion   int                `json:"manifestVersion"`
	PackageName       string             `json:"packageName"`
	PackageID         string             `json:"packageId"`
	PackageVersion    version.Version    `json:"packageVersion"`
	AuthorID          string             `json:"authorId"`
	Dependencies      []store.Dependency `json:"dependencies"`
	Incompatibilities []store.Dependency `json:"incompatibilities"`
	XPSelection       selection.Expr     `json:"xpSelection"`
}

// Process runs the full validation and repack. All transient work happens
// under a per-job directory that is removed on every exit path; the output
// file survives only on success.
func (p *Processor) Process(ctx context.Context, req Request) (*Result, error) {
	zr, err := zip.OpenReader(req.ArchivePath)
	if err != nil {
		return nil, &Failure{Status: store.StatusFailedServer, Reason: fmt.Sprintf("failed to open archive: %v", err)}
	}
	defer zr.Close()

	// Size pre-check before any extraction.
	var uncompressed int64
	for _, f := range zr.File {
		uncompressed += int64(f.UncompressedSize64)
	}
	if uncompressed >= p.cfg.MaxUncompressed {
		return nil, &Failure{Status: store.StatusFailedFileTooLarge,
			Reason: fmt.Sprintf("uncompressed size %d exceeds limit", uncompressed)}
	}

	hasMACOSX := false
	for _, f := range zr.File {
		if topLevelName(f.Name) == macosxDir {
			hasMACOSX = true
			break
		}
	}

	jobDir := filepath.Join(p.cfg.TempRoot, uuid.NewString())
	workDir := filepath.Join(jobDir, "tree")
	if err := os.MkdirAll(workDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create work dir: %w", err)
	}
	defer os.RemoveAll(jobDir)

	if err := extract(ctx, &zr.Reader, workDir); err != nil {
		return nil, err
	}

	root, err := effectiveRoot(workDir, hasMACOSX)
	if err != nil {
		return nil, err
	}

	if fi, err := os.Stat(filepath.Join(root, req.PackageID)); err != nil || !fi.IsDir() {
		return nil, &Failure{Status: store.StatusFailedNoFileDir,
			Reason: fmt.Sprintf("missing %s directory at archive root", req.PackageID)}
	}

	if _, err := os.Stat(filepath.Join(root, "manifest.json")); err == nil {
		return nil, &Failure{Status: store.StatusFailedManifestExists,
			Reason: "archive already contains a manifest.json"}
	}

	allowExec := req.PackageType == store.TypeExecutable
	if err := cleanTree(root, allowExec); err != nil {
		return nil, err
	}

	if err := writeManifest(root, req); err != nil {
		return nil, err
	}
	if err := p.copyDefaultScripts(root, req.PackageType); err != nil {
		return nil, err
	}

	outPath := filepath.Join(p.cfg.TempRoot, uuid.NewString()+".zip")
	installedSize, err := repack(ctx, root, outPath)
	if err != nil {
		os.Remove(outPath)
		return nil, err
	}

	hash, size, err := hashFile(outPath)
	if err != nil {
		os.Remove(outPath)
		return nil, fmt.Errorf("failed to hash output: %w", err)
	}

	return &Result{
		OutputPath:    outPath,
		Hash:          hash,
		Size:          size,
		InstalledSize: installedSize,
	}, nil
}

func topLevelName(name string) string {
	name = strings.TrimPrefix(name, "/")
	if i := strings.IndexByte(name, '/'); i >= 0 {
		return name[:i]
	}
	return name
}

// extract unpacks everything except __MACOSX into dst. The tree is kept
// private; entry exec bits are preserved so the walk can inspect them.
func extract(ctx context.Context, zr *zip.Reader, dst string) error {
	for _, f := range zr.File {
		if err := ctx.Err(); err != nil {
			return err
		}
		if topLevelName(f.Name) == macosxDir {
			continue
		}

		rel := filepath.FromSlash(strings.TrimPrefix(f.Name, "/"))
		target := filepath.Join(dst, rel)
		if !strings.HasPrefix(target, dst+string(os.PathSeparator)) && target != dst {
			return &Failure{Status: store.StatusFailedInvalidTypes,
				Reason: fmt.Sprintf("archive entry escapes the tree: %s", f.Name)}
		}

		mode := f.Mode()
		if mode&os.ModeSymlink != 0 {
			return &Failure{Status: store.StatusFailedInvalidTypes,
				Reason: fmt.Sprintf("archive contains a symlink: %s", f.Name)}
		}

		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o700); err != nil {
				return fmt.Errorf("failed to create directory: %w", err)
			}
			continue
		}

		if err := os.MkdirAll(filepath.Dir(target), 0o700); err != nil {
			return fmt.Errorf("failed to create directory: %w", err)
		}

		perm := mode.Perm()&0o777 | 0o600
		if err := extractFile(f, target, perm); err != nil {
			return err
		}
	}
	return nil
}

func extractFile(f *zip.File, target string, perm os.FileMode) error {
	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("failed to open archive entry: %w", err)
	}
	defer rc.Close()

	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer out.Close()

	if _, err := io.Copy(out, rc); err != nil {
		return fmt.Errorf("failed to extract file: %w", err)
	}
	return nil
}

// effectiveRoot resolves the directory the manifest and package directory
// live in. Archives zipped by macOS Finder wrap the content in a single
// sibling directory next to __MACOSX.
func effectiveRoot(workDir string, hasMACOSX bool) (string, error) {
	if !hasMACOSX {
		return workDir, nil
	}

	entries, err := os.ReadDir(workDir)
	if err != nil {
		return "", fmt.Errorf("failed to read work dir: %w", err)
	}
	if len(entries) == 1 && entries[0].IsDir() {
		return filepath.Join(workDir, entries[0].Name()), nil
	}
	return "", &Failure{Status: store.StatusFailedMACOSX,
		Reason: "archive was zipped improperly (macOS resource fork without a single content directory)"}
}

// cleanTree removes junk files and rejects symlinks and executables.
func cleanTree(root string, allowExec bool) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return fmt.Errorf("failed to walk tree: %w", err)
		}
		if path == root {
			return nil
		}

		if junkFiles[d.Name()] && !d.IsDir() {
			if err := os.Remove(path); err != nil {
				return fmt.Errorf("failed to remove junk file: %w", err)
			}
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return fmt.Errorf("failed to stat entry: %w", err)
		}

		if info.Mode()&os.ModeSymlink != 0 {
			return &Failure{Status: store.StatusFailedInvalidTypes,
				Reason: fmt.Sprintf("symlink in archive: %s", d.Name())}
		}
		if !d.IsDir() && info.Mode().Perm()&0o111 != 0 && !allowExec {
			return &Failure{Status: store.StatusFailedInvalidTypes,
				Reason: fmt.Sprintf("executable file in archive: %s", d.Name())}
		}
		return nil
	})
}

func writeManifest(root string, req Request) error {
	m := manifest{
		ManifestVersion:   1,
		PackageName:       req.PackageName,
		PackageID:         req.PackageID,
		PackageVersion:    req.Version,
		AuthorID:          req.AuthorID,
		Dependencies:      req.Dependencies,
		Incompatibilities: req.Incompatibilities,
		XPSelection:       req.XPSelection,
	}
	if m.Dependencies == nil {
		m.Dependencies = []store.Dependency{}
	}
	if m.Incompatibilities == nil {
		m.Incompatibilities = []store.Dependency{}
	}
	if m.XPSelection.IsZero() {
		m.XPSelection, _ = selection.Parse("*")
	}

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode manifest: %w", err)
	}
	data = append(data, '\n')

	if err := os.WriteFile(filepath.Join(root, "manifest.json"), data, 0o600); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	return nil
}

// copyDefaultScripts fills in absent lifecycle scripts from the per-type
// defaults directory, when one exists.
func (p *Processor) copyDefaultScripts(root string, typ store.PackageType) error {
	if p.cfg.DefaultsDir == "" {
		return nil
	}
	for _, script := range lifecycleScripts {
		dst := filepath.Join(root, script)
		if _, err := os.Stat(dst); err == nil {
			continue
		}
		src := filepath.Join(p.cfg.DefaultsDir, string(typ), script)
		data, err := os.ReadFile(src)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return fmt.Errorf("failed to read default script: %w", err)
		}
		if err := os.WriteFile(dst, data, 0o600); err != nil {
			return fmt.Errorf("failed to copy default script: %w", err)
		}
	}
	return nil
}

// repack writes the tree at root into a zip at outPath and returns the
// total uncompressed size. filepath.WalkDir visits entries in lexical
// order, so the archive layout is deterministic.
func repack(ctx context.Context, root, outPath string) (int64, error) {
	out, err := os.OpenFile(outPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return 0, fmt.Errorf("failed to create output archive: %w", err)
	}
	defer out.Close()

	zw := zip.NewWriter(out)
	zw.RegisterCompressor(zip.Deflate, func(w io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(w, flate.BestCompression)
	})

	var installed int64
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if path == root {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		name := filepath.ToSlash(rel)

		if d.IsDir() {
			_, err := zw.Create(name + "/")
			return err
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		installed += info.Size()

		w, err := zw.Create(name)
		if err != nil {
			return err
		}
		in, err := os.Open(path)
		if err != nil {
			return err
		}
		defer in.Close()
		_, err = io.Copy(w, in)
		return err
	})
	if err != nil {
		zw.Close()
		return 0, fmt.Errorf("failed to pack archive: %w", err)
	}
	if err := zw.Close(); err != nil {
		return 0, fmt.Errorf("failed to finalize archive: %w", err)
	}
	return installed, nil
}

// hashFile stream-hashes the file and reports its on-disk size.
func hashFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	h := sha256.New()
	size, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), size, nil
}
