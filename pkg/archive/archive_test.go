package archive

import (
	"archive/zip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/hangar/pkg/selection"
	"github.com/platinummonkey/hangar/pkg/store"
	"github.com/platinummonkey/hangar/pkg/version"
)

type zipEntry struct {
	name    string
	content string
	mode    os.FileMode // zero means regular 0644
}

func buildZip(t *testing.T, entries []zipEntry) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "upload.zip")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	zw := zip.NewWriter(f)
	for _, e := range entries {
		hdr := &zip.FileHeader{Name: e.name, Method: zip.Deflate}
		mode := e.mode
		if mode == 0 {
			mode = 0o644
		}
		if strings.HasSuffix(e.name, "/") {
			mode |= os.ModeDir
		}
		hdr.SetMode(mode)
		w, err := zw.CreateHeader(hdr)
		require.NoError(t, err)
		_, err = w.Write([]byte(e.content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return path
}

func newTestProcessor(t *testing.T) (*Processor, string) {
	t.Helper()
	root := t.TempDir()
	return NewProcessor(Config{TempRoot: root}), root
}

func baseRequest(archivePath string) Request {
	return Request{
		ArchivePath: archivePath,
		PackageID:   "com.alice.plugin",
		PackageName: "Alice Plugin",
		PackageType: store.TypePlugin,
		Version:     version.MustParse("1.0.0"),
		AuthorID:    "author-1",
	}
}

// readOutput opens the produced archive and returns its entries by name.
func readOutput(t *testing.T, path string) map[string]string {
	t.Helper()
	zr, err := zip.OpenReader(path)
	require.NoError(t, err)
	defer zr.Close()

	out := make(map[string]string)
	for _, f := range zr.File {
		rc, err := f.Open()
		require.NoError(t, err)
		data, err := io.ReadAll(rc)
		rc.Close()
		require.NoError(t, err)
		out[f.Name] = string(data)
	}
	return out
}

func failureStatus(t *testing.T, err error) store.VersionStatus {
	t.Helper()
	var f *Failure
	require.ErrorAs(t, err, &f)
	return f.Status
}

func TestProcessHappyPath(t *testing.T) {
	p, tempRoot := newTestProcessor(t)
	archivePath := buildZip(t, []zipEntry{
		{name: "com.alice.plugin/", content: ""},
		{name: "com.alice.plugin/plugin.lua", content: "print('hi')"},
		{name: "com.alice.plugin/.DS_Store", content: "junk"},
	})

	res, err := p.Process(context.Background(), baseRequest(archivePath))
	require.NoError(t, err)
	defer os.Remove(res.OutputPath)

	entries := readOutput(t, res.OutputPath)
	assert.Contains(t, entries, "manifest.json")
	assert.Contains(t, entries, "com.alice.plugin/plugin.lua")
	assert.NotContains(t, entries, "com.alice.plugin/.DS_Store")

	// Hash covers the output bytes.
	data, err := os.ReadFile(res.OutputPath)
	require.NoError(t, err)
	sum := sha256.Sum256(data)
	assert.Equal(t, hex.EncodeToString(sum[:]), res.Hash)
	assert.Equal(t, int64(len(data)), res.Size)
	assert.Greater(t, res.InstalledSize, int64(0))

	// The work directory is gone; only the output file remains.
	remaining, err := os.ReadDir(tempRoot)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, filepath.Base(res.OutputPath), remaining[0].Name())
}

func TestProcessManifestContents(t *testing.T) {
	p, _ := newTestProcessor(t)
	archivePath := buildZip(t, []zipEntry{
		{name: "com.alice.plugin/plugin.lua", content: "x"},
	})

	req := baseRequest(archivePath)
	req.Dependencies = []store.Dependency{{PackageID: "com.bob.lib", Selection: mustSelection(t, ">=2.0.0")}}

	res, err := p.Process(context.Background(), req)
	require.NoError(t, err)
	defer os.Remove(res.OutputPath)

	raw := readOutput(t, res.OutputPath)["manifest.json"]

	var m map[string]json.RawMessage
	require.NoError(t, json.Unmarshal([]byte(raw), &m))
	assert.JSONEq(t, `1`, string(m["manifestVersion"]))
	assert.JSONEq(t, `"Alice Plugin"`, string(m["packageName"]))
	assert.JSONEq(t, `"com.alice.plugin"`, string(m["packageId"]))
	assert.JSONEq(t, `"1.0.0"`, string(m["packageVersion"]))
	assert.JSONEq(t, `"author-1"`, string(m["authorId"]))
	assert.JSONEq(t, `[["com.bob.lib", ">=2.0.0"]]`, string(m["dependencies"]))
	assert.JSONEq(t, `[]`, string(m["incompatibilities"]))
	assert.JSONEq(t, `"*"`, string(m["xpSelection"]))

	// Pretty printed with stable key order.
	assert.True(t, strings.HasPrefix(raw, "{\n  \"manifestVersion\": 1,\n  \"packageName\""))
}

func TestProcessOnlyMACOSX(t *testing.T) {
	p, tempRoot := newTestProcessor(t)
	archivePath := buildZip(t, []zipEntry{
		{name: "__MACOSX/", content: ""},
		{name: "__MACOSX/._junk", content: "resource fork"},
	})

	_, err := p.Process(context.Background(), baseRequest(archivePath))
	assert.Equal(t, store.StatusFailedMACOSX, failureStatus(t, err))

	remaining, err := os.ReadDir(tempRoot)
	require.NoError(t, err)
	assert.Empty(t, remaining)
}

func TestProcessMACOSXWrapper(t *testing.T) {
	p, _ := newTestProcessor(t)
	archivePath := buildZip(t, []zipEntry{
		{name: "__MACOSX/._wrapper", content: ""},
		{name: "wrapper/com.alice.plugin/plugin.lua", content: "x"},
	})

	res, err := p.Process(context.Background(), baseRequest(archivePath))
	require.NoError(t, err)
	defer os.Remove(res.OutputPath)

	entries := readOutput(t, res.OutputPath)
	assert.Contains(t, entries, "com.alice.plugin/plugin.lua")
	assert.NotContains(t, entries, "wrapper/com.alice.plugin/plugin.lua")
}

func TestProcessMissingPackageDir(t *testing.T) {
	p, _ := newTestProcessor(t)
	archivePath := buildZip(t, []zipEntry{
		{name: "wrong.dir.name/plugin.lua", content: "x"},
	})

	_, err := p.Process(context.Background(), baseRequest(archivePath))
	assert.Equal(t, store.StatusFailedNoFileDir, failureStatus(t, err))
}

func TestProcessManifestCollision(t *testing.T) {
	p, _ := newTestProcessor(t)
	archivePath := buildZip(t, []zipEntry{
		{name: "com.alice.plugin/plugin.lua", content: "x"},
		{name: "manifest.json", content: "{}"},
	})

	_, err := p.Process(context.Background(), baseRequest(archivePath))
	assert.Equal(t, store.StatusFailedManifestExists, failureStatus(t, err))
}

func TestProcessRejectsExecutables(t *testing.T) {
	entries := []zipEntry{
		{name: "com.alice.plugin/tool", content: "#!/bin/sh", mode: 0o755},
	}

	t.Run("plugin type rejects", func(t *testing.T) {
		p, _ := newTestProcessor(t)
		_, err := p.Process(context.Background(), baseRequest(buildZip(t, entries)))
		assert.Equal(t, store.StatusFailedInvalidTypes, failureStatus(t, err))
	})

	t.Run("executable type allows", func(t *testing.T) {
		p, _ := newTestProcessor(t)
		req := baseRequest(buildZip(t, entries))
		req.PackageType = store.TypeExecutable
		res, err := p.Process(context.Background(), req)
		require.NoError(t, err)
		os.Remove(res.OutputPath)
	})
}

func TestProcessRejectsSymlinks(t *testing.T) {
	p, _ := newTestProcessor(t)
	archivePath := buildZip(t, []zipEntry{
		{name: "com.alice.plugin/plugin.lua", content: "x"},
		{name: "com.alice.plugin/link", content: "/etc/passwd", mode: os.ModeSymlink | 0o777},
	})

	_, err := p.Process(context.Background(), baseRequest(archivePath))
	assert.Equal(t, store.StatusFailedInvalidTypes, failureStatus(t, err))
}

func TestProcessSizeCap(t *testing.T) {
	content := strings.Repeat("a", 1024)

	t.Run("at limit rejected", func(t *testing.T) {
		p := NewProcessor(Config{TempRoot: t.TempDir(), MaxUncompressed: 1024})
		archivePath := buildZip(t, []zipEntry{
			{name: "com.alice.plugin/data", content: content},
		})
		_, err := p.Process(context.Background(), baseRequest(archivePath))
		assert.Equal(t, store.StatusFailedFileTooLarge, failureStatus(t, err))
	})

	t.Run("below limit accepted", func(t *testing.T) {
		p := NewProcessor(Config{TempRoot: t.TempDir(), MaxUncompressed: 1025})
		archivePath := buildZip(t, []zipEntry{
			{name: "com.alice.plugin/data", content: content},
		})
		res, err := p.Process(context.Background(), baseRequest(archivePath))
		require.NoError(t, err)
		os.Remove(res.OutputPath)
	})
}

func TestProcessDefaultScripts(t *testing.T) {
	defaults := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(defaults, "Plugin"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(defaults, "Plugin", "install.ska"), []byte("default install"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(defaults, "Plugin", "uninstall.ska"), []byte("default uninstall"), 0o644))

	p := NewProcessor(Config{TempRoot: t.TempDir(), DefaultsDir: defaults})
	archivePath := buildZip(t, []zipEntry{
		{name: "com.alice.plugin/plugin.lua", content: "x"},
		{name: "install.ska", content: "custom install"},
	})

	res, err := p.Process(context.Background(), baseRequest(archivePath))
	require.NoError(t, err)
	defer os.Remove(res.OutputPath)

	entries := readOutput(t, res.OutputPath)
	assert.Equal(t, "custom install", entries["install.ska"], "author script must not be overwritten")
	assert.Equal(t, "default uninstall", entries["uninstall.ska"])
	assert.NotContains(t, entries, "upgrade.ska", "no default configured for upgrade")
}

func TestProcessZipSlip(t *testing.T) {
	p, _ := newTestProcessor(t)

	// Write the traversal entry with a raw header; buildZip would clean it.
	path := filepath.Join(t.TempDir(), "evil.zip")
	f, err := os.Create(path)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	w, err := zw.CreateRaw(&zip.FileHeader{Name: "../../escape.txt", Method: zip.Store})
	require.NoError(t, err)
	_, err = w.Write(nil)
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())

	_, err = p.Process(context.Background(), baseRequest(path))
	assert.Equal(t, store.StatusFailedInvalidTypes, failureStatus(t, err))
}

func TestProcessDeterministicOutput(t *testing.T) {
	entries := []zipEntry{
		{name: "com.alice.plugin/b.txt", content: "b"},
		{name: "com.alice.plugin/a.txt", content: "a"},
	}

	var hashes []string
	for i := 0; i < 2; i++ {
		p, _ := newTestProcessor(t)
		res, err := p.Process(context.Background(), baseRequest(buildZip(t, entries)))
		require.NoError(t, err)
		hashes = append(hashes, res.Hash)
		os.Remove(res.OutputPath)
	}
	assert.Equal(t, hashes[0], hashes[1], "repack must be deterministic")
}

func mustSelection(t *testing.T, s string) selection.Expr {
	t.Helper()
	expr, err := selection.Parse(s)
	require.NoError(t, err)
	return expr
}
