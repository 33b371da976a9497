package thirdparty

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"compress/gzip"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/andybalholm/brotli"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ulikunitz/xz"
)

type archiveEntry struct {
	name    string
	content string
	mode    int64
	link    string
	dir     bool
}

var sampleEntries = []archiveEntry{
	{name: "pkg-1.0/", dir: true},
	{name: "pkg-1.0/include/pkg.h", content: "#pragma once\n", mode: 0o644},
	{name: "pkg-1.0/bin/tool", content: "#!/bin/sh\n", mode: 0o755},
	{name: "pkg-1.0/lib/libpkg.so", link: "libpkg.so.1"},
	{name: "pkg-1.0/lib/libpkg.so.1", content: "ELF", mode: 0o644},
}

func buildTar(t *testing.T, entries []archiveEntry) []byte {
	t.Helper()
	buf := bytes.Buffer{}
	w := tar.NewWriter(&buf)

	for _, entry := range entries {
		hdr := &tar.Header{Name: entry.name, Mode: entry.mode}
		switch {
		case entry.dir:
			hdr.Typeflag = tar.TypeDir
			hdr.Mode = 0o755
		case entry.link != "":
			hdr.Typeflag = tar.TypeSymlink
			hdr.Linkname = entry.link
			hdr.Mode = 0o777
		default:
			hdr.Typeflag = tar.TypeReg
			hdr.Size = int64(len(entry.content))
		}

		require.NoError(t, w.WriteHeader(hdr))
		if hdr.Typeflag == tar.TypeReg {
			_, err := w.Write([]byte(entry.content))
			require.NoError(t, err)
		}
	}

	require.NoError(t, w.Close())
	return buf.Bytes()
}

func compress(t *testing.T, data []byte, newWriter func(io.Writer) (io.WriteCloser, error)) []byte {
	t.Helper()
	buf := bytes.Buffer{}
	w, err := newWriter(&buf)
	require.NoError(t, err)
	_, err = w.Write(data)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func buildZip(t *testing.T, entries []archiveEntry) []byte {
	t.Helper()
	buf := bytes.Buffer{}
	w := zip.NewWriter(&buf)

	for _, entry := range entries {
		if entry.link != "" {
			continue
		}

		hdr := &zip.FileHeader{Name: entry.name, Method: zip.Deflate}
		if entry.dir {
			hdr.SetMode(os.ModeDir | 0o755)
		} else {
			hdr.SetMode(os.FileMode(entry.mode))
		}

		fw, err := w.CreateHeader(hdr)
		require.NoError(t, err)
		if !entry.dir {
			_, err = fw.Write([]byte(entry.content))
			require.NoError(t, err)
		}
	}

	require.NoError(t, w.Close())
	return buf.Bytes()
}

func writeArchive(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func sampleArchives(t *testing.T) map[string][]byte {
	raw := buildTar(t, sampleEntries)
	return map[string][]byte{
		"pkg.tar": raw,
		"pkg.tar.gz": compress(t, raw, func(w io.Writer) (io.WriteCloser, error) {
			return gzip.NewWriter(w), nil
		}),
		"pkg.tgz": compress(t, raw, func(w io.Writer) (io.WriteCloser, error) {
			return gzip.NewWriter(w), nil
		}),
		"pkg.tar.xz": compress(t, raw, func(w io.Writer) (io.WriteCloser, error) {
			return xz.NewWriter(w)
		}),
		"pkg.tar.br": compress(t, raw, func(w io.Writer) (io.WriteCloser, error) {
			return brotli.NewWriter(w), nil
		}),
	}
}

func TestExtractTarFormats(t *testing.T) {
	for name, data := range sampleArchives(t) {
		t.Run(name, func(t *testing.T) {
			archive := writeArchive(t, name, data)
			dest := filepath.Join(t.TempDir(), "out")

			require.NoError(t, Extract(archive, "https://example.com/"+name, dest, 1, nil))

			content, err := os.ReadFile(filepath.Join(dest, "include", "pkg.h"))
			require.NoError(t, err)
			assert.Equal(t, "#pragma once\n", string(content))

			info, err := os.Stat(filepath.Join(dest, "bin", "tool"))
			require.NoError(t, err)
			assert.NotZero(t, info.Mode()&0o100, "executable bit is kept")

			target, err := os.Readlink(filepath.Join(dest, "lib", "libpkg.so"))
			require.NoError(t, err)
			assert.Equal(t, "libpkg.so.1", target)
		})
	}
}

func TestExtractWithoutStrip(t *testing.T) {
	archive := writeArchive(t, "pkg.tar", buildTar(t, sampleEntries))
	dest := t.TempDir()

	require.NoError(t, Extract(archive, "pkg.tar", dest, 0, nil))
	assert.FileExists(t, filepath.Join(dest, "pkg-1.0", "include", "pkg.h"))
}

func TestExtractZip(t *testing.T) {
	archive := writeArchive(t, "pkg.zip", buildZip(t, sampleEntries))
	dest := t.TempDir()

	require.NoError(t, Extract(archive, "https://example.com/pkg.zip?download=1", dest, 1, nil))
	content, err := os.ReadFile(filepath.Join(dest, "lib", "libpkg.so.1"))
	require.NoError(t, err)
	assert.Equal(t, "ELF", string(content))
}

func TestExtractRejectsTraversal(t *testing.T) {
	cases := map[string][]archiveEntry{
		"dotdot":   {{name: "pkg/../../evil", content: "x", mode: 0o644}},
		"symlink":  {{name: "pkg/escape", link: "../../../etc/passwd"}},
		"abs link": {{name: "pkg/escape", link: "/etc/passwd"}},
		"chained links": {
			{name: "sub/", dir: true},
			{name: "sub/x", link: ".."},
			{name: "sub/x/y", link: ".."},
			{name: "sub/x/y/evil", content: "x", mode: 0o644},
		},
		"file through link": {
			{name: "sub/", dir: true},
			{name: "sub/x", link: "."},
			{name: "sub/x/evil", content: "x", mode: 0o644},
		},
	}

	for name, entries := range cases {
		t.Run(name, func(t *testing.T) {
			archive := writeArchive(t, "evil.tar", buildTar(t, entries))
			root := t.TempDir()
			dest := filepath.Join(root, "dest")

			err := Extract(archive, "evil.tar", dest, 0, nil)
			require.Error(t, err)
			assert.NoFileExists(t, filepath.Join(root, "evil"))
		})
	}
}

func TestExtractReplacesFileSymlink(t *testing.T) {
	entries := []archiveEntry{
		{name: "lib/", dir: true},
		{name: "lib/data", content: "real", mode: 0o644},
		{name: "lib/alias", link: "data"},
		{name: "lib/alias", content: "copy", mode: 0o644},
	}
	archive := writeArchive(t, "pkg.tar", buildTar(t, entries))
	dest := t.TempDir()

	require.NoError(t, Extract(archive, "pkg.tar", dest, 0, nil))

	content, err := os.ReadFile(filepath.Join(dest, "lib", "data"))
	require.NoError(t, err)
	assert.Equal(t, "real", string(content), "the link target is left alone")

	info, err := os.Lstat(filepath.Join(dest, "lib", "alias"))
	require.NoError(t, err)
	assert.Zero(t, info.Mode()&os.ModeSymlink)
}

func TestExtractUnsupported(t *testing.T) {
	assert.False(t, IsSupportedArchive("https://example.com/pkg.rar"))
	assert.True(t, IsSupportedArchive("https://example.com/pkg.TAR.GZ"))

	err := Extract(writeArchive(t, "pkg.rar", []byte("x")), "pkg.rar", t.TempDir(), 0, nil)
	assert.Error(t, err)
}

func TestEntryDest(t *testing.T) {
	dest, err := entryDest("/out", "a/b/c.txt", 1)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/out", "b", "c.txt"), dest)

	dest, err = entryDest("/out", "a/", 1)
	require.NoError(t, err)
	assert.Empty(t, dest)

	dest, err = entryDest("/out", "./a/./b", 0)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/out", "a", "b"), dest)

	_, err = entryDest("/out", "a/../../b", 0)
	assert.Error(t, err)
}
