package thirdparty

import (
	"archive/tar"
	"archive/zip"
	"compress/bzip2"
	"compress/gzip"
	"errors"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/rotisserie/eris"
	"github.com/schollz/progressbar/v3"
	"github.com/ulikunitz/xz"
)

type archiveExtractor func(f *os.File, bar *progressbar.ProgressBar, destPath string, strip int) error

var tarDecompressors = []struct {
	suffixes []string
	open     func(io.Reader) (io.Reader, error)
}{
	{[]string{".tar.gz", ".tgz"}, func(r io.Reader) (io.Reader, error) { return gzip.NewReader(r) }},
	{[]string{".tar.bz2", ".tbz2"}, func(r io.Reader) (io.Reader, error) { return bzip2.NewReader(r), nil }},
	{[]string{".tar.xz", ".txz"}, func(r io.Reader) (io.Reader, error) { return xz.NewReader(r) }},
	{[]string{".tar.br"}, func(r io.Reader) (io.Reader, error) { return brotli.NewReader(r), nil }},
	{[]string{".tar"}, func(r io.Reader) (io.Reader, error) { return r, nil }},
}

// archiveName strips query strings and fragments so the suffix of a URL can be inspected.
func archiveName(url string) string {
	if pos := strings.IndexAny(url, "?#"); pos > -1 {
		url = url[:pos]
	}
	return path.Base(url)
}

// IsSupportedArchive reports whether url ends in one of the known archive suffixes.
func IsSupportedArchive(url string) bool {
	_, err := getExtractor(url)
	return err == nil
}

func getExtractor(url string) (archiveExtractor, error) {
	name := strings.ToLower(archiveName(url))

	if strings.HasSuffix(name, ".zip") {
		return extractZip, nil
	}

	for _, item := range tarDecompressors {
		for _, suffix := range item.suffixes {
			if strings.HasSuffix(name, suffix) {
				open := item.open
				return func(f *os.File, bar *progressbar.ProgressBar, destPath string, strip int) error {
					reader, err := open(io.TeeReader(f, bar))
					if err != nil {
						return eris.Wrap(err, "failed to open compressed stream")
					}

					return extractTar(reader, destPath, strip)
				}, nil
			}
		}
	}

	return nil, eris.Errorf("archive format of %s not supported", name)
}

// Extract unpacks archive into destPath. The format is picked based on the suffix of url.
func Extract(archive, url, destPath string, strip int, bar *progressbar.ProgressBar) error {
	extractor, err := getExtractor(url)
	if err != nil {
		return err
	}

	f, err := os.Open(archive)
	if err != nil {
		return eris.Wrapf(err, "failed to open %s", archive)
	}
	defer f.Close()

	if bar == nil {
		bar = progressbar.NewOptions64(-1, progressbar.OptionSetVisibility(false))
	}

	err = os.MkdirAll(destPath, 0o770)
	if err != nil {
		return eris.Wrapf(err, "failed to create directory %s", destPath)
	}

	err = extractor(f, bar, destPath, strip)
	if err != nil {
		return err
	}

	return bar.Finish()
}

// entryDest strips the first strip elements from item and returns the resulting path inside destPath.
// An empty string means the entry was stripped away completely.
func entryDest(destPath, item string, strip int) (string, error) {
	item = strings.ReplaceAll(item, "\\", "/")
	parts := []string{}
	for _, part := range strings.Split(path.Clean("/"+item), "/") {
		if part != "" {
			parts = append(parts, part)
		}
	}

	if strings.Contains(item, "..") {
		for _, part := range strings.Split(item, "/") {
			if part == ".." {
				return "", eris.Errorf("archive entry %s points outside the destination", item)
			}
		}
	}

	if len(parts) <= strip {
		return "", nil
	}

	rel := filepath.FromSlash(strings.Join(parts[strip:], "/"))
	if !filepath.IsLocal(rel) {
		return "", eris.Errorf("archive entry %s points outside the destination", item)
	}

	dest := filepath.Join(destPath, rel)
	err := checkParents(destPath, dest)
	if err != nil {
		return "", err
	}
	return dest, nil
}

// checkParents rejects dest if one of the directories between destPath and dest already exists as a
// symlink. Writing through it would follow the link.
func checkParents(destPath, dest string) error {
	rel, err := filepath.Rel(destPath, filepath.Dir(dest))
	if err != nil {
		return eris.Wrapf(err, "failed to resolve %s", dest)
	}
	if rel == "." {
		return nil
	}

	current := destPath
	for _, part := range strings.Split(rel, string(filepath.Separator)) {
		current = filepath.Join(current, part)
		info, err := os.Lstat(current)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil
			}
			return eris.Wrapf(err, "failed to inspect %s", current)
		}

		if info.Mode()&os.ModeSymlink != 0 {
			return eris.Errorf("archive entry %s is located below the symlink %s", dest, current)
		}
	}

	return nil
}

func createEntry(dest string, mode os.FileMode) (*os.File, error) {
	destParent := filepath.Dir(dest)
	err := os.MkdirAll(destParent, 0o770)
	if err != nil {
		return nil, eris.Wrapf(err, "failed to create directory %s", destParent)
	}

	if mode&0o777 == 0 {
		mode = 0o660
	}

	// replace links left by earlier entries instead of writing through them
	if info, err := os.Lstat(dest); err == nil && info.Mode()&os.ModeSymlink != 0 {
		err = os.Remove(dest)
		if err != nil {
			return nil, eris.Wrapf(err, "failed to remove symlink %s", dest)
		}
	}

	handle, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode.Perm()|0o600)
	if err != nil {
		return nil, eris.Wrapf(err, "failed to create file %s", dest)
	}
	return handle, nil
}

func writeEntry(dest string, mode os.FileMode, r io.Reader) error {
	handle, err := createEntry(dest, mode)
	if err != nil {
		return err
	}
	defer handle.Close()

	_, err = io.Copy(handle, r)
	if err != nil {
		return eris.Wrapf(err, "failed to write extracted file %s", dest)
	}

	return handle.Close()
}

func createSymlink(destPath, dest, target string) error {
	resolved := target
	if !filepath.IsAbs(resolved) {
		resolved = filepath.Join(filepath.Dir(dest), filepath.FromSlash(target))
	}

	rel, err := filepath.Rel(destPath, resolved)
	if err != nil || !filepath.IsLocal(rel) {
		return eris.Errorf("symlink %s points outside the destination (%s)", dest, target)
	}

	err = os.MkdirAll(filepath.Dir(dest), 0o770)
	if err != nil {
		return eris.Wrapf(err, "failed to create directory %s", filepath.Dir(dest))
	}

	err = os.Remove(dest)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return eris.Wrapf(err, "failed to remove placeholder file %s", dest)
	}

	err = os.Symlink(target, dest)
	if err != nil {
		return eris.Wrapf(err, "failed to create symlink %s pointing to %s", dest, target)
	}
	return nil
}

func extractZip(f *os.File, bar *progressbar.ProgressBar, destPath string, strip int) error {
	stat, err := f.Stat()
	if err != nil {
		return err
	}

	archive, err := zip.NewReader(f, stat.Size())
	if err != nil {
		return eris.Wrap(err, "failed to open zip archive")
	}

	pos := int64(0)
	for _, item := range archive.File {
		pos += int64(item.CompressedSize64)
		bar.Set64(pos)

		dest, err := entryDest(destPath, item.Name, strip)
		if err != nil {
			return err
		}

		if dest == "" {
			continue
		}

		if strings.HasSuffix(item.Name, "/") || item.FileInfo().IsDir() {
			err = os.MkdirAll(dest, 0o770)
			if err != nil {
				return eris.Wrapf(err, "failed to create directory %s", dest)
			}
			continue
		}

		itemHandle, err := item.Open()
		if err != nil {
			return eris.Wrapf(err, "failed to open archive entry %s", item.Name)
		}

		if item.Mode()&os.ModeSymlink != 0 {
			target, err := io.ReadAll(itemHandle)
			itemHandle.Close()
			if err != nil {
				return eris.Wrapf(err, "failed to read archive entry %s", item.Name)
			}

			err = createSymlink(destPath, dest, string(target))
			if err != nil {
				return err
			}
			continue
		}

		err = writeEntry(dest, item.Mode(), itemHandle)
		itemHandle.Close()
		if err != nil {
			return err
		}
	}

	return nil
}

func extractTar(r io.Reader, destPath string, strip int) error {
	archive := tar.NewReader(r)

	for {
		item, err := archive.Next()
		if err != nil {
			if err == io.EOF {
				break
			}

			return eris.Wrap(err, "failed to read archive entry")
		}

		dest, err := entryDest(destPath, item.Name, strip)
		if err != nil {
			return err
		}

		if dest == "" {
			continue
		}

		switch item.Typeflag {
		case tar.TypeDir:
			err = os.MkdirAll(dest, 0o770)
			if err != nil {
				return eris.Wrapf(err, "failed to create directory %s", dest)
			}
		case tar.TypeSymlink:
			err = createSymlink(destPath, dest, item.Linkname)
			if err != nil {
				return err
			}
		case tar.TypeLink:
			source, err := entryDest(destPath, item.Linkname, strip)
			if err != nil {
				return err
			}
			if source == "" {
				return eris.Errorf("hard link %s points to a stripped entry", item.Name)
			}

			err = os.MkdirAll(filepath.Dir(dest), 0o770)
			if err != nil {
				return eris.Wrapf(err, "failed to create directory %s", filepath.Dir(dest))
			}
			os.Remove(dest)
			err = os.Link(source, dest)
			if err != nil {
				return eris.Wrapf(err, "failed to create hard link %s", dest)
			}
		case tar.TypeReg:
			err = writeEntry(dest, item.FileInfo().Mode(), archive)
			if err != nil {
				return err
			}
		default:
			// Device nodes, fifos and pax headers have no business in a source archive.
			continue
		}
	}

	return nil
}
