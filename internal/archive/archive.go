// Package archive extracts function upload archives. Grounded on the
// pack's targz reader (hectolitro-yeet/pkg/targz) and generalized with
// the structural validation spec.md §4.5 step 3 requires: rejecting
// absolute paths, ".." components, and symlinks escaping the
// extraction root. No third-party tar.gz reader exists anywhere in
// the retrieved corpus, so archive/tar + compress/gzip are used
// directly (justified as stdlib in DESIGN.md).
package archive

import (
	"archive/tar"
	"compress/gzip"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/dartcloud/core/internal/apierrors"
)

// MaxEntrySize bounds a single extracted file's size as a defense
// against maliciously crafted archives inflating far past their
// compressed size.
const MaxEntrySize = 64 << 20 // 64MB

// Extract unpacks a tar.gz archive into destDir, which must already
// exist. It rejects any entry whose path would escape destDir.
func Extract(r io.Reader, destDir string) error {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return apierrors.Wrap(apierrors.InvalidArchive, "open gzip stream", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return apierrors.Wrap(apierrors.InvalidArchive, "read tar entry", err)
		}

		target, err := safeJoin(destDir, header.Name)
		if err != nil {
			return err
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o750); err != nil {
				return apierrors.Wrap(apierrors.Internal, "create directory from archive", err)
			}
		case tar.TypeReg:
			if header.Size > MaxEntrySize {
				return apierrors.New(apierrors.InvalidArchive, "archive entry exceeds maximum allowed size")
			}
			if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
				return apierrors.Wrap(apierrors.Internal, "create parent directory", err)
			}
			if err := writeEntry(target, tr, header.Size); err != nil {
				return err
			}
		case tar.TypeSymlink, tar.TypeLink:
			return apierrors.New(apierrors.InvalidArchive, "archive entries must not contain symlinks")
		default:
			// Ignore device files, fifos, and other exotic entry types;
			// they have no meaning for a function archive.
		}
	}
	return nil
}

func writeEntry(target string, r io.Reader, size int64) error {
	f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return apierrors.Wrap(apierrors.Internal, "create archive entry file", err)
	}
	defer f.Close()

	if _, err := io.CopyN(f, r, size); err != nil && err != io.EOF {
		return apierrors.Wrap(apierrors.InvalidArchive, "write archive entry", err)
	}
	return nil
}

// safeJoin resolves name against root, rejecting absolute paths, ".."
// components, and any result that would resolve outside root.
func safeJoin(root, name string) (string, error) {
	if filepath.IsAbs(name) {
		return "", apierrors.New(apierrors.InvalidArchive, "archive entry has an absolute path: "+name)
	}
	if strings.Contains(filepath.ToSlash(name), "../") || name == ".." {
		return "", apierrors.New(apierrors.InvalidArchive, "archive entry escapes extraction root: "+name)
	}

	joined := filepath.Join(root, name)
	cleanRoot := filepath.Clean(root)
	if joined != cleanRoot && !strings.HasPrefix(joined, cleanRoot+string(os.PathSeparator)) {
		return "", apierrors.New(apierrors.InvalidArchive, "archive entry escapes extraction root: "+name)
	}
	return joined, nil
}
