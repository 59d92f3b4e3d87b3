package ingest

import (
	"archive/zip"
	"bytes"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
)

var (
	ErrArchiveTooLarge = errors.New("archive exceeds the maximum upload size")
	ErrInvalidArchive  = errors.New("file is not a valid ZIP archive")
	ErrNoImages        = errors.New("archive does not contain any supported image files")
	ErrTooManyEntries  = errors.New("archive contains too many images")
)

var allowedExtensions = map[string]struct{}{
	".jpg":  {},
	".jpeg": {},
	".png":  {},
	".gif":  {},
	".webp": {},
}

// IsAllowedImage reports whether filename has an accepted image extension.
func IsAllowedImage(filename string) bool {
	_, ok := allowedExtensions[strings.ToLower(path.Ext(filename))]
	return ok
}

// BaseName strips any directory part, accepting both separators.
func BaseName(p string) string {
	if i := strings.LastIndexAny(p, `/\`); i >= 0 {
		return p[i+1:]
	}
	return p
}

type Limits struct {
	MaxArchiveBytes int64
	MaxEntries      int
	MaxEntryBytes   int64
	Concurrency     int
}

// Entry is one image file inside an uploaded archive.
type Entry struct {
	// Path is the full path inside the archive, used in report details.
	Path string
	// Name is the bare filename stored on the image row.
	Name string
	file *zip.File
}

func (e Entry) Size() int64 {
	return int64(e.file.UncompressedSize64)
}

// Read returns at most limit bytes of the entry. Entries that turn out larger
// than limit are rejected even if their header under-reports the size.
func (e Entry) Read(limit int64) ([]byte, error) {
	rc, err := e.file.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	data, err := io.ReadAll(io.LimitReader(rc, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("entry larger than %d bytes", limit)
	}
	return data, nil
}

// directoryEntryFactor bounds the whole central directory, directories and
// non-image files included, at this multiple of MaxEntries.
const directoryEntryFactor = 4

// OpenArchive validates an uploaded ZIP and lists its image entries in
// archive order. Nothing has been written when it returns an error.
func OpenArchive(data []byte, limits Limits) ([]Entry, error) {
	if limits.MaxArchiveBytes > 0 && int64(len(data)) > limits.MaxArchiveBytes {
		return nil, ErrArchiveTooLarge
	}
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArchive, err)
	}

	tooMany := fmt.Errorf("%w: maximum allowed is %d", ErrTooManyEntries, limits.MaxEntries)
	if limits.MaxEntries > 0 && len(zr.File) > limits.MaxEntries*directoryEntryFactor {
		return nil, tooMany
	}

	var entries []Entry
	for _, f := range zr.File {
		if f.FileInfo().IsDir() || strings.HasPrefix(f.Name, "__MACOSX/") {
			continue
		}
		name := BaseName(f.Name)
		if name == "" || !IsAllowedImage(name) {
			continue
		}
		if limits.MaxEntries > 0 && len(entries) == limits.MaxEntries {
			return nil, tooMany
		}
		entries = append(entries, Entry{Path: f.Name, Name: name, file: f})
	}

	if len(entries) == 0 {
		return nil, ErrNoImages
	}
	return entries, nil
}
