package fileingest

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// maxBinaryCheckBytes is how much of a file is sniffed for NUL bytes.
const maxBinaryCheckBytes = 1024

// ErrOutsideBase is returned when a file name would resolve outside the
// owner's directory.
var ErrOutsideBase = errors.New("file path escapes user directory")

// FileMeta holds metadata about a resolved G-code file.
type FileMeta struct {
	Path    string
	Name    string
	Size    int64
	ModTime time.Time
}

// Opener opens files for reading. The default implementation uses the OS.
type Opener interface {
	Open(path string) (io.ReadCloser, error)
}

type osOpener struct{}

func (osOpener) Open(path string) (io.ReadCloser, error) { return os.Open(path) }

// Resolver maps a job's stored file reference onto the filesystem.
type Resolver struct {
	opener Opener
}

// NewResolver creates a Resolver. A nil opener reads from the OS.
func NewResolver(opener Opener) *Resolver {
	if opener == nil {
		opener = osOpener{}
	}
	return &Resolver{opener: opener}
}

/*
Resolve builds <basePath>/<userID>/<fileName>.

The file name is stored by the upload layer and is not trusted: anything that
would leave the user's directory is rejected.
*/
func (r *Resolver) Resolve(basePath string, userID int64, fileName string) (string, error) {
	if strings.TrimSpace(fileName) == "" {
		return "", fmt.Errorf("empty file name for user %d", userID)
	}
	userDir := filepath.Join(basePath, fmt.Sprint(userID))
	path := filepath.Join(userDir, fileName)

	rel, err := filepath.Rel(userDir, path)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%q: %w", fileName, ErrOutsideBase)
	}
	return path, nil
}

// Open opens a resolved path for reading.
func (r *Resolver) Open(path string) (io.ReadCloser, error) {
	return r.opener.Open(path)
}

// CountLines opens path and counts its lines. A final line without a
// trailing newline still counts.
func (r *Resolver) CountLines(path string) (int, error) {
	f, err := r.opener.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	return CountLines(f)
}

// CountLines counts the lines in rd.
func CountLines(rd io.Reader) (int, error) {
	br := bufio.NewReader(rd)
	buf := make([]byte, 32*1024)
	count := 0
	var last byte
	seen := false
	for {
		n, err := br.Read(buf)
		if n > 0 {
			count += bytes.Count(buf[:n], []byte{'\n'})
			last = buf[n-1]
			seen = true
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return 0, err
		}
	}
	if seen && last != '\n' {
		count++
	}
	return count, nil
}

// ExtractFileMeta extracts metadata from a given file path.
func ExtractFileMeta(path string) (FileMeta, error) {
	info, err := os.Stat(path)
	if err != nil {
		return FileMeta{}, err
	}
	return FileMeta{
		Path:    path,
		Name:    info.Name(),
		Size:    info.Size(),
		ModTime: info.ModTime(),
	}, nil
}

// IsLikelyBinary reports whether the first KiB of the file contains a NUL
// byte. G-code is plain text, so uploads failing this check are refused.
func IsLikelyBinary(path string) (bool, error) {
	file, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer file.Close()

	buffer := make([]byte, maxBinaryCheckBytes)
	n, err := file.Read(buffer)
	if err != nil && !errors.Is(err, io.EOF) {
		return false, err
	}

	return bytes.Contains(buffer[:n], []byte{0}), nil
}
