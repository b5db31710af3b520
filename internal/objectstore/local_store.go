// Package objectstore provides the ephemeral local-directory store for generated audio.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/book-expert/logger"
	"github.com/book-expert/speech-service/internal/core"
	"github.com/book-expert/speech-service/internal/tts/ttsutils"
)

const (
	dirPermissions  = 0o755
	filePermissions = 0o644
	writeProbeName  = ".write-probe"
	parentDirToken  = ".."
)

// Error messages.
const (
	msgWriteFailed     = "Failed to save audio file"
	msgReadFailed      = "Failed to read audio file"
	msgInvalidFilename = "Invalid filename"
	msgFileNotFound    = "Audio file not found"
)

var (
	// ErrNameCollision indicates that an artifact with the same name already exists.
	ErrNameCollision = errors.New("artifact name already in use")
	// ErrUnsafeName indicates a download name that could escape the storage directory.
	ErrUnsafeName = errors.New("filename must be a plain .mp3 name")
)

// LocalStore keeps audio artifacts as files in a single directory.
type LocalStore struct {
	dir string
	log *logger.Logger
}

// NewLocalStore creates a store rooted at dir. The directory is created lazily.
func NewLocalStore(dir string, log *logger.Logger) *LocalStore {
	return &LocalStore{dir: dir, log: log}
}

// Dir returns the storage directory.
func (s *LocalStore) Dir() string {
	return s.dir
}

// Write stores data as <filename>.mp3 and returns its path. An existing file with
// the same name is never overwritten; the collision is reported as a storage error.
func (s *LocalStore) Write(_ context.Context, data []byte, filename string) (string, error) {
	err := os.MkdirAll(s.dir, dirPermissions)
	if err != nil {
		return "", core.NewError(core.KindStorage, msgWriteFailed,
			fmt.Errorf("failed to create storage directory '%s': %w", s.dir, err))
	}

	path := filepath.Join(s.dir, ttsutils.WithExtension(filename))

	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, filePermissions)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			err = fmt.Errorf("%w: %s", ErrNameCollision, path)
		}

		return "", core.NewError(core.KindStorage, msgWriteFailed, err)
	}

	_, writeErr := file.Write(data)
	closeErr := file.Close()

	if writeErr != nil || closeErr != nil {
		_ = os.Remove(path)

		return "", core.NewError(core.KindStorage, msgWriteFailed,
			fmt.Errorf("failed to write '%s': %w", path, errors.Join(writeErr, closeErr)))
	}

	s.log.Info("Audio file saved: %s", path)

	return path, nil
}

// Open streams a stored artifact. The name is checked before any filesystem access.
func (s *LocalStore) Open(filename string) (io.ReadCloser, int64, error) {
	err := ValidateDownloadName(filename)
	if err != nil {
		return nil, 0, err
	}

	path := filepath.Join(s.dir, filename)

	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, 0, core.NewError(core.KindNotFound, msgFileNotFound, err)
		}

		return nil, 0, core.NewError(core.KindStorage, msgReadFailed, err)
	}

	info, err := file.Stat()
	if err != nil {
		_ = file.Close()

		return nil, 0, core.NewError(core.KindStorage, msgReadFailed, err)
	}

	if info.IsDir() {
		_ = file.Close()

		return nil, 0, core.NewError(core.KindNotFound, msgFileNotFound, fs.ErrNotExist)
	}

	return file, info.Size(), nil
}

// Delete removes an artifact and reports whether a file was removed.
// Failures are logged, never returned.
func (s *LocalStore) Delete(filename string) bool {
	err := ValidateDownloadName(filename)
	if err != nil {
		s.log.Warn("Refusing to delete unsafe filename '%s'", filename)

		return false
	}

	path := filepath.Join(s.dir, filename)

	err = os.Remove(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			s.log.Warn("Failed to delete file %s: %v", path, err)
		}

		return false
	}

	s.log.Info("Deleted file: %s", path)

	return true
}

// CheckWritable verifies that the storage directory can be created and written.
func (s *LocalStore) CheckWritable() error {
	err := os.MkdirAll(s.dir, dirPermissions)
	if err != nil {
		return fmt.Errorf("failed to create storage directory '%s': %w", s.dir, err)
	}

	probe, err := os.CreateTemp(s.dir, writeProbeName)
	if err != nil {
		return fmt.Errorf("storage directory '%s' is not writable: %w", s.dir, err)
	}

	name := probe.Name()
	_ = probe.Close()

	return os.Remove(name)
}

// ValidateDownloadName rejects names that contain a parent reference or a path
// separator, or that do not carry the audio extension.
func ValidateDownloadName(filename string) error {
	if filename == "" ||
		strings.Contains(filename, parentDirToken) ||
		strings.ContainsAny(filename, `/\`) ||
		!strings.HasSuffix(filename, ttsutils.AudioExtension) ||
		filename == ttsutils.AudioExtension {
		return core.NewError(core.KindInvalidFilename, msgInvalidFilename, ErrUnsafeName)
	}

	return nil
}
