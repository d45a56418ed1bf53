package recorder

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/bigbluebutton/bbb-stream-player/internal/config"
	log "github.com/sirupsen/logrus"
)

// CheckFsPermissions verifies the recording directory exists and accepts
// files with the configured mode.
func CheckFsPermissions(cfg config.Recorder) error {
	dir := path.Clean(cfg.Directory)

	if err := checkDirectory(dir); err != nil {
		return err
	}

	fileMode, err := parseFileMode(cfg.FileMode)
	if err != nil {
		return err
	}

	tmpFile, err := os.CreateTemp(dir, ".rec-file-perm-check-*")
	if err != nil {
		return fmt.Errorf("recorder directory is not writable: %w", err)
	}

	defer func() {
		_ = tmpFile.Close()
		if err := os.Remove(tmpFile.Name()); err != nil {
			log.WithField("file", tmpFile.Name()).Warnf("could not remove permission check file: %v", err)
		}
	}()

	if err := tmpFile.Chmod(fileMode); err != nil {
		return fmt.Errorf("cannot apply file mode %s: %w", cfg.FileMode, err)
	}

	return nil
}

// ValidateAndPrepareFile resolves file inside the recording directory,
// creating missing parent directories. Existing files are never overwritten.
func ValidateAndPrepareFile(cfg config.Recorder, file string) (string, os.FileMode, error) {
	dir := path.Clean(cfg.Directory)

	if err := checkDirectory(dir); err != nil {
		return "", 0, err
	}

	if cfg.WriteToDevNull {
		fileMode, err := parseFileMode(cfg.FileMode)
		return os.DevNull, fileMode, err
	}

	file = path.Clean(dir + string(os.PathSeparator) + file)
	if rel, err := filepath.Rel(dir, file); err != nil || strings.HasPrefix(rel, "..") {
		return "", 0, fmt.Errorf("file %s is outside of the recorder directory", file)
	}

	fileDir := path.Dir(file)
	if _, err := os.Stat(fileDir); err != nil {
		if !os.IsNotExist(err) {
			return "", 0, fmt.Errorf("file directory is not accessible %s", fileDir)
		}

		dirFileMode, err := parseFileMode(cfg.DirFileMode)
		if err != nil {
			return "", 0, err
		}

		if err := os.MkdirAll(fileDir, dirFileMode); err != nil && !os.IsExist(err) {
			return "", 0, fmt.Errorf("file directory could not be created %s", fileDir)
		}
	}

	if _, err := os.Stat(file); !os.IsNotExist(err) {
		return "", 0, fmt.Errorf("file already exists %s", file)
	}

	fileMode, err := parseFileMode(cfg.FileMode)
	if err != nil {
		return "", 0, err
	}

	return file, fileMode, nil
}

// NewRecorder prepares a recording of session into file. The file itself is
// created when the first video configuration arrives.
func NewRecorder(session string, cfg config.Recorder, file string) (*WebM, error) {
	if ext := filepath.Ext(file); ext != ".webm" {
		return nil, fmt.Errorf("unsupported file extension %s", ext)
	}

	file, fileMode, err := ValidateAndPrepareFile(cfg, file)
	if err != nil {
		return nil, err
	}

	return NewWebM(session, file, fileMode), nil
}

// ParseFileMode parses an octal mode such as "0600".
func ParseFileMode(mode string) (os.FileMode, error) {
	return parseFileMode(mode)
}

func parseFileMode(mode string) (os.FileMode, error) {
	parsed, err := strconv.ParseUint(mode, 0, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid file mode %s", mode)
	}
	return os.FileMode(parsed), nil
}

func checkDirectory(dir string) error {
	fileInfo, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("recorder directory does not exist: %s", dir)
		}
		return fmt.Errorf("could not stat recorder directory %s: %w", dir, err)
	}

	if !fileInfo.IsDir() {
		return fmt.Errorf("recorder path is not a directory: %s", dir)
	}

	return nil
}
