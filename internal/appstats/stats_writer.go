package appstats

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	log "github.com/sirupsen/logrus"
)

var unsafeFileChars = regexp.MustCompile(`[^A-Za-z0-9._-]`)

type StatsFileOutput struct {
	PlayerStats    *PlayerStats `json:"playerStats"`
	StatsTimestamp int64        `json:"statsTimestamp"`
}

type StatsFileWriter struct {
	basePath string
	fileMode os.FileMode
}

func NewStatsFileWriter(basePath string, fileMode os.FileMode) *StatsFileWriter {
	return &StatsFileWriter{
		basePath: basePath,
		fileMode: fileMode,
	}
}

// PathFor returns <basePath>/<sessionId>-stats.json with the session id
// reduced to file name safe characters.
func (w *StatsFileWriter) PathFor(sessionID string) string {
	return filepath.Join(w.basePath, fmt.Sprintf("%s-stats.json", unsafeFileChars.ReplaceAllString(sessionID, "_")))
}

func (w *StatsFileWriter) WriteStats(stats *StatsFileOutput) (string, error) {
	if stats == nil || stats.PlayerStats == nil {
		return "", fmt.Errorf("no stats to write")
	}

	statsFilePath := w.PathFor(stats.PlayerStats.SessionID)

	jsonData, err := json.MarshalIndent(stats, "", "  ")

	if err != nil {
		return "", fmt.Errorf("JSON marshalling failed: %w", err)
	}

	if err := os.WriteFile(statsFilePath, jsonData, w.fileMode); err != nil {
		return "", fmt.Errorf("failed to write stats file: %w", err)
	}

	log.WithField("path", statsFilePath).
		WithField("stats", string(jsonData)).
		Tracef("Wrote playback stats to file")

	return statsFilePath, nil
}
