package appconfig

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"
)

const appName = "flashctl"

// CacheRoot returns <home>/.particle/flashctl/binaries, the persisted
// release-module cache root named in §6.
func CacheRoot() (string, error) {
	home, err := particleHome()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, appName, "binaries"), nil
}

// ReleaseCacheDir returns <cacheDir>/<version>.
func ReleaseCacheDir(version string) (string, error) {
	root, err := CacheRoot()
	if err != nil {
		return "", err
	}
	return filepath.Join(root, version), nil
}

// stateDir returns the OS-appropriate directory for small local state that
// is not part of the persisted binaries cache (currently: job history),
// following the same GOOS switch this corpus uses for its own config
// directory: LOCALAPPDATA on Windows, ~/.config on Darwin, XDG_CONFIG_HOME
// or ~/.config elsewhere.
func stateDir() (string, error) {
	var baseDir string

	switch runtime.GOOS {
	case "windows":
		localAppData := os.Getenv("LOCALAPPDATA")
		if localAppData == "" {
			userProfile := os.Getenv("USERPROFILE")
			if userProfile == "" {
				return "", fmt.Errorf("appconfig: cannot determine user profile directory")
			}
			baseDir = filepath.Join(userProfile, "AppData", "Local", appName)
		} else {
			baseDir = filepath.Join(localAppData, appName)
		}
	case "darwin":
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("appconfig: cannot determine home directory: %w", err)
		}
		baseDir = filepath.Join(home, ".config", appName)
	default:
		if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
			baseDir = filepath.Join(xdg, appName)
		} else {
			home, err := os.UserHomeDir()
			if err != nil {
				return "", fmt.Errorf("appconfig: cannot determine home directory: %w", err)
			}
			baseDir = filepath.Join(home, ".config", appName)
		}
	}
	return baseDir, nil
}

func ensureStateDir() (string, error) {
	dir, err := stateDir()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", fmt.Errorf("appconfig: creating state directory: %w", err)
	}
	return dir, nil
}

// HistoryEntry records the outcome of one fleet dispatch run against one
// device, for `flashctl history`.
type HistoryEntry struct {
	Timestamp time.Time `json:"timestamp"`
	DeviceID  string    `json:"device_id"`
	Platform  string    `json:"platform"`
	Version   string    `json:"version"`
	Success   bool      `json:"success"`
	Error     string    `json:"error,omitempty"`
}

const historyFile = "history.json"
const maxHistoryEntries = 200

var historyMu sync.Mutex

// AppendHistory records a run outcome, trimming to the most recent
// maxHistoryEntries. Best-effort: a failure to persist history never
// fails the flash itself.
func AppendHistory(entries ...HistoryEntry) error {
	historyMu.Lock()
	defer historyMu.Unlock()

	dir, err := ensureStateDir()
	if err != nil {
		return err
	}
	path := filepath.Join(dir, historyFile)

	existing, _ := loadHistoryLocked(path)
	existing = append(existing, entries...)
	if len(existing) > maxHistoryEntries {
		existing = existing[len(existing)-maxHistoryEntries:]
	}

	data, err := json.MarshalIndent(existing, "", "  ")
	if err != nil {
		return fmt.Errorf("appconfig: marshaling history: %w", err)
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("appconfig: writing history: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("appconfig: committing history: %w", err)
	}
	return nil
}

// LoadHistory returns the persisted history entries, most recent last.
func LoadHistory() ([]HistoryEntry, error) {
	historyMu.Lock()
	defer historyMu.Unlock()

	dir, err := stateDir()
	if err != nil {
		return nil, err
	}
	return loadHistoryLocked(filepath.Join(dir, historyFile))
}

func loadHistoryLocked(path string) ([]HistoryEntry, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("appconfig: reading history: %w", err)
	}
	var entries []HistoryEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("appconfig: parsing history: %w", err)
	}
	return entries, nil
}
