package session

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// SaveInfo describes one save file in a slot directory.
type SaveInfo struct {
	Path    string
	ModTime time.Time
}

// ListSaves returns the save files in slotDir, most recently modified first.
func ListSaves(slotDir string) ([]SaveInfo, error) {
	entries, err := os.ReadDir(slotDir)
	if err != nil {
		return nil, fmt.Errorf("reading slot directory: %w", err)
	}

	var saves []SaveInfo
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			return nil, fmt.Errorf("stat %s: %w", entry.Name(), err)
		}
		saves = append(saves, SaveInfo{
			Path:    filepath.Join(slotDir, entry.Name()),
			ModTime: info.ModTime(),
		})
	}

	sort.Slice(saves, func(i, j int) bool {
		return saves[i].ModTime.After(saves[j].ModTime)
	})
	return saves, nil
}

// SlotDir returns the directory holding the numbered slot's saves.
func SlotDir(savesDir string, slot int) string {
	return filepath.Join(savesDir, fmt.Sprintf("slot_%d", slot))
}

// newestSave resolves the most recent save file in the numbered slot.
func newestSave(savesDir string, slot int) (string, error) {
	saves, err := ListSaves(SlotDir(savesDir, slot))
	if err != nil {
		return "", err
	}
	if len(saves) == 0 {
		return "", fmt.Errorf("slot %d contains no save files", slot)
	}
	return saves[0].Path, nil
}
