package history

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"
)

// State is the on-disk layout: every series is a JSON array under its key.
type State struct {
	Series    map[string][]json.RawMessage `json:"series"`
	UpdatedAt time.Time                    `json:"updated_at"`
}

// LoadState reads the history from a JSON file. Returns an empty state if the file doesn't exist.
func LoadState(filePath string) (*State, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return &State{Series: make(map[string][]json.RawMessage)}, nil
		}
		return nil, err
	}
	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, err
	}
	if state.Series == nil {
		state.Series = make(map[string][]json.RawMessage)
	}
	return &state, nil
}

// SaveState writes the history to a JSON file via a temp file and rename.
func SaveState(filePath string, state *State) error {
	state.UpdatedAt = time.Now()
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}
	if dir := filepath.Dir(filePath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := filePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, filePath)
}
