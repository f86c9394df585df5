package memory

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/petasbytes/mcp-playground/internal/conversation"
)

// FormatVersion is written into every saved file.
const FormatVersion = 1

// Message is the text-only record of the legacy array format.
type Message struct {
	Role string `json:"role"`
	Text string `json:"text,omitempty"`
}

// Record is the on-disk document.
type Record struct {
	Version   int                 `json:"version"`
	SessionID string              `json:"session_id,omitempty"`
	SavedAt   time.Time           `json:"saved_at"`
	Turns     []conversation.Turn `json:"turns"`
}

// LoadConversation reads the transcript at path. A missing file yields nil
// turns and no error.
func LoadConversation(path string) ([]conversation.Turn, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	trimmed := bytes.TrimSpace(b)
	if len(trimmed) == 0 {
		return nil, nil
	}
	if trimmed[0] == '[' {
		return loadLegacy(trimmed)
	}

	var rec Record
	if err := json.Unmarshal(trimmed, &rec); err != nil {
		return nil, fmt.Errorf("memory: parse %s: %w", path, err)
	}
	if rec.Version > FormatVersion {
		return nil, fmt.Errorf("memory: %s has format version %d, newest supported is %d", path, rec.Version, FormatVersion)
	}
	return rec.Turns, nil
}

func loadLegacy(b []byte) ([]conversation.Turn, error) {
	var msgs []Message
	if err := json.Unmarshal(b, &msgs); err != nil {
		return nil, fmt.Errorf("memory: parse legacy transcript: %w", err)
	}
	turns := make([]conversation.Turn, 0, len(msgs))
	for _, m := range msgs {
		if m.Text == "" {
			continue
		}
		turns = append(turns, conversation.Turn{
			Role:   conversation.Role(m.Role),
			Blocks: []conversation.Block{conversation.NewTextBlock(m.Text)},
		})
	}
	return turns, nil
}

// SaveConversation writes turns to path, replacing it atomically.
func SaveConversation(path, sessionID string, turns []conversation.Turn) error {
	if turns == nil {
		turns = []conversation.Turn{}
	}
	// not indented: indenting would also rewrite raw tool inputs and results
	b, err := json.Marshal(Record{
		Version:   FormatVersion,
		SessionID: sessionID,
		SavedAt:   time.Now().UTC(),
		Turns:     turns,
	})
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
