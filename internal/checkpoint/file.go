package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/lessonloop/realtime/internal/codec"
)

// FileStore keeps one JSON snapshot file per document under a root
// directory. Writes are atomic (write to temp, rename) so a crash never
// leaves a half-written checkpoint behind.
type FileStore struct {
	root string
}

type fileCheckpoint struct {
	State        string `json:"state"`
	RenderedText string `json:"renderedText"`
	UpdatedAt    string `json:"updatedAt"`
}

func NewFileStore(root string) (*FileStore, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, ErrInvalidInput
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &FileStore{root: filepath.Clean(root)}, nil
}

func (s *FileStore) path(documentID string) (string, error) {
	if documentID == "" || strings.ContainsAny(documentID, "/\\") {
		return "", ErrInvalidInput
	}
	return filepath.Join(s.root, documentID+".checkpoint.json"), nil
}

func (s *FileStore) Load(ctx context.Context, documentID string) (*Checkpoint, error) {
	path, err := s.path(documentID)
	if err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var stored fileCheckpoint
	if err := json.Unmarshal(raw, &stored); err != nil {
		return nil, err
	}
	state, err := codec.Decode(stored.State)
	if err != nil {
		return nil, err
	}
	updatedAt, _ := time.Parse(time.RFC3339Nano, stored.UpdatedAt)
	return &Checkpoint{
		State:        state,
		RenderedText: stored.RenderedText,
		UpdatedAt:    updatedAt,
	}, nil
}

func (s *FileStore) Save(ctx context.Context, documentID string, cp Checkpoint) error {
	path, err := s.path(documentID)
	if err != nil {
		return err
	}
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = time.Now()
	}
	raw, err := json.Marshal(fileCheckpoint{
		State:        codec.Encode(cp.State),
		RenderedText: cp.RenderedText,
		UpdatedAt:    cp.UpdatedAt.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return err
	}
	return writeFileAtomic(path, raw, 0o644)
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}
