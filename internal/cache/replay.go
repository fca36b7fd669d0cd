package cache

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/goccy/go-json"

	llmerrors "github.com/rizki96/exllm/pkg/errors"
)

// ReplayEntry is one recorded HTTP exchange in the cold replay store.
type ReplayEntry struct {
	StatusCode int               `json:"status_code"`
	Headers    map[string]string `json:"headers,omitempty"`
	Body       json.RawMessage   `json:"body"`
	SavedAt    time.Time         `json:"saved_at"`
}

// ReplayStore is the on-disk replay cache used in test mode. Entries live in
// a content-addressed tree keyed by request fingerprint:
// <root>/<fp[0:2]>/<fp>.json.
type ReplayStore struct {
	root string
}

// NewReplayStore creates the store rooted at dir, creating it when missing.
func NewReplayStore(dir string) (*ReplayStore, error) {
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "exllm-replay")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, llmerrors.NewConfiguration("", "cannot create replay store dir: "+err.Error())
	}
	return &ReplayStore{root: dir}, nil
}

// Root returns the store's base directory.
func (s *ReplayStore) Root() string { return s.root }

func (s *ReplayStore) path(fingerprint string) string {
	shard := "00"
	if len(fingerprint) >= 2 {
		shard = fingerprint[:2]
	}
	return filepath.Join(s.root, shard, fingerprint+".json")
}

// Lookup returns the recorded exchange for fingerprint, or not_found.
func (s *ReplayStore) Lookup(_ context.Context, fingerprint string) (*ReplayEntry, error) {
	data, err := os.ReadFile(s.path(fingerprint))
	if err != nil {
		return nil, llmerrors.NewNotFound("replay entry " + fingerprint)
	}
	var entry ReplayEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, llmerrors.NewProtocol("", "corrupt replay entry: "+err.Error())
	}
	return &entry, nil
}

// Save records an exchange under fingerprint, overwriting any prior entry.
func (s *ReplayStore) Save(_ context.Context, fingerprint string, entry *ReplayEntry) error {
	if entry.SavedAt.IsZero() {
		entry.SavedAt = time.Now()
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return llmerrors.NewException("cannot encode replay entry").WithCause(err)
	}
	path := s.path(fingerprint)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return llmerrors.NewException("cannot create replay shard dir").WithCause(err)
	}
	// Write-then-rename keeps readers from observing partial files.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return llmerrors.NewException("cannot write replay entry").WithCause(err)
	}
	return os.Rename(tmp, path)
}

// Clear removes every recorded entry.
func (s *ReplayStore) Clear(_ context.Context) error {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(s.root, e.Name())); err != nil {
			return err
		}
	}
	return nil
}
