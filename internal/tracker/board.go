package tracker

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"gopkg.in/yaml.v3"

	"pipewright/internal/status"
)

// DefaultBoardPath is the board file location relative to the working directory.
const DefaultBoardPath = ".pipewright/board.yaml"

// BoardPathEnv overrides the board location.
const BoardPathEnv = "PIPEWRIGHT_BOARD_PATH"

// ResolveBoardPath returns the board file path.
//
// Priority order:
//  1. PIPEWRIGHT_BOARD_PATH environment variable
//  2. explicit path from config
//  3. [DefaultBoardPath]
func ResolveBoardPath(explicit string) string {
	if envPath := os.Getenv(BoardPathEnv); envPath != "" {
		return envPath
	}
	if explicit != "" {
		return explicit
	}
	return DefaultBoardPath
}

// Item is one work item on the board.
type Item struct {
	ID          string        `yaml:"id"`
	URL         string        `yaml:"url,omitempty"`
	Parent      string        `yaml:"parent,omitempty"`
	Category    string        `yaml:"category,omitempty"`
	Body        string        `yaml:"body,omitempty"`
	State       status.Status `yaml:"state"`
	Annotations []string      `yaml:"annotations,omitempty"`
}

// Ref returns the item's reference.
func (i Item) Ref() ItemRef { return ItemRef{ID: i.ID, URL: i.URL} }

// Board is the on-disk board document.
type Board struct {
	Items []Item `yaml:"items"`
}

func (b *Board) find(id string) int {
	return slices.IndexFunc(b.Items, func(it Item) bool { return it.ID == id })
}

// locate finds the item ref names, by id or, for URL-only refs, by URL.
func (b *Board) locate(ref ItemRef) int {
	return slices.IndexFunc(b.Items, func(it Item) bool { return it.Ref().Matches(ref) })
}

// FileTracker is a [Tracker] backed by a YAML board file.
//
// Every operation reads the file, applies the change and writes it back
// atomically (temp file, then rename). Operations on one FileTracker are
// serialized; separate processes sharing a board are not coordinated.
type FileTracker struct {
	path      string
	columnAPI bool
	mu        sync.Mutex
}

// NewFileTracker creates a tracker for the board at path. The file is created
// on first write.
func NewFileTracker(path string) *FileTracker {
	return &FileTracker{path: path, columnAPI: true}
}

// SetColumnAPI controls whether SetLifecycleState is supported. Boards
// without a column API only accept annotations.
func (t *FileTracker) SetColumnAPI(enabled bool) {
	t.columnAPI = enabled
}

// Path returns the board file path.
func (t *FileTracker) Path() string { return t.path }

func (t *FileTracker) load() (*Board, error) {
	data, err := os.ReadFile(t.path)
	if errors.Is(err, fs.ErrNotExist) {
		return &Board{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read board: %w", err)
	}
	var b Board
	if err := yaml.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("failed to parse board: %w", err)
	}
	return &b, nil
}

func (t *FileTracker) save(b *Board) error {
	data, err := yaml.Marshal(b)
	if err != nil {
		return fmt.Errorf("failed to marshal board: %w", err)
	}
	if dir := filepath.Dir(t.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to write board: %w", err)
		}
	}

	tmpPath := t.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write board: %w", err)
	}
	if err := os.Rename(tmpPath, t.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write board: %w", err)
	}
	return nil
}

// update runs fn against the loaded board and saves it when fn succeeds.
func (t *FileTracker) update(ctx context.Context, fn func(*Board) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	b, err := t.load()
	if err != nil {
		return err
	}
	if err := fn(b); err != nil {
		return err
	}
	return t.save(b)
}

func (t *FileTracker) view(ctx context.Context, fn func(*Board) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	b, err := t.load()
	if err != nil {
		return err
	}
	return fn(b)
}

// EnsureItem returns the item for ref, adding it to the board in Backlog if
// it is not there yet.
func (t *FileTracker) EnsureItem(ctx context.Context, ref ItemRef) (Item, error) {
	var item Item
	err := t.update(ctx, func(b *Board) error {
		if i := b.locate(ref); i >= 0 {
			item = b.Items[i]
			return nil
		}
		item = Item{ID: ref.ID, URL: ref.URL, State: status.StatusBacklog}
		b.Items = append(b.Items, item)
		return nil
	})
	return item, err
}

// Item returns the board entry for id.
func (t *FileTracker) Item(ctx context.Context, id string) (Item, error) {
	var item Item
	err := t.view(ctx, func(b *Board) error {
		i := b.find(id)
		if i < 0 {
			return fmt.Errorf("%w: %s", ErrItemNotFound, id)
		}
		item = b.Items[i]
		return nil
	})
	return item, err
}

// CreateChildItem implements [Tracker].
func (t *FileTracker) CreateChildItem(ctx context.Context, parent ItemRef, category, body string) (ItemRef, error) {
	var ref ItemRef
	err := t.update(ctx, func(b *Board) error {
		if b.locate(parent) < 0 {
			return fmt.Errorf("%w: %s", ErrItemNotFound, parent)
		}
		key := parent.Key()
		n := 1
		for _, it := range b.Items {
			if it.Parent == key {
				n++
			}
		}
		id := fmt.Sprintf("%s-%d", key, n)
		for b.find(id) >= 0 {
			n++
			id = fmt.Sprintf("%s-%d", key, n)
		}
		b.Items = append(b.Items, Item{
			ID:       id,
			Parent:   key,
			Category: category,
			Body:     body,
			State:    status.StatusBacklog,
		})
		ref = ItemRef{ID: id}
		return nil
	})
	return ref, err
}

// ListChildren implements [Tracker].
func (t *FileTracker) ListChildren(ctx context.Context, parent ItemRef, category string) ([]ItemRef, error) {
	var refs []ItemRef
	err := t.view(ctx, func(b *Board) error {
		for _, it := range b.Items {
			if it.Parent != parent.Key() {
				continue
			}
			if category != "" && it.Category != category {
				continue
			}
			refs = append(refs, it.Ref())
		}
		return nil
	})
	return refs, err
}

// GetLifecycleState implements [Tracker].
func (t *FileTracker) GetLifecycleState(ctx context.Context, ref ItemRef) (status.Status, error) {
	var item Item
	err := t.view(ctx, func(b *Board) error {
		i := b.locate(ref)
		if i < 0 {
			return fmt.Errorf("%w: %s", ErrItemNotFound, ref)
		}
		item = b.Items[i]
		return nil
	})
	if err != nil {
		return "", err
	}
	if item.State == "" {
		return status.StatusBacklog, nil
	}
	return status.ParseStatus(string(item.State))
}

// SetLifecycleState implements [Tracker].
func (t *FileTracker) SetLifecycleState(ctx context.Context, ref ItemRef, state status.Status) error {
	if !t.columnAPI {
		return &UnsupportedOperationError{Operation: "SetLifecycleState", Reason: "board has no column API"}
	}
	if !state.IsValid() {
		return fmt.Errorf("invalid status: %s", state)
	}
	return t.update(ctx, func(b *Board) error {
		i := b.locate(ref)
		if i < 0 {
			return fmt.Errorf("%w: %s", ErrItemNotFound, ref)
		}
		b.Items[i].State = state
		return nil
	})
}

// AppendAnnotation implements [Tracker].
func (t *FileTracker) AppendAnnotation(ctx context.Context, ref ItemRef, text string) error {
	return t.update(ctx, func(b *Board) error {
		i := b.locate(ref)
		if i < 0 {
			return fmt.Errorf("%w: %s", ErrItemNotFound, ref)
		}
		b.Items[i].Annotations = append(b.Items[i].Annotations, text)
		return nil
	})
}
