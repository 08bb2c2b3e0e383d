package trust

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"

	"github.com/facebookgo/atomicfile"
)

var (
	ErrNotFound = errors.New("trust list not found")
	ErrCorrupt  = errors.New("trust list corrupt")
)

// Store persists a Set as a JSON array of address strings:
//
//	["1.2.3.4", "1.2.3.5"]
//
// The protected host is filtered out on both load and save.
type Store struct {
	path string
	host string
}

func NewStore(path string, host netip.Addr) *Store {
	return &Store{path: path, host: host.String()}
}

func (s *Store) Path() string { return s.path }

// Load always returns a usable Set. A missing or corrupt file gives an empty
// Set together with an error wrapping ErrNotFound or ErrCorrupt.
func (s *Store) Load() (*Set, error) {
	b, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return NewSet(), fmt.Errorf("%w: %s", ErrNotFound, s.path)
	}
	if err != nil {
		return NewSet(), fmt.Errorf("read %s: %w", s.path, err)
	}
	var raw []string
	if err := json.Unmarshal(b, &raw); err != nil {
		return NewSet(), fmt.Errorf("%w: %s: %v", ErrCorrupt, s.path, err)
	}
	set := NewSet()
	for _, v := range raw {
		a, err := netip.ParseAddr(v)
		if err != nil {
			return NewSet(), fmt.Errorf("%w: %s: bad address %q", ErrCorrupt, s.path, v)
		}
		if c := a.Unmap().String(); c != s.host {
			set.Add(c)
		}
	}
	return set, nil
}

// Save replaces the file with set. The write goes to a temp file that is
// renamed into place, so a reader never sees a partial list.
func (s *Store) Save(set *Set) error {
	list := make([]string, 0, set.Len())
	for _, a := range set.List() {
		if a != s.host {
			list = append(list, a)
		}
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "  ")
	if err := enc.Encode(list); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("save %s: %w", s.path, err)
	}
	f, err := atomicfile.New(s.path, 0o644)
	if err != nil {
		return fmt.Errorf("save %s: %w", s.path, err)
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		_ = f.Abort()
		return fmt.Errorf("save %s: %w", s.path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("save %s: %w", s.path, err)
	}
	return nil
}
