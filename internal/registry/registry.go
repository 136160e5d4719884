// Package registry persists the session records shared by every devs
// process on a host. Mutations take an inter-process lock and replace the
// file atomically; reads are lock-free and observe either the pre-write or
// post-write version, never a mix.
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/victorarias/dev-sessions/internal/logging"
)

const schemaVersion = 1

// ErrNotFound is returned when a handle has no record.
var ErrNotFound = errors.New("session not found")

type diskState struct {
	Version  int             `json:"version"`
	Sessions []SessionRecord `json:"sessions"`
}

// Registry is a handle to the sessions.json store.
type Registry struct {
	path string
	log  *logging.Logger
}

// Open returns a Registry at path, creating the parent directory.
func Open(path string, log *logging.Logger) (*Registry, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating registry dir: %w", err)
	}
	if log == nil {
		log = logging.Discard()
	}
	return &Registry{path: path, log: log}, nil
}

// Path returns the registry file path.
func (r *Registry) Path() string { return r.path }

// List returns all records sorted by CreatedAt ascending. It reads without
// taking the lock; atomic renames guarantee a consistent view.
func (r *Registry) List() ([]SessionRecord, error) {
	state, err := r.read()
	if err != nil {
		return nil, err
	}
	recs := append([]SessionRecord(nil), state.Sessions...)
	sort.Slice(recs, func(i, j int) bool {
		return recs[i].CreatedAt.Before(recs[j].CreatedAt)
	})
	return recs, nil
}

// Get returns the record for handle, or ErrNotFound.
func (r *Registry) Get(handle string) (SessionRecord, error) {
	state, err := r.read()
	if err != nil {
		return SessionRecord{}, err
	}
	for _, rec := range state.Sessions {
		if rec.Handle == handle {
			return rec, nil
		}
	}
	return SessionRecord{}, fmt.Errorf("%w: %s", ErrNotFound, handle)
}

// Upsert inserts or replaces the record keyed by its handle.
func (r *Registry) Upsert(rec SessionRecord) error {
	if rec.Handle == "" {
		return errors.New("handle is required")
	}
	return r.mutate(func(state *diskState) error {
		for i := range state.Sessions {
			if state.Sessions[i].Handle == rec.Handle {
				state.Sessions[i] = rec
				return nil
			}
		}
		state.Sessions = append(state.Sessions, rec)
		return nil
	})
}

// Update merges a partial update into the record for handle.
func (r *Registry) Update(handle string, u Update) error {
	if u.IsZero() {
		return nil
	}
	return r.mutate(func(state *diskState) error {
		for i := range state.Sessions {
			if state.Sessions[i].Handle == handle {
				state.Sessions[i].Apply(u)
				return nil
			}
		}
		return fmt.Errorf("%w: %s", ErrNotFound, handle)
	})
}

// Delete removes the record for handle. Deleting an absent handle is not
// an error.
func (r *Registry) Delete(handle string) error {
	return r.Prune([]string{handle})
}

// Prune removes every record whose handle appears in handles.
func (r *Registry) Prune(handles []string) error {
	if len(handles) == 0 {
		return nil
	}
	doomed := make(map[string]bool, len(handles))
	for _, h := range handles {
		doomed[h] = true
	}
	return r.mutate(func(state *diskState) error {
		kept := state.Sessions[:0]
		for _, rec := range state.Sessions {
			if !doomed[rec.Handle] {
				kept = append(kept, rec)
			}
		}
		state.Sessions = kept
		return nil
	})
}

// mutate runs fn over the current state under the inter-process lock and
// atomically writes the result back.
func (r *Registry) mutate(fn func(*diskState) error) error {
	release, err := acquireLock(r.path)
	if err != nil {
		return err
	}
	defer release()

	state, err := r.read()
	if err != nil {
		return err
	}
	if err := fn(&state); err != nil {
		return err
	}
	return r.write(state)
}

// read loads and validates the registry file. Records failing the schema
// are dropped with a warning; loading never fails on bad records. A missing
// file yields an empty registry.
func (r *Registry) read() (diskState, error) {
	data, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return diskState{Version: schemaVersion}, nil
		}
		return diskState{}, fmt.Errorf("reading registry: %w", err)
	}

	var state diskState
	if err := json.Unmarshal(data, &state); err != nil {
		return diskState{}, fmt.Errorf("parsing registry: %w", err)
	}
	if state.Version == 0 {
		state.Version = schemaVersion
	}

	valid := state.Sessions[:0]
	for _, rec := range state.Sessions {
		if !rec.Valid() {
			r.log.Warnf("registry: dropping invalid session record %q", rec.Handle)
			continue
		}
		valid = append(valid, rec)
	}
	state.Sessions = valid
	return state, nil
}

// write serializes state to a sibling temp file and renames it over the
// registry path.
func (r *Registry) write(state diskState) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling registry: %w", err)
	}

	tmpPath := r.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o600); err != nil {
		return fmt.Errorf("writing temp registry: %w", err)
	}
	if err := os.Rename(tmpPath, r.path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("renaming registry: %w", err)
	}
	return nil
}
