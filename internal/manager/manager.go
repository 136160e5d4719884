// Package manager ties the registry to the session backends. Every public
// operation resolves the backend from the record's kind, runs the
// capability against an immutable snapshot, and merges the returned
// partial update under the registry lock before surfacing any error.
package manager

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/victorarias/dev-sessions/internal/backend"
	"github.com/victorarias/dev-sessions/internal/handle"
	"github.com/victorarias/dev-sessions/internal/logging"
	"github.com/victorarias/dev-sessions/internal/registry"
	"github.com/victorarias/dev-sessions/internal/transcript"
)

// CreateOptions is the public create surface.
type CreateOptions struct {
	Kind          registry.Kind
	WorkspacePath string
	Mode          registry.Mode
	Model         string
	Description   string
}

// Manager dispatches session operations to backends by kind.
type Manager struct {
	reg      *registry.Registry
	backends map[registry.Kind]backend.Backend
	log      *logging.Logger
}

// New builds a manager over the given registry and backends.
func New(reg *registry.Registry, log *logging.Logger, backends ...backend.Backend) *Manager {
	if log == nil {
		log = logging.Discard()
	}
	byKind := make(map[registry.Kind]backend.Backend, len(backends))
	for _, b := range backends {
		byKind[b.Kind()] = b
	}
	return &Manager{reg: reg, backends: byKind, log: log}
}

func (m *Manager) backendFor(kind registry.Kind) (backend.Backend, error) {
	b, ok := m.backends[kind]
	if !ok {
		return nil, fmt.Errorf("no backend for session kind %q", kind)
	}
	return b, nil
}

// CreateSession allocates a handle that is free in the registry and in
// every backend's namespace, then asks the target backend to start the
// session and persists the resulting record.
func (m *Manager) CreateSession(ctx context.Context, opts CreateOptions) (registry.SessionRecord, error) {
	b, err := m.backendFor(opts.Kind)
	if err != nil {
		return registry.SessionRecord{}, err
	}

	checks := []handle.TakenFunc{
		func(h string) (bool, error) {
			_, err := m.reg.Get(h)
			if errors.Is(err, registry.ErrNotFound) {
				return false, nil
			}
			if err != nil {
				return false, err
			}
			return true, nil
		},
	}
	for _, be := range m.backends {
		be := be
		checks = append(checks, func(h string) (bool, error) {
			return be.IsHandleTaken(ctx, h)
		})
	}

	h, err := handle.FindAvailable(checks...)
	if err != nil {
		return registry.SessionRecord{}, err
	}

	res, err := b.Create(ctx, backend.CreateOptions{
		Handle:        h,
		WorkspacePath: opts.WorkspacePath,
		Mode:          opts.Mode,
		Model:         opts.Model,
		Description:   opts.Description,
	})
	if err != nil {
		return registry.SessionRecord{}, err
	}

	now := time.Now()
	rec := registry.SessionRecord{
		Handle:        h,
		InternalID:    res.InternalID,
		Kind:          opts.Kind,
		Mode:          res.Mode,
		WorkspacePath: opts.WorkspacePath,
		Description:   opts.Description,
		Status:        registry.StatusActive,
		DaemonPID:     res.DaemonPID,
		DaemonPort:    res.DaemonPort,
		Model:         res.Model,
		CreatedAt:     now,
		LastUsed:      now,
	}
	if err := m.reg.Upsert(rec); err != nil {
		return registry.SessionRecord{}, err
	}
	return rec, nil
}

// SendMessage persists the backend's pre-send fields, delivers the text,
// and merges the result. A send failure merges the backend's error fields
// before propagating.
func (m *Manager) SendMessage(ctx context.Context, h, text string) error {
	rec, err := m.reg.Get(h)
	if err != nil {
		return err
	}
	b, err := m.backendFor(rec.Kind)
	if err != nil {
		return err
	}

	if pre := b.PreSendFields(ctx, rec); !pre.IsZero() {
		if err := m.reg.Update(h, pre); err != nil {
			return err
		}
		rec.Apply(pre)
	}

	update, sendErr := b.Send(ctx, rec, text)
	if sendErr != nil {
		if err := m.reg.Update(h, b.OnSendError(rec, sendErr)); err != nil {
			m.log.Warnf("manager: recording send failure for %s: %v", h, err)
		}
		return sendErr
	}

	update.LastUsed = registry.Time(time.Now())
	return m.reg.Update(h, update)
}

// KillSession tears the session down, removes its record, and gives the
// backend a chance to clean up shared resources.
func (m *Manager) KillSession(ctx context.Context, h string) error {
	rec, err := m.reg.Get(h)
	if err != nil {
		return err
	}
	b, err := m.backendFor(rec.Kind)
	if err != nil {
		return err
	}
	if err := b.Kill(ctx, rec); err != nil {
		return err
	}
	if err := m.reg.Delete(h); err != nil {
		return err
	}

	var remaining []registry.SessionRecord
	for _, other := range m.mustList() {
		if other.Kind == rec.Kind && other.Status == registry.StatusActive {
			remaining = append(remaining, other)
		}
	}
	return b.AfterKill(ctx, remaining)
}

func (m *Manager) mustList() []registry.SessionRecord {
	records, err := m.reg.List()
	if err != nil {
		m.log.Warnf("manager: listing registry: %v", err)
		return nil
	}
	return records
}

// ListSessions sweeps liveness over every active record, applies each
// backend's dead-session policy, and returns the surviving active set.
func (m *Manager) ListSessions(ctx context.Context) ([]registry.SessionRecord, error) {
	records, err := m.reg.List()
	if err != nil {
		return nil, err
	}

	for _, rec := range records {
		if rec.Status != registry.StatusActive {
			continue
		}
		b, err := m.backendFor(rec.Kind)
		if err != nil {
			m.log.Warnf("manager: %s: %v", rec.Handle, err)
			continue
		}
		switch b.Exists(ctx, rec) {
		case backend.Alive:
		case backend.Unknown:
			m.log.Warnf("manager: liveness of %s is unknown, keeping record", rec.Handle)
		case backend.Dead:
			switch b.DeadSessionPolicy() {
			case backend.PolicyPrune:
				m.log.Infof("manager: pruning dead session %s", rec.Handle)
				if err := m.reg.Delete(rec.Handle); err != nil {
					m.log.Warnf("manager: pruning %s: %v", rec.Handle, err)
				}
			case backend.PolicyDeactivate:
				m.log.Infof("manager: deactivating dead session %s", rec.Handle)
				update := registry.Update{
					Status:         registry.StatusOf(registry.StatusInactive),
					TurnInProgress: registry.Bool(false),
				}
				if err := m.reg.Update(rec.Handle, update); err != nil {
					m.log.Warnf("manager: deactivating %s: %v", rec.Handle, err)
				}
			}
		}
	}

	swept, err := m.reg.List()
	if err != nil {
		return nil, err
	}
	var active []registry.SessionRecord
	for _, rec := range swept {
		if rec.Status == registry.StatusActive {
			active = append(active, rec)
		}
	}
	return active, nil
}

// GetSession returns the raw record.
func (m *Manager) GetSession(h string) (registry.SessionRecord, error) {
	return m.reg.Get(h)
}

// GetSessionStatus asks the backend for the session's conversation state,
// persisting any side effects first.
func (m *Manager) GetSessionStatus(ctx context.Context, h string) (string, error) {
	rec, err := m.reg.Get(h)
	if err != nil {
		return "", err
	}
	b, err := m.backendFor(rec.Kind)
	if err != nil {
		return "", err
	}
	out, err := b.Status(ctx, rec)
	if err != nil {
		return "", err
	}
	if !out.Update.IsZero() {
		if err := m.reg.Update(h, out.Update); err != nil {
			return "", err
		}
	}
	if out.ErrToThrow != nil {
		return "", out.ErrToThrow
	}
	return out.Status, nil
}

// WaitForSession blocks until the backend reports turn completion or the
// timeout passes. The registry update lands before any error surfaces.
func (m *Manager) WaitForSession(ctx context.Context, h string, opts backend.WaitOptions) (backend.WaitResult, error) {
	rec, err := m.reg.Get(h)
	if err != nil {
		return backend.WaitResult{}, err
	}
	b, err := m.backendFor(rec.Kind)
	if err != nil {
		return backend.WaitResult{}, err
	}

	out := b.Wait(ctx, rec, opts)
	update := out.Update
	update.LastUsed = registry.Time(time.Now())
	if err := m.reg.Update(h, update); err != nil {
		m.log.Warnf("manager: persisting wait outcome for %s: %v", h, err)
	}
	if out.ErrToThrow != nil {
		return out.Result, out.ErrToThrow
	}
	return out.Result, nil
}

// GetLogs returns the session's conversational history.
func (m *Manager) GetLogs(ctx context.Context, h string) ([]transcript.Turn, error) {
	rec, err := m.reg.Get(h)
	if err != nil {
		return nil, err
	}
	b, err := m.backendFor(rec.Kind)
	if err != nil {
		return nil, err
	}
	return b.GetLogs(ctx, rec)
}

// GetLastMessages returns the last n assistant messages.
func (m *Manager) GetLastMessages(ctx context.Context, h string, n int) ([]string, error) {
	rec, err := m.reg.Get(h)
	if err != nil {
		return nil, err
	}
	b, err := m.backendFor(rec.Kind)
	if err != nil {
		return nil, err
	}
	return b.GetLastMessages(ctx, rec, n)
}
