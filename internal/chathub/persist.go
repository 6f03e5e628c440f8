package chathub

import (
	"context"

	"pairchat/backend/internal/storage"
)

// persistJob is a storage side effect queued by the hub loop.
type persistJob struct {
	name string
	fn   func(storage.Storage) error
}

// persist queues fn for the storage worker. The hub never waits on storage: when the
// queue is full the write is dropped and logged.
func (m *ManagerService) persist(name string, fn func(storage.Storage) error) {
	if m.Storage == nil {
		return
	}
	select {
	case m.persistCh <- persistJob{name: name, fn: fn}:
	default:
		m.log.Warn().Str("job", name).Msg("persist queue full, dropping write")
	}
}

func (m *ManagerService) runPersister(ctx context.Context) {
	if m.Storage == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-m.persistCh:
			if err := job.fn(m.Storage); err != nil {
				m.log.Error().Err(err).Str("job", job.name).Msg("storage write failed")
			}
		}
	}
}
