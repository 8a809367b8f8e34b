package storage

import (
	"context"
	"sync"
	"time"

	"github.com/proxy-rotator/internal/pool"
	log "github.com/sirupsen/logrus"
)

// Persister periodically saves the pool's record state and restores it at
// startup, so health history is not lost across restarts.
type Persister struct {
	pool    *pool.Pool
	storage Storage

	interval  time.Duration
	persistMu sync.Mutex
}

func NewPersister(p *pool.Pool, store Storage, persistIntervalSeconds int) *Persister {
	return &Persister{
		pool:     p,
		storage:  store,
		interval: time.Duration(persistIntervalSeconds) * time.Second,
	}
}

// Restore loads the last saved state into the pool. Missing state is not
// an error; the pool simply starts fresh.
func (p *Persister) Restore() error {
	state, err := p.storage.Load()
	if err != nil {
		return err
	}
	if state == nil || len(state.Records) == 0 {
		log.Info("No persisted pool state, starting fresh")
		return nil
	}

	restored := p.pool.Restore(state.Records)
	log.Infof("Restored %d proxy records from storage (saved %s)",
		restored, state.SavedAt.Format(time.RFC3339))
	return nil
}

// Run persists at the configured interval until ctx is cancelled, then
// takes a final save.
func (p *Persister) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.Persist()
			log.Info("Pool persister stopped")
			return
		case <-ticker.C:
			p.Persist()
		}
	}
}

// Persist saves the current pool state. Concurrent calls serialize so a
// slow backend never interleaves two writes.
func (p *Persister) Persist() {
	p.persistMu.Lock()
	defer p.persistMu.Unlock()

	state := &PoolState{
		Records: p.pool.Snapshot(),
		SavedAt: time.Now(),
	}

	if err := p.storage.Save(state); err != nil {
		log.Errorf("Failed to persist pool state: %v", err)
		return
	}
	log.Debugf("Pool state persisted: %d records", len(state.Records))
}
