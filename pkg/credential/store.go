package credential

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// Store holds the current credential. Reads never block on I/O and neither
// operation can fail; absence is a valid value.
type Store interface {
	Read() (Credential, bool)
	Write(c Credential)
	Clear()
}

// Backend is durable storage behind a Persistent store.
type Backend interface {
	Load(ctx context.Context) (Credential, bool, error)
	Save(ctx context.Context, c Credential) error
	Delete(ctx context.Context) error
	String() string
}

// Memory is a Store that does not survive a restart.
type Memory struct {
	mu      sync.RWMutex
	current Credential
	present bool
}

func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Read() (Credential, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.current, m.present
}

func (m *Memory) Write(c Credential) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.current = c
	m.present = true
}

func (m *Memory) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.current = Credential{}
	m.present = false
}

const persistTimeout = 5 * time.Second

// Persistent keeps the credential in memory and writes every change through
// to a Backend. Backend failures are logged; the in-memory value stays
// authoritative for the life of the process.
type Persistent struct {
	memory  Memory
	backend Backend
	// serialises backend writes so they land in the same order as memory updates
	saveMu sync.Mutex
}

// NewPersistent loads any credential the backend already holds.
func NewPersistent(ctx context.Context, backend Backend) *Persistent {
	p := &Persistent{backend: backend}

	ctx, cancel := context.WithTimeout(ctx, persistTimeout)
	defer cancel()

	c, ok, err := backend.Load(ctx)
	logger := log.WithField("backend", backend.String())
	switch {
	case err != nil:
		logger.Errorf("error loading credential: %s", err)
	case ok:
		logger.WithField("expiresAt", c.ExpiresAt).Infof("loaded persisted credential")
		p.memory.Write(c)
	default:
		logger.Infof("no persisted credential")
	}
	return p
}

func (p *Persistent) Read() (Credential, bool) {
	return p.memory.Read()
}

func (p *Persistent) Write(c Credential) {
	p.saveMu.Lock()
	defer p.saveMu.Unlock()

	p.memory.Write(c)

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := p.backend.Save(ctx, c); err != nil {
		log.WithField("backend", p.backend.String()).Errorf("error persisting credential: %s", err)
	}
}

func (p *Persistent) Clear() {
	p.saveMu.Lock()
	defer p.saveMu.Unlock()

	p.memory.Clear()

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := p.backend.Delete(ctx); err != nil {
		log.WithField("backend", p.backend.String()).Errorf("error clearing credential: %s", err)
	}
}
