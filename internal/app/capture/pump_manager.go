package capture

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
)

// PumpManager owns the running pumps keyed by track name.
type PumpManager struct {
	mu    sync.RWMutex
	pumps map[string]*Pump
}

func NewPumpManager() *PumpManager {
	return &PumpManager{
		pumps: make(map[string]*Pump),
	}
}

// Start runs p under name, replacing any pump already registered for it.
func (m *PumpManager) Start(ctx context.Context, name string, p *Pump) {
	logger := log.With().
		Str("module", "app.capture").
		Str("track", name).
		Logger()

	pumpCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	m.mu.Lock()
	old, ok := m.pumps[name]
	m.pumps[name] = p
	m.mu.Unlock()
	if ok {
		logger.Info().Msg("replacing existing pump")
		old.stop()
	}

	logger.Info().Str("mime", p.Src.Mime()).Msg("starting pump")
	go p.loop(pumpCtx, &logger)
}

// Stop stops the pump registered under name and closes its source. It waits
// for the loop to exit.
func (m *PumpManager) Stop(name string) {
	m.mu.Lock()
	p, ok := m.pumps[name]
	if ok {
		delete(m.pumps, name)
	}
	m.mu.Unlock()
	if ok {
		p.stop()
	}
}

func (m *PumpManager) StopAll() {
	m.mu.Lock()
	pumps := m.pumps
	m.pumps = make(map[string]*Pump)
	m.mu.Unlock()
	for _, p := range pumps {
		p.stop()
	}
}

func (m *PumpManager) Has(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.pumps[name]
	return ok
}

func (p *Pump) stop() {
	if p.cancel != nil {
		p.cancel()
	}
	<-p.done.Watch()
	p.Track.Stop()
	if err := p.Src.Close(); err != nil {
		log.Debug().Err(err).Str("module", "app.capture").Msg("close source")
	}
}
