package app

import (
	"fmt"
	"sync"

	"weightsync/internal/config"
	"weightsync/internal/wsync"
)

// ConfigStateStore keeps watermarks and blocks in the config file. Every
// change rewrites the file before returning.
type ConfigStateStore struct {
	mu    sync.Mutex
	path  string
	cfg   *config.Config
	clock wsync.Clock
}

var _ wsync.StateStore = (*ConfigStateStore)(nil)

// NewConfigStateStore creates a store that persists cfg to path.
func NewConfigStateStore(path string, cfg *config.Config, clock wsync.Clock) *ConfigStateStore {
	return &ConfigStateStore{path: path, cfg: cfg, clock: clock}
}

func (s *ConfigStateStore) Watermark(dest string) (wsync.Watermark, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, err := s.cfg.LastSync(dest)
	if err != nil {
		return 0, err
	}
	return wsync.Watermark(v), nil
}

func (s *ConfigStateStore) SetWatermark(dest string, wm wsync.Watermark) error {
	if err := wm.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, err := s.cfg.LastSync(dest)
	if err != nil {
		return err
	}
	if err := s.cfg.SetLastSync(dest, int64(wm)); err != nil {
		return err
	}
	if err := config.WriteToFile(s.path, s.cfg); err != nil {
		s.cfg.SetLastSync(dest, prev)
		return fmt.Errorf("saving %s watermark: %w", dest, err)
	}
	return nil
}

func (s *ConfigStateStore) Block(dest string) (*wsync.Error, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, err := s.cfg.Blocked(dest)
	if err != nil || b == nil {
		return nil, err
	}
	return blockToError(b)
}

func (s *ConfigStateStore) SetBlock(dest string, e *wsync.Error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, err := s.cfg.Blocked(dest)
	if err != nil {
		return err
	}
	var b *config.BlockConfig
	if e != nil {
		b = &config.BlockConfig{
			Kind:    string(e.Kind),
			Scope:   string(e.Scope),
			Message: e.Message,
			Since:   s.clock.Now().Unix(),
		}
	}
	if err := s.cfg.SetBlocked(dest, b); err != nil {
		return err
	}
	if err := config.WriteToFile(s.path, s.cfg); err != nil {
		s.cfg.SetBlocked(dest, prev)
		return fmt.Errorf("saving %s block: %w", dest, err)
	}
	return nil
}

// blockToError rebuilds the blocking error recorded in the config.
func blockToError(b *config.BlockConfig) (*wsync.Error, error) {
	kind, err := wsync.ParseKind(b.Kind)
	if err != nil {
		return nil, err
	}
	switch wsync.Scope(b.Scope) {
	case wsync.ScopeAccount:
		return wsync.AccountBlocked(kind, b.Message), nil
	case wsync.ScopeService:
		return wsync.ServiceBlocked(kind, b.Message), nil
	}
	return nil, fmt.Errorf("block scope must be account or service, got %q", b.Scope)
}
