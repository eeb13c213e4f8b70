// File: control/hotreload.go
// License: Apache-2.0
//
// Config snapshot store with reload hooks.

package control

import (
	"sync"
	"sync/atomic"

	"github.com/momentics/hioload-nio/channel"
	"github.com/momentics/hioload-nio/concurrency"
)

// ReloadHook is called after a new config has been installed.
type ReloadHook func(old, cur *Config)

// ConfigStore holds the current Config and propagates reloads. Reads are
// lock-free; updates are serialized.
//
// Channels passed to Track follow the live-tunable child options (watermarks,
// write spin count, max messages per read, auto read) on every reload until
// they close.
type ConfigStore struct {
	cur   atomic.Pointer[Config]
	mu    sync.Mutex
	hooks []ReloadHook
	live  map[*channel.Channel]struct{}
}

// NewConfigStore validates cfg and returns a store holding it. A nil cfg
// starts from DefaultConfig.
func NewConfigStore(cfg *Config) (*ConfigStore, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &ConfigStore{live: make(map[*channel.Channel]struct{})}
	s.cur.Store(cfg)
	return s, nil
}

// Current returns the installed config. Callers must not modify it.
func (s *ConfigStore) Current() *Config { return s.cur.Load() }

// OnReload registers a hook run synchronously, in registration order, after
// each successful Update.
func (s *ConfigStore) OnReload(fn ReloadHook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = append(s.hooks, fn)
}

// Update validates cfg, installs it, pushes live options to tracked channels,
// then runs the hooks. An invalid cfg leaves the store unchanged.
func (s *ConfigStore) Update(cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.cur.Swap(cfg)
	for ch := range s.live {
		s.push(ch, cfg)
	}
	for _, fn := range s.hooks {
		fn(old, cfg)
	}
	Logger().Info().Int("channels", len(s.live)).Int("hooks", len(s.hooks)).Msg("config reloaded")
	return nil
}

// Reload reads path and installs it with Update.
func (s *ConfigStore) Reload(path string) error {
	cfg, err := LoadConfig(path)
	if err != nil {
		return err
	}
	return s.Update(cfg)
}

// Track subscribes ch to reloads. It is dropped when its close future
// completes. Tracking an already closed channel is a no-op.
func (s *ConfigStore) Track(ch *channel.Channel) {
	s.mu.Lock()
	if !ch.IsOpen() {
		s.mu.Unlock()
		return
	}
	s.live[ch] = struct{}{}
	s.mu.Unlock()
	ch.CloseFuture().AddListener(func(concurrency.Future[struct{}]) {
		s.mu.Lock()
		delete(s.live, ch)
		s.mu.Unlock()
	})
}

// Tracked returns the number of channels following reloads.
func (s *ConfigStore) Tracked() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.live)
}

func (s *ConfigStore) push(ch *channel.Channel, cfg *Config) {
	cc := cfg.Child
	var opts []channel.OptionValue
	if w := cc.WriteBufferWaterMark; w != nil {
		opts = append(opts, channel.Opt(channel.WriteBufferWaterMark, channel.WaterMark{Low: w.Low, High: w.High}))
	}
	if cc.WriteSpinCount > 0 {
		opts = append(opts, channel.Opt(channel.WriteSpinCount, cc.WriteSpinCount))
	}
	if cc.MaxMessagesPerRead > 0 {
		opts = append(opts, channel.Opt(channel.MaxMessagesPerRead, cc.MaxMessagesPerRead))
	}
	if cc.AutoRead != nil {
		opts = append(opts, channel.Opt(channel.AutoRead, *cc.AutoRead))
	}
	if err := ch.Config().SetOptions(opts...); err != nil {
		Logger().Warn().Err(err).Str("channel", ch.ID().Short()).Msg("reload: option rejected")
	}
}
