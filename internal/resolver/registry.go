package resolver

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"CoralRush/internal/capability"
)

// Route 描述一个能力的有序提供方列表和超时。
type Route struct {
	Providers []capability.Provider
	// Timeout 为零时使用能力默认值。
	Timeout time.Duration
}

// Registry 按能力保存路由，可在测试中替换。
type Registry struct {
	mu     sync.RWMutex
	routes map[capability.Capability]Route
}

// NewRegistry 创建空的注册表。
func NewRegistry() *Registry {
	return &Registry{routes: make(map[capability.Capability]Route)}
}

// Register 为能力注册有序提供方，第一个为主提供方。
func (r *Registry) Register(c capability.Capability, timeout time.Duration, providers ...capability.Provider) error {
	if len(providers) == 0 {
		return fmt.Errorf("capability %s: at least one provider is required", c)
	}
	if timeout < 0 {
		return fmt.Errorf("capability %s: timeout must be positive", c)
	}
	seen := make(map[string]struct{}, len(providers))
	for _, p := range providers {
		if p == nil {
			return fmt.Errorf("capability %s: nil provider", c)
		}
		if _, dup := seen[p.Name()]; dup {
			return fmt.Errorf("capability %s: provider %s listed twice", c, p.Name())
		}
		seen[p.Name()] = struct{}{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes[c] = Route{Providers: append([]capability.Provider(nil), providers...), Timeout: timeout}
	return nil
}

// Route 返回能力的路由。
func (r *Registry) Route(c capability.Capability) (Route, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	route, ok := r.routes[c]
	return route, ok
}

// Capabilities 返回已注册的能力。
func (r *Registry) Capabilities() []capability.Capability {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]capability.Capability, 0, len(r.routes))
	for _, c := range capability.All() {
		if _, ok := r.routes[c]; ok {
			out = append(out, c)
		}
	}
	return out
}

// Close 关闭实现了 capability.Closer 的提供方，每个提供方只关闭一次。
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	closed := make(map[capability.Provider]struct{})
	var errs []error
	for _, route := range r.routes {
		for _, p := range route.Providers {
			if _, done := closed[p]; done {
				continue
			}
			closed[p] = struct{}{}
			if c, ok := p.(capability.Closer); ok {
				if err := c.Close(); err != nil {
					errs = append(errs, fmt.Errorf("close %s: %w", p.Name(), err))
				}
			}
		}
	}
	return errors.Join(errs...)
}
