package main

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"CoralRush/internal/capability"
	"CoralRush/internal/capability/fake"
	"CoralRush/internal/capability/httpprovider"
	"CoralRush/internal/capability/keyword"
	"CoralRush/internal/capability/openai"
	"CoralRush/internal/capability/script"
	"CoralRush/internal/config"
	"CoralRush/internal/intent"
	"CoralRush/internal/resolver"
	"CoralRush/internal/web3/provider"
	"CoralRush/pkg/logger"
)

// namedProvider 记录提供方实例及其支持的能力。
type namedProvider struct {
	provider capability.Provider
	supports []capability.Capability
}

var (
	speechAndIntent = []capability.Capability{capability.Transcribe, capability.Synthesize, capability.AnalyzeIntent}
	intentOnly      = []capability.Capability{capability.AnalyzeIntent}
	ledgerOnly      = []capability.Capability{capability.LedgerAction}
)

// buildProviders 根据配置实例化全部提供方，返回的顺序即默认回退顺序。
func buildProviders(ctx context.Context, cfg *config.Config) ([]namedProvider, error) {
	var out []namedProvider
	closeAll := func() {
		for _, p := range out {
			if c, ok := p.provider.(capability.Closer); ok {
				_ = c.Close()
			}
		}
	}
	fail := func(err error) ([]namedProvider, error) {
		closeAll()
		return nil, err
	}

	for _, pc := range cfg.Providers.GPU {
		client, err := httpprovider.NewClient(pc, nil)
		if err != nil {
			return fail(fmt.Errorf("provider %s: %w", pc.Name, err))
		}
		out = append(out, namedProvider{provider: client, supports: speechAndIntent})
	}
	for _, pc := range cfg.Providers.OpenAI {
		if strings.TrimSpace(pc.APIKey) == "" {
			logger.L().Warn("未配置 OpenAI API Key，跳过提供方", slog.String("provider", pc.Name))
			continue
		}
		client, err := openai.NewClient(pc)
		if err != nil {
			return fail(fmt.Errorf("provider %s: %w", pc.Name, err))
		}
		out = append(out, namedProvider{provider: client, supports: speechAndIntent})
	}
	for _, pc := range cfg.Providers.Script {
		bridge, err := script.NewBridge(pc)
		if err != nil {
			return fail(fmt.Errorf("provider %s: %w", pc.Name, err))
		}
		supports := capability.All()
		if len(pc.Capabilities) > 0 {
			supports = supports[:0]
			for _, raw := range pc.Capabilities {
				c, err := capability.Parse(raw)
				if err != nil {
					return fail(fmt.Errorf("provider %s: %w", pc.Name, err))
				}
				supports = append(supports, c)
			}
		}
		out = append(out, namedProvider{provider: bridge, supports: supports})
	}
	for _, pc := range cfg.Providers.Keyword {
		var catalog *intent.Catalog
		if pc.Catalog != "" {
			loaded, err := intent.LoadCatalog(pc.Catalog)
			if err != nil {
				return fail(fmt.Errorf("provider %s: %w", pc.Name, err))
			}
			catalog = loaded
		}
		kw := keyword.New(pc.Name, catalog, pc.HighRiskDestinations...)
		if pc.Watch && pc.Catalog != "" {
			if err := kw.Watch(ctx, pc.Catalog); err != nil {
				logger.L().Warn("意图目录监听失败，热加载已关闭",
					slog.String("provider", pc.Name),
					slog.Any("error", err),
				)
			}
		}
		out = append(out, namedProvider{provider: kw, supports: intentOnly})
	}
	for _, pc := range cfg.Providers.Ledger {
		registry, err := provider.NewRegistry(ctx, pc)
		if err != nil {
			return fail(fmt.Errorf("provider %s: %w", pc.Name, err))
		}
		out = append(out, namedProvider{provider: registry, supports: ledgerOnly})
	}
	for _, pc := range cfg.Providers.Demo {
		out = append(out, namedProvider{
			provider: fake.New(pc.Name, fake.WithDelay(pc.Delay), fake.WithResponder(fake.Echo)),
			supports: capability.All(),
		})
	}
	return out, nil
}

// buildRegistry 为每种能力注册回退链。
//
// capabilities 中显式配置的能力按配置顺序注册；未配置的能力使用所有
// 支持它的提供方，按声明顺序排列。没有任何提供方的能力不注册，调用时
// 由解析器返回 ALL_PROVIDERS_UNAVAILABLE。
func buildRegistry(cfg *config.Config, providers []namedProvider) (*resolver.Registry, error) {
	byName := make(map[string]capability.Provider, len(providers))
	for _, p := range providers {
		byName[p.provider.Name()] = p.provider
	}

	reg := resolver.NewRegistry()
	configured := make(map[capability.Capability]bool, len(cfg.Capabilities))
	raws := make([]string, 0, len(cfg.Capabilities))
	for raw := range cfg.Capabilities {
		raws = append(raws, raw)
	}
	sort.Strings(raws)
	for _, raw := range raws {
		route := cfg.Capabilities[raw]
		c, err := capability.Parse(raw)
		if err != nil {
			return nil, err
		}
		chain := make([]capability.Provider, 0, len(route.Providers))
		for _, name := range route.Providers {
			p, ok := byName[name]
			if !ok {
				logger.L().Warn("提供方未启用，已从回退链移除",
					slog.String("capability", string(c)),
					slog.String("provider", name),
				)
				continue
			}
			chain = append(chain, p)
		}
		if len(chain) == 0 {
			continue
		}
		if err := reg.Register(c, route.Timeout, chain...); err != nil {
			return nil, err
		}
		configured[c] = true
	}

	for _, c := range capability.All() {
		if configured[c] {
			continue
		}
		var chain []capability.Provider
		for _, p := range providers {
			for _, s := range p.supports {
				if s == c {
					chain = append(chain, p.provider)
					break
				}
			}
		}
		if len(chain) == 0 {
			logger.L().Warn("能力没有可用的提供方", slog.String("capability", string(c)))
			continue
		}
		if err := reg.Register(c, 0, chain...); err != nil {
			return nil, err
		}
	}
	return reg, nil
}
