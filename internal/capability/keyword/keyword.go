// Package keyword implements a local, deterministic intent provider driven by
// a keyword catalog. It is the last resort in the analyze-intent chain and can
// reload its catalog when the file changes on disk.
package keyword

import (
	"context"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"CoralRush/internal/capability"
	xerrors "CoralRush/internal/errors"
	"CoralRush/internal/intent"
	"CoralRush/pkg/logger"
)

// Provider 基于关键字目录识别意图。
type Provider struct {
	name      string
	highRisk  []string
	mu        sync.RWMutex
	catalog   *intent.Catalog
	reloadedN int
}

// New 创建 Provider，catalog 为空时使用内置目录。
func New(name string, catalog *intent.Catalog, highRiskDestinations ...string) *Provider {
	if name == "" {
		name = "keyword"
	}
	if catalog == nil || catalog.Len() == 0 {
		catalog = intent.DefaultCatalog()
	}
	return &Provider{name: name, catalog: catalog, highRisk: highRiskDestinations}
}

// Name 返回提供方名称。
func (p *Provider) Name() string { return p.name }

// Invoke 实现 capability.Provider，仅支持意图分析。
func (p *Provider) Invoke(ctx context.Context, req capability.Request) (*capability.Output, error) {
	if req.Capability != capability.AnalyzeIntent {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "keyword provider only analyzes intent")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	text := strings.TrimSpace(req.Payload.Text)
	if text == "" {
		return nil, xerrors.New(xerrors.CodeProviderMalformed, "意图分析文本不能为空")
	}

	p.mu.RLock()
	entry, ok := p.catalog.Match(text)
	p.mu.RUnlock()

	result := intent.Intent{Name: intent.Unknown, Confidence: 0.3}
	if ok {
		result.Name = entry.Intent
		result.Reply = entry.Reply
		result.Confidence = 0.7
	}
	result.Entities = intent.Extract(text)
	result.Risk = intent.Assess(result.Entities, p.highRisk...)
	return result.Output(), nil
}

// Replace 替换当前目录。
func (p *Provider) Replace(c *intent.Catalog) {
	if c == nil {
		return
	}
	p.mu.Lock()
	p.catalog = c
	p.reloadedN++
	p.mu.Unlock()
}

// Reloads 返回目录被替换的次数。
func (p *Provider) Reloads() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.reloadedN
}

// Watch 监听目录文件变化并重新加载，直到 ctx 结束。加载失败时保留旧目录。
func (p *Provider) Watch(ctx context.Context, path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return err
	}
	target := filepath.Clean(path)
	log := logger.Component("keyword").With(slog.String("catalog", target))

	go func() {
		defer watcher.Close()
		var debounce *time.Timer
		defer func() {
			if debounce != nil {
				debounce.Stop()
			}
		}()
		reload := func() {
			catalog, err := intent.LoadCatalog(target)
			if err != nil {
				log.Warn("重新加载意图目录失败，保留旧目录", slog.Any("error", err))
				return
			}
			p.Replace(catalog)
			log.Info("意图目录已重新加载", slog.Int("entries", catalog.Len()))
		}
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(200*time.Millisecond, reload)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warn("意图目录监听出错", slog.Any("error", err))
			}
		}
	}()
	return nil
}
