// Package script runs an external program per request, writing the
// capability request to stdin as JSON and reading the output from stdout.
package script

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"CoralRush/internal/capability"
	xerrors "CoralRush/internal/errors"
)

// Config 描述外部脚本提供方。
type Config struct {
	Name         string   `yaml:"name"`
	Executable   string   `yaml:"executable"`
	Script       string   `yaml:"script"`
	Args         []string `yaml:"args"`
	WorkingDir   string   `yaml:"working_dir"`
	Capabilities []string `yaml:"capabilities"`
}

// Bridge 通过调用外部脚本实现能力。
type Bridge struct {
	name       string
	executable string
	args       []string
	workingDir string
	supported  map[capability.Capability]bool
}

var _ capability.Provider = (*Bridge)(nil)

// NewBridge 创建脚本桥接提供方。Capabilities 为空时接受全部能力。
func NewBridge(cfg Config) (*Bridge, error) {
	if cfg.Script == "" && cfg.Executable == "" {
		return nil, fmt.Errorf("未指定脚本路径")
	}
	executable := cfg.Executable
	args := append([]string(nil), cfg.Args...)
	if cfg.Script != "" {
		if executable == "" {
			executable = "python3"
		}
		args = append([]string{cfg.Script}, args...)
	}
	name := cfg.Name
	if name == "" {
		name = "script:" + filepath.Base(cfg.Script)
	}
	var supported map[capability.Capability]bool
	if len(cfg.Capabilities) > 0 {
		supported = make(map[capability.Capability]bool, len(cfg.Capabilities))
		for _, raw := range cfg.Capabilities {
			c, err := capability.Parse(raw)
			if err != nil {
				return nil, err
			}
			supported[c] = true
		}
	}
	return &Bridge{
		name:       name,
		executable: executable,
		args:       args,
		workingDir: cfg.WorkingDir,
		supported:  supported,
	}, nil
}

// Name 返回提供方名称。
func (b *Bridge) Name() string { return b.name }

type scriptRequest struct {
	Capability capability.Capability `json:"capability"`
	SessionID  string                `json:"session_id,omitempty"`
	Payload    capability.Payload    `json:"payload"`
	Timestamp  int64                 `json:"timestamp"`
}

type scriptResponse struct {
	capability.Output
	Error string `json:"error,omitempty"`
}

// Invoke 调用外部脚本，并解析输出。
func (b *Bridge) Invoke(ctx context.Context, req capability.Request) (*capability.Output, error) {
	if b.supported != nil && !b.supported[req.Capability] {
		return nil, capability.Unsupported(b.name, req.Capability)
	}
	encoded, err := json.Marshal(scriptRequest{
		Capability: req.Capability,
		SessionID:  req.SessionID,
		Payload:    req.Payload,
		Timestamp:  time.Now().Unix(),
	})
	if err != nil {
		return nil, fmt.Errorf("序列化请求失败: %w", err)
	}

	command := exec.CommandContext(ctx, b.executable, b.args...)
	if b.workingDir != "" {
		command.Dir = b.workingDir
	}
	command.Stdin = bytes.NewReader(encoded)

	var stdout, stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, xerrors.Wrap(xerrors.CodeTimeout, ctxErr, b.name+" 调用超时")
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, xerrors.New(xerrors.CodeProviderUnavailable,
				fmt.Sprintf("执行脚本失败: %v, stderr=%s", err, strings.TrimSpace(stderr.String())))
		}
		return nil, xerrors.Wrap(xerrors.CodeProviderUnavailable, err, "无法启动脚本")
	}

	var resp scriptResponse
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeProviderMalformed, err, "解析脚本输出失败")
	}
	if resp.Error != "" {
		return nil, xerrors.New(xerrors.CodeProviderUnavailable, b.name+": "+resp.Error)
	}
	out := resp.Output
	return &out, nil
}

// ResolveScriptPath 根据工作目录推导脚本绝对路径。
func ResolveScriptPath(baseDir, script string) string {
	if script == "" {
		return ""
	}
	if filepath.IsAbs(script) {
		return script
	}
	if baseDir == "" {
		return script
	}
	return filepath.Join(baseDir, script)
}
