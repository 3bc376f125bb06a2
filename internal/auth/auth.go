package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrMissingToken = errors.New("missing bearer token")
)

// Subject 表示通过认证的调用方。
type Subject struct {
	Name string `json:"name"`
}

type credential struct {
	name   string
	secret []byte
}

// Authenticator 基于静态 Bearer 令牌校验请求。
type Authenticator struct {
	credentials []credential
}

// NewAuthenticator 根据配置的令牌构造认证器。
//
// 令牌可写作 "name:secret" 或仅 "secret"，后者以 "token-<序号>" 命名。
// 没有任何令牌时认证器处于关闭状态，所有请求直接放行。
func NewAuthenticator(tokens []string) *Authenticator {
	a := &Authenticator{}
	for i, raw := range tokens {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		name, secret, ok := strings.Cut(raw, ":")
		if !ok || secret == "" {
			name, secret = fmt.Sprintf("token-%d", i+1), raw
		}
		a.credentials = append(a.credentials, credential{name: name, secret: []byte(secret)})
	}
	return a
}

// Enabled 判断是否需要认证。
func (a *Authenticator) Enabled() bool {
	return a != nil && len(a.credentials) > 0
}

// Authenticate 解析 Authorization 头并返回对应的调用方。
func (a *Authenticator) Authenticate(authorization string) (*Subject, error) {
	if !a.Enabled() {
		return &Subject{Name: "anonymous"}, nil
	}
	scheme, token, ok := strings.Cut(strings.TrimSpace(authorization), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return nil, ErrMissingToken
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrMissingToken
	}
	presented := []byte(token)
	var matched *credential
	for i := range a.credentials {
		// 遍历全部凭据，避免泄露匹配位置。
		if subtle.ConstantTimeCompare(a.credentials[i].secret, presented) == 1 && matched == nil {
			matched = &a.credentials[i]
		}
	}
	if matched == nil {
		return nil, ErrInvalidToken
	}
	return &Subject{Name: matched.name}, nil
}
