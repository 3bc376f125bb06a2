package capability

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	xerrors "CoralRush/internal/errors"
)

// StatusError 将 HTTP 错误状态归一为带错误码的错误。
func StatusError(provider string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
	msg := fmt.Sprintf("%s 返回错误状态 %d: %s", provider, resp.StatusCode, strings.TrimSpace(string(body)))
	var code xerrors.Code
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		code = xerrors.CodeProviderAuth
	case resp.StatusCode == http.StatusTooManyRequests:
		code = xerrors.CodeProviderRateLimited
	case resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode == http.StatusGatewayTimeout:
		code = xerrors.CodeTimeout
	case resp.StatusCode >= http.StatusInternalServerError:
		code = xerrors.CodeProviderUnavailable
	default:
		code = xerrors.CodeProviderMalformed
	}
	return xerrors.New(code, msg,
		xerrors.WithMetadata("provider", provider),
		xerrors.WithMetadata("status", fmt.Sprint(resp.StatusCode)))
}

// TransportError 包装请求发送阶段的错误，区分超时与不可达。
func TransportError(provider string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return xerrors.Wrap(xerrors.CodeTimeout, err, provider+" 调用超时")
	}
	return xerrors.Wrap(xerrors.CodeProviderUnavailable, err, provider+" 不可达")
}

// Unsupported 返回提供方不支持该能力的错误。
func Unsupported(provider string, c Capability) error {
	return xerrors.New(xerrors.CodeUnsupportedOperation, fmt.Sprintf("%s 不支持能力 %s", provider, c))
}
