package adapters

import (
	"context"
	"errors"
	"net"
	"net/http"

	"google.golang.org/genai"

	"github.com/shouni/x-post-kit/pkg/domain"
)

// classifyError はプロバイダのエラーを domain.Error に分類します。
func classifyError(op string, err error) error {
	if err == nil {
		return nil
	}
	var de *domain.Error
	if errors.As(err, &de) {
		return err
	}

	if code, ok := apiErrorCode(err); ok {
		switch code {
		case http.StatusUnauthorized, http.StatusForbidden:
			return domain.NewProviderError(op, domain.ProviderUnauthorized, err)
		case http.StatusTooManyRequests:
			return domain.NewProviderError(op, domain.ProviderRateLimited, err)
		}
		return domain.NewProviderError(op, domain.ProviderGeneric, err)
	}

	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) || errors.As(err, &netErr) {
		return domain.NewNetworkError(op, err)
	}
	return domain.NewProviderError(op, domain.ProviderGeneric, err)
}

func apiErrorCode(err error) (int, bool) {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code, true
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) && apiErrPtr != nil {
		return apiErrPtr.Code, true
	}
	return 0, false
}
