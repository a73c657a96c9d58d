package httpclient

import (
	"context"
	"io"
	"net/http"
)

type BaseResponse struct {
	StatusCode int
	Body       []byte
	Headers    http.Header
}

type HTTPClient interface {
	Get(ctx context.Context, endpoint string, queryParams map[string]string, headers map[string]string, result interface{}) (*BaseResponse, error)
	Post(ctx context.Context, endpoint string, body interface{}, headers map[string]string, result interface{}) (*BaseResponse, error)

	// Stream issues a GET and hands back the raw body for callers that
	// consume long-lived newline-delimited responses. The caller must
	// close the reader; cancellation is via ctx.
	Stream(ctx context.Context, endpoint string, headers map[string]string) (io.ReadCloser, int, error)
}
