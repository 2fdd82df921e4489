package adapter

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/m-mizutani/ctxlog"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/lifemon/pkg/domain"
)

const maxErrorBody = 1024

// NewHTTPClient returns the retrying client shared by the REST adapters.
// Rate limit and client errors are returned at once.
func NewHTTPClient(logger *slog.Logger) *retryablehttp.Client {
	client := retryablehttp.NewClient()
	client.RetryMax = 3
	client.RetryWaitMin = 500 * time.Millisecond
	client.RetryWaitMax = 5 * time.Second
	client.HTTPClient.Timeout = 30 * time.Second
	client.CheckRetry = checkRetry
	client.ErrorHandler = retryablehttp.PassthroughErrorHandler
	client.Logger = nil
	if logger != nil {
		client.Logger = logger
	}
	return client
}

func checkRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err == nil && resp != nil && resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return false, nil
	}
	return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
}

// restClient issues JSON requests against one testing service.
type restClient struct {
	service  string
	http     *retryablehttp.Client
	limiters *RateLimiters
	prepare  func(ctx context.Context, req *http.Request)
}

func (c *restClient) do(ctx context.Context, method, url string, body any) ([]byte, error) {
	if err := c.limiters.Wait(ctx, c.service); err != nil {
		return nil, err
	}

	var payload any
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to encode request body")
		}
		payload = raw
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, url, payload)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create request", goerr.V("url", url))
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.prepare != nil {
		c.prepare(ctx, req.Request)
	}

	ctxlog.From(ctx).Debug("testing service request",
		slog.String("method", method),
		slog.String("url", url),
	)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, domain.ErrTestingService.Wrap(err, goerr.V("url", url))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, domain.ErrTestingService.Wrap(err, goerr.V("url", url))
	}
	if err := statusError(resp, data); err != nil {
		return nil, err
	}
	return data, nil
}

func (c *restClient) getJSON(ctx context.Context, url string, out any) error {
	data, err := c.do(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return domain.ErrTestingService.Wrap(err, goerr.V("url", url))
	}
	return nil
}

// statusError maps an HTTP response to the error kinds of the domain.
func statusError(resp *http.Response, body []byte) error {
	code := resp.StatusCode
	if code >= 200 && code < 300 {
		return nil
	}

	if len(body) > maxErrorBody {
		body = body[:maxErrorBody]
	}
	opts := []goerr.Option{
		goerr.V("status", code),
		goerr.V("url", resp.Request.URL.String()),
		goerr.V("body", string(body)),
	}
	cause := goerr.New("unexpected status " + strconv.Itoa(code))

	switch {
	case code == http.StatusNotFound:
		return domain.ErrEntityNotFound.Wrap(cause, opts...)
	case code == http.StatusTooManyRequests:
		return domain.ErrRateLimitExceeded.Wrap(cause, opts...)
	case code == http.StatusForbidden && resp.Header.Get("X-RateLimit-Remaining") == "0":
		return domain.ErrRateLimitExceeded.Wrap(cause, opts...)
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return domain.ErrNotAuthorized.Wrap(cause, opts...)
	default:
		return domain.ErrTestingService.Wrap(cause, opts...)
	}
}

// sliceLog returns log[offset:offset+limit]; limit 0 reads to the end.
func sliceLog(log string, offset, limit int) (string, error) {
	if offset < 0 || limit < 0 {
		return "", domain.ErrInvalidArgument.Wrap(goerr.New("negative offset or limit"),
			goerr.V("offset", offset), goerr.V("limit", limit))
	}
	if offset > len(log) {
		return "", domain.ErrInvalidArgument.Wrap(goerr.New("offset beyond log length"),
			goerr.V("offset", offset), goerr.V("length", len(log)))
	}
	end := len(log)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return log[offset:end], nil
}
