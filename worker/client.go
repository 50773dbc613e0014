package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/go-querystring/query"
	"github.com/jobcacher/azstash/internal/trace"
	"github.com/jobcacher/azstash/transfer"
	"github.com/klauspost/compress/gzhttp"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

// isJSONContentType checks if the content type indicates JSON response
// Handles cases like "application/json" and "application/json; charset=utf-8"
func isJSONContentType(contentType string) bool {
	contentType = strings.TrimSpace(strings.ToLower(contentType))
	return strings.HasPrefix(contentType, "application/json")
}

// DefaultDispatchMargin is added to the agent's transfer bound to get the
// deadline of a dispatch request.
const DefaultDispatchMargin = time.Minute

// Client dispatches units to a remote agent over HTTP.
type Client struct {
	client          *http.Client
	endpoint        string
	uploadTimeout   time.Duration
	downloadTimeout time.Duration
	margin          time.Duration
}

type ClientOption func(*Client)

// WithTransferTimeouts sets the bounds the agent applies to uploads and
// downloads. Zero values keep the transfer package defaults.
func WithTransferTimeouts(upload, download time.Duration) ClientOption {
	return func(c *Client) {
		if upload > 0 {
			c.uploadTimeout = upload
		}
		if download > 0 {
			c.downloadTimeout = download
		}
	}
}

// WithDispatchMargin overrides DefaultDispatchMargin.
func WithDispatchMargin(d time.Duration) ClientOption {
	return func(c *Client) {
		c.margin = d
	}
}

// NewClient returns a client for the agent at endpoint. An empty token sends
// no Authorization header.
func NewClient(version, endpoint, token string, opts ...ClientOption) Client {
	client := &http.Client{}

	client.Transport = gzhttp.Transport(roundTripperFunc(
		func(req *http.Request) (*http.Response, error) {
			req = req.Clone(req.Context())
			if token != "" {
				req.Header.Set("Authorization", fmt.Sprintf("Token %s", token))
			}
			req.Header.Set("User-Agent", fmt.Sprint("azstash/", version))
			req.Header.Set("Accept", "application/json")
			req.Header.Set("Content-Type", "application/json")
			return http.DefaultTransport.RoundTrip(req)
		}),
	)

	c := Client{
		client:          client,
		endpoint:        strings.TrimSuffix(endpoint, "/"),
		uploadTimeout:   transfer.DefaultUploadTimeout,
		downloadTimeout: transfer.DefaultDownloadTimeout,
		margin:          DefaultDispatchMargin,
	}
	for _, opt := range opts {
		opt(&c)
	}

	return c
}

// deadline bounds the wait for an agent running op, so a stalled connection
// cannot block the controller forever.
func (c Client) deadline(op transfer.Op) time.Duration {
	if op == transfer.OpDownload {
		return c.downloadTimeout + c.margin
	}
	return c.uploadTimeout + c.margin
}

type roundTripperFunc func(*http.Request) (*http.Response, error)

func (fn roundTripperFunc) RoundTrip(r *http.Request) (*http.Response, error) {
	return fn(r)
}

// Dispatch sends the unit to the agent and waits for the outcome. The target's
// worker name is only used for routing, the agent receives the bare path.
func (c Client) Dispatch(ctx context.Context, target FilePath, unit transfer.Unit) (*transfer.Info, error) {
	ctx, span := trace.Start(ctx, "Client.Dispatch",
		attribute.String("worker", target.Worker),
		attribute.String("op", string(unit.Op)),
	)
	defer span.End()

	log.Debug().Str("worker", target.Worker).Str("path", target.Path).Str("unit", unit.String()).Msg("dispatching transfer")

	ctx, cancel := context.WithTimeout(ctx, c.deadline(unit.Op))
	defer cancel()

	req := TransferReq{Unit: unit, Path: target.Path}

	resp, err := doRequest[TransferReq, TransferResp](ctx, c.client, http.MethodPost, c.endpoint+transfersPath, &req)
	if err != nil {
		return nil, trace.NewError(span, "%s: %w", target, err)
	}

	if resp.Info == nil {
		return nil, trace.NewError(span, "%s: agent returned no transfer info", target)
	}

	return resp.Info, nil
}

// Stat asks the agent about a file it owns.
func (c Client) Stat(ctx context.Context, target FilePath) (FileStat, error) {
	ctx, span := trace.Start(ctx, "Client.Stat", attribute.String("worker", target.Worker))
	defer span.End()

	queryParams, err := query.Values(FileReq{Path: target.Path})
	if err != nil {
		return FileStat{}, trace.NewError(span, "failed to marshal query params: %w", err)
	}

	u, err := url.Parse(c.endpoint + filesPath)
	if err != nil {
		return FileStat{}, trace.NewError(span, "failed to parse url: %w", err)
	}
	u.RawQuery = queryParams.Encode()

	stat, err := doRequest[any, FileStat](ctx, c.client, http.MethodGet, u.String(), nil)
	if err != nil {
		return FileStat{}, trace.NewError(span, "%s: %w", target, err)
	}

	return stat, nil
}

// Healthy reports whether the agent answers its health check.
func (c Client) Healthy(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+healthPath, http.NoBody)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	res, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to do request: %w", err)
	}
	defer func() {
		_ = res.Body.Close()
	}()

	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("agent unhealthy: %s", res.Status)
	}

	return nil
}

func doRequest[T any, V any](ctx context.Context, client *http.Client, method string, url string, body *T) (resp V, err error) {
	ctx, span := trace.Start(ctx, "DoRequest")
	defer span.End()

	var bodyrdr io.Reader = http.NoBody

	// ONLY set body if method is PUT or POST
	if method == http.MethodPut || method == http.MethodPost {
		data, err := json.Marshal(body)
		if err != nil {
			return resp, trace.NewError(span, "failed to marshal request body: %w", err)
		}
		bodyrdr = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bodyrdr)
	if err != nil {
		return resp, trace.NewError(span, "failed to create request: %w", err)
	}

	res, err := client.Do(req)
	if err != nil {
		return resp, trace.NewError(span, "failed to do request: %w", err)
	}
	defer func() {
		_ = res.Body.Close()
	}()

	contentType := res.Header.Get("Content-Type")
	if !isJSONContentType(contentType) {
		return resp, trace.NewError(span, "unexpected content type %q with status: %s", contentType, res.Status)
	}

	if res.StatusCode != http.StatusOK {
		var errResp ErrorResp
		if err := json.NewDecoder(res.Body).Decode(&errResp); err != nil {
			return resp, trace.NewError(span, "request failed with status: %s", res.Status)
		}
		return resp, trace.NewError(span, "%w", decodeError(errResp))
	}

	if err = json.NewDecoder(res.Body).Decode(&resp); err != nil {
		return resp, trace.NewError(span, "failed to decode response body: %w", err)
	}

	return resp, nil
}
