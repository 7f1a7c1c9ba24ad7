package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	http "github.com/bogdanfinn/fhttp"
	"go.uber.org/zap"

	"github.com/yourneighborhoodchef/keysweep/internal/dispatch"
)

const DefaultKeyHeader = "x-goog-api-key"

// ErrBadRequest is returned for a request that cannot be sent to the
// configured upstream.
var ErrBadRequest = errors.New("bad upstream request")

type Request struct {
	Method string
	Path   string
	Body   []byte
	Header http.Header
}

type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

type ExecutorOptions struct {
	BaseURL   string
	KeyHeader string
	Timeout   time.Duration
	Logger    *zap.Logger
}

// Executor sends requests upstream through a dispatch context.
type Executor struct {
	base      *url.URL
	baseErr   error
	keyHeader string
	timeout   time.Duration
	logger    *zap.Logger
}

func NewExecutor(opts ExecutorOptions) *Executor {
	if opts.KeyHeader == "" {
		opts.KeyHeader = DefaultKeyHeader
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	base, err := url.Parse(strings.TrimRight(opts.BaseURL, "/"))
	if err == nil && (base.Scheme == "" || base.Host == "") {
		err = fmt.Errorf("base url %q has no scheme or host", opts.BaseURL)
	}
	return &Executor{
		base:      base,
		baseErr:   err,
		keyHeader: opts.KeyHeader,
		timeout:   opts.Timeout,
		logger:    opts.Logger.Named("client"),
	}
}

// Target resolves path against the base URL. path must be an absolute path
// with an optional query; anything that would leave the upstream host, such
// as "//host/x", "@host/x" or a full URL, is rejected with ErrBadRequest.
func (e *Executor) Target(path string) (string, error) {
	if e.baseErr != nil {
		return "", fmt.Errorf("%w: %v", ErrBadRequest, e.baseErr)
	}
	if !strings.HasPrefix(path, "/") || strings.HasPrefix(path, "//") {
		return "", fmt.Errorf("%w: path %q must start with a single /", ErrBadRequest, path)
	}
	ref, err := url.Parse(path)
	if err != nil {
		return "", fmt.Errorf("%w: path %q: %v", ErrBadRequest, path, err)
	}
	if ref.Scheme != "" || ref.Host != "" || ref.User != nil {
		return "", fmt.Errorf("%w: path %q names a host", ErrBadRequest, path)
	}

	target := e.base.JoinPath(ref.EscapedPath())
	target.RawQuery = ref.RawQuery
	target.Fragment = ""
	if target.Scheme != e.base.Scheme || target.Host != e.base.Host || target.User.String() != e.base.User.String() {
		return "", fmt.Errorf("%w: path %q leaves %s", ErrBadRequest, path, e.base.Host)
	}
	if prefix := e.base.Path; prefix != "" && target.Path != prefix && !strings.HasPrefix(target.Path, prefix+"/") {
		return "", fmt.Errorf("%w: path %q leaves %s", ErrBadRequest, path, prefix)
	}
	return target.String(), nil
}

// Execute sends req with dc's secret, fingerprint headers and proxy. An error
// wrapping ErrTransport means no response was received; ErrBadRequest means
// nothing was sent.
func (e *Executor) Execute(ctx context.Context, dc *dispatch.Context, req Request) (*Response, error) {
	target, err := e.Target(req.Path)
	if err != nil {
		return nil, err
	}
	httpClient, err := New(dc, e.timeout)
	if err != nil {
		return nil, fmt.Errorf("%w: build client: %v", ErrTransport, err)
	}

	method := req.Method
	if method == "" {
		method = http.MethodPost
	}
	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	httpReq.Header = dc.Fingerprint.Headers()
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	if req.Body != nil && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set(e.keyHeader, dc.SecretKey)

	start := time.Now()
	resp, err := httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", ErrTransport, err)
	}

	e.logger.Debug("Upstream response",
		zap.String("request_id", dc.RequestID),
		zap.String("credential", dc.CredentialKey),
		zap.Int("status", resp.StatusCode),
		zap.Duration("latency", time.Since(start)),
	)
	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: respBody}, nil
}

// Outcome classifies the result of Execute.
func Outcome(resp *Response, err error) dispatch.Outcome {
	if errors.Is(err, ErrBadRequest) {
		return dispatch.Error("request rejected before sending")
	}
	if err != nil {
		return dispatch.TransportFailure(err.Error())
	}
	return Classify(resp.StatusCode, resp.Body)
}

// Call adapts req into a dispatch.Call. The response of the last attempt is
// stored in out.
func (e *Executor) Call(req Request, out **Response) dispatch.Call {
	return func(ctx context.Context, dc *dispatch.Context) dispatch.Outcome {
		resp, err := e.Execute(ctx, dc, req)
		if out != nil {
			*out = resp
		}
		return Outcome(resp, err)
	}
}
