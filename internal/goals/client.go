package goals

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"

	"github.com/leducphy/goaltracker/internal/goals/auth"
)

const ApiBaseUrl = "https://api.goaltracker.app"

const (
	// DefaultRequestTimeout bounds ordinary API calls.
	DefaultRequestTimeout = 8 * time.Second
	// DefaultUploadTimeout bounds large-payload uploads (avatar images).
	DefaultUploadTimeout = 20 * time.Second
)

// TokenSource provides bearer tokens for authenticated calls and accepts the
// server's verdict when a token it handed out turns out to be rejected.
// Implemented by auth.Lifecycle.
type TokenSource interface {
	AccessToken(ctx context.Context) (string, error)
	Invalidate() error
}

type ClientOpts struct {
	BaseURL        string
	RequestTimeout time.Duration
	UploadTimeout  time.Duration
	InstallationID string
}

// Client executes API calls: it attaches bearer tokens from the token source,
// enforces per-call timeouts and classifies failures. It performs no retries;
// callers decide what is retryable.
type Client struct {
	httpClient     *resty.Client
	requestTimeout time.Duration
	uploadTimeout  time.Duration
	tokens         TokenSource
}

func NewClient(opts ClientOpts) *Client {
	c := Client{
		requestTimeout: opts.RequestTimeout,
		uploadTimeout:  opts.UploadTimeout,
	}
	if c.requestTimeout <= 0 {
		c.requestTimeout = DefaultRequestTimeout
	}
	if c.uploadTimeout <= 0 {
		c.uploadTimeout = DefaultUploadTimeout
	}

	baseURL := ApiBaseUrl
	if opts.BaseURL != "" {
		baseURL = opts.BaseURL
	}
	headers := map[string]string{
		"Content-Type": "application/json",
		"Accept":       "application/json",
	}
	if opts.InstallationID != "" {
		headers["X-Installation-Id"] = opts.InstallationID
	}
	c.httpClient = resty.New().
		SetBaseURL(baseURL).
		SetHeaders(headers)

	return &c
}

// SetTokenSource wires in the token lifecycle. Calls made before this is set
// can only be unauthenticated.
func (c *Client) SetTokenSource(tokens TokenSource) {
	c.tokens = tokens
}

// callOpts tweak a single execute call.
type callOpts struct {
	noAuth bool
	upload bool
	query  map[string]string
	file   *fileUpload // switches the request to multipart
}

type fileUpload struct {
	field  string
	name   string
	reader io.Reader
}

// execute performs one API round-trip: token attachment, timeout, call,
// classification, body decode. out may be nil when no response body is
// expected; a malformed body on a 2xx response decodes to nothing rather
// than failing the call.
func (c *Client) execute(ctx context.Context, method, path string, body any, out any, opts callOpts) error {
	budget := c.requestTimeout
	if opts.upload {
		budget = c.uploadTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	req := c.httpClient.NewRequest().SetContext(ctx)

	authed := !opts.noAuth
	if authed {
		if c.tokens == nil {
			return auth.ErrSessionExpired
		}
		token, err := c.tokens.AccessToken(ctx)
		if err != nil {
			// Short-circuit without touching the network.
			return err
		}
		req.SetHeader("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.SetBody(body)
	}
	if opts.query != nil {
		req.SetQueryParams(opts.query)
	}
	if opts.file != nil {
		req.SetFileReader(opts.file.field, opts.file.name, opts.file.reader)
	}

	res, err := req.Execute(method, path)
	if err != nil {
		return classifyTransport(err)
	}

	if res.IsError() {
		apiErr := classifyStatus(res.StatusCode(), serverMessage(res.Body()))
		if authed && apiErr.Kind == KindAuthRejected {
			// The server rejected a token the local clock considered valid.
			// The server is ground truth.
			if ierr := c.tokens.Invalidate(); ierr != nil {
				log.Warn().Err(ierr).Msg("failed to invalidate session after auth rejection")
			}
		}
		return apiErr
	}

	if out == nil || len(res.Body()) == 0 {
		return nil
	}
	if !isJSON(res.Header().Get("Content-Type")) {
		return nil
	}
	if err := json.Unmarshal(res.Body(), out); err != nil {
		// A garbled body must not mask a successful response.
		log.Warn().Err(err).Str("path", path).Msg("undecodable response body on success")
	}
	return nil
}

func classifyTransport(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindTimeout, Message: "request timed out", err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &Error{Kind: KindTimeout, Message: "request timed out", err: err}
	}
	return &Error{Kind: KindNetwork, Message: "network failure", err: err}
}

// serverMessage extracts an error message from a failure body, if the server
// provided one.
func serverMessage(body []byte) string {
	if len(body) == 0 {
		return ""
	}
	var payload struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return ""
	}
	if payload.Message != "" {
		return payload.Message
	}
	return payload.Error
}

func isJSON(contentType string) bool {
	return strings.Contains(contentType, "application/json")
}
