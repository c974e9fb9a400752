package customfit

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"net/url"
)

// httpResponse is the transport-level result handed to the fetcher.
// Last-Modified and ETag are surfaced through the header map.
type httpResponse struct {
	status  int
	headers http.Header
	body    []byte
}

func (r *httpResponse) lastModified() string { return r.headers.Get("Last-Modified") }
func (r *httpResponse) etag() string         { return r.headers.Get("Etag") }

// httpClient performs the SDK's HTTP traffic. Authentication is the
// client key as a cfenc query parameter, never an Authorization
// header. Offline mode short-circuits every call with an immediate
// network error.
type httpClient struct {
	client    *http.Client
	clientKey string
	logger    *leveledLogger
	offline   func() bool
}

func newHTTPClient(cfg Config, logger *leveledLogger, offline func() bool) *httpClient {
	transport := cfg.Transport
	if transport == nil {
		transport = &http.Transport{
			DialContext: (&net.Dialer{Timeout: cfg.ConnectTimeout}).DialContext,
		}
	}
	return &httpClient{
		client: &http.Client{
			Timeout:   cfg.ReadTimeout,
			Transport: transport,
		},
		clientKey: cfg.ClientKey,
		logger:    logger,
		offline:   offline,
	}
}

func (c *httpClient) head(ctx context.Context, rawURL string, headers map[string]string) Result[*httpResponse] {
	return c.do(ctx, http.MethodHead, rawURL, headers, nil)
}

func (c *httpClient) get(ctx context.Context, rawURL string, headers map[string]string) Result[*httpResponse] {
	return c.do(ctx, http.MethodGet, rawURL, headers, nil)
}

func (c *httpClient) post(ctx context.Context, rawURL string, headers map[string]string, body []byte) Result[*httpResponse] {
	return c.do(ctx, http.MethodPost, rawURL, headers, body)
}

func (c *httpClient) do(ctx context.Context, method, rawURL string, headers map[string]string, body []byte) Result[*httpResponse] {
	if c.offline != nil && c.offline() {
		return Fail[*httpResponse](newError(CategoryNetwork, "client is in offline mode, it cannot initiate HTTP calls"))
	}
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	request, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return Fail[*httpResponse](wrapError(CategoryValidation, err, "cannot build %s request", method))
	}
	request.Header.Set("X-CustomFit-UserAgent", "CustomFit-Go/"+version)
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		if v != "" {
			request.Header.Set(k, v)
		}
	}
	response, err := c.client.Do(request)
	if err != nil {
		return Fail[*httpResponse](wrapError(categoryForError(err), err, "%s %s failed", method, request.URL.Path))
	}
	defer response.Body.Close()
	data, err := io.ReadAll(response.Body)
	if err != nil {
		return Fail[*httpResponse](wrapError(categoryForError(err), err, "%s %s read failed", method, request.URL.Path))
	}
	if c.logger.enabled(LogLevelDebug) {
		c.logger.Debugf("%s %s -> %d (%d bytes)", method, request.URL.Path, response.StatusCode, len(data))
	}
	return Ok(&httpResponse{
		status:  response.StatusCode,
		headers: response.Header,
		body:    data,
	})
}

// authURL appends the cfenc client key parameter to an endpoint URL.
func (c *httpClient) authURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	q := u.Query()
	q.Set("cfenc", c.clientKey)
	u.RawQuery = q.Encode()
	return u.String()
}
