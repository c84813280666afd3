package tools

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/nextlevelbuilder/envoy/pkg/protocol"
)

const (
	defaultFetchMaxChars = 50000
	fetchTimeout         = 30 * time.Second
	fetchUserAgent       = "envoy/1.0 (+https://github.com/nextlevelbuilder/envoy)"
	truncationMarker     = "\n\n[truncated: response exceeded max_response_length]"
)

// FetchURLTool performs an HTTP GET and converts HTML responses to
// markdown before handing them to the model.
type FetchURLTool struct {
	SchemaValidated
	maxResponseLength int
	client            *http.Client
}

func NewFetchURLTool(maxResponseLength int) *FetchURLTool {
	if maxResponseLength <= 0 {
		maxResponseLength = defaultFetchMaxChars
	}
	t := &FetchURLTool{
		maxResponseLength: maxResponseLength,
		client: &http.Client{
			Timeout: fetchTimeout,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				IdleConnTimeout:     30 * time.Second,
				TLSHandshakeTimeout: 15 * time.Second,
			},
		},
	}
	t.BindSchema(t)
	return t
}

func (t *FetchURLTool) Name() string       { return "fetch_url" }
func (t *FetchURLTool) Permission() string { return protocol.PermissionNetwork }
func (t *FetchURLTool) Description() string {
	return "Fetch a URL over HTTP GET. HTML responses are converted to markdown."
}

func (t *FetchURLTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"url": map[string]interface{}{
				"type":        "string",
				"description": "HTTP or HTTPS URL to fetch",
			},
		},
		"required": []string{"url"},
	}
}

func (t *FetchURLTool) Execute(ctx context.Context, input map[string]interface{}) *Result {
	rawURL, _ := input["url"].(string)
	if rawURL == "" {
		return ErrorResult("url is required")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return Errorf("invalid URL: %v", err)
	}
	req.Header.Set("User-Agent", fetchUserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")

	resp, err := t.client.Do(req)
	if err != nil {
		return Errorf("fetch failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return Errorf("HTTP %d %s", resp.StatusCode, http.StatusText(resp.StatusCode))
	}

	// Read extra headroom: HTML markup collapses during conversion.
	body, err := io.ReadAll(io.LimitReader(resp.Body, int64(t.maxResponseLength)*4))
	if err != nil {
		return Errorf("read body: %v", err)
	}

	text := string(body)
	if isHTMLContentType(resp.Header.Get("Content-Type")) {
		text = htmlToMarkdown(text)
	}

	if len(text) > t.maxResponseLength {
		text = text[:t.maxResponseLength] + truncationMarker
	}
	return Ok(text)
}

// isHTMLContentType matches text/html and application/xhtml+xml,
// case-insensitively and ignoring parameters after ";".
func isHTMLContentType(ct string) bool {
	mediaType := ct
	if i := strings.IndexByte(mediaType, ';'); i >= 0 {
		mediaType = mediaType[:i]
	}
	mediaType = strings.ToLower(strings.TrimSpace(mediaType))
	return strings.HasPrefix(mediaType, "text/html") ||
		strings.HasPrefix(mediaType, "application/xhtml+xml")
}
