// Package proxy forwards authorized requests to the configured upstream
// AI providers. The gateway's own credentials never reach the caller and
// the caller's payment proof never reaches the upstream.
package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"satgate-backend/config"
	"satgate-backend/metrics"
	"satgate-backend/models"
)

// Endpoints where upstream generation can legitimately take minutes.
var slowPaths = map[string]bool{
	"/v1/video/generations":  true,
	"/v1/responses":          true,
	"/v1/images/generations": true,
	"/v1/images/edits":       true,
}

// Endpoints whose responses may be server-sent event streams.
var streamablePaths = map[string]bool{
	"/v1/chat/completions": true,
	"/v1/responses":        true,
}

// Upstream forwards request bodies to provider endpoints.
type Upstream struct {
	slow    *http.Client
	fast    *http.Client
	stream  *http.Client
	keyFunc func(envName string) string
}

// NewUpstream builds a forwarder reading provider API keys from the
// environment.
func NewUpstream() *Upstream {
	return &Upstream{
		slow:    &http.Client{Timeout: 600 * time.Second},
		fast:    &http.Client{Timeout: 180 * time.Second},
		stream:  &http.Client{}, // no client timeout; stream lifetime is the caller's
		keyFunc: os.Getenv,
	}
}

func upstreamError(msg string) *models.APIError {
	return models.NewAPIError(http.StatusBadGateway, "upstream_error", msg)
}

// Forward sends the (already validated and priced) body upstream and
// copies the response to w. SSE responses are streamed chunk by chunk.
func (u *Upstream) Forward(ctx context.Context, w http.ResponseWriter, api *config.API, normalizedPath, method string, body []byte, contentType string) *models.APIError {
	upstreamURL := strings.TrimRight(api.UpstreamBase, "/") + normalizedPath
	if !strings.HasPrefix(upstreamURL, "http") {
		return upstreamError("Invalid upstream URL")
	}
	apiKey := u.keyFunc(api.APIKeyEnv)
	if apiKey == "" {
		return upstreamError(fmt.Sprintf("missing upstream key: %s for %s", api.APIKeyEnv, api.Name))
	}

	req, err := http.NewRequestWithContext(ctx, strings.ToUpper(method), upstreamURL, bytes.NewReader(body))
	if err != nil {
		return upstreamError("Upstream request could not be built")
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set(api.AuthHeader, api.AuthPrefix+apiKey)
	for k, v := range api.ExtraHeaders {
		req.Header.Set(k, v)
	}

	client := u.fast
	if slowPaths[normalizedPath] {
		client = u.slow
	}
	if wantsStream(normalizedPath, body) {
		client = u.stream
	}

	resp, err := client.Do(req)
	if err != nil {
		metrics.UpstreamErrors.WithLabelValues(api.Name).Inc()
		return upstreamError(fmt.Sprintf("Upstream request failed: %v", err))
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	w.WriteHeader(resp.StatusCode)

	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 32*1024)
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return nil // caller went away mid-stream
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if rerr == io.EOF {
			return nil
		}
		if rerr != nil {
			// Headers are already sent; nothing more to report.
			return nil
		}
	}
}

func wantsStream(normalizedPath string, body []byte) bool {
	if !streamablePaths[normalizedPath] {
		return false
	}
	var payload struct {
		Stream bool `json:"stream"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return false
	}
	return payload.Stream
}
