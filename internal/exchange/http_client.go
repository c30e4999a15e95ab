package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/ocx/backend/internal/notifyerr"
)

// HTTPResourceClient is the reference ResourceClient implementation: it
// fetches a resource's current state and data from an HTTP origin,
// grounded on internal/webhooks/dispatcher.go's http.Client usage.
type HTTPResourceClient struct {
	baseURL string
	origin  string
	client  *http.Client
}

// NewHTTPResourceClient builds a client against baseURL, reading
// "<baseURL>/<id>?capability=<capability>". origin names the breaker this
// client's reads are grouped under.
func NewHTTPResourceClient(origin, baseURL string) *HTTPResourceClient {
	return &HTTPResourceClient{
		baseURL: baseURL,
		origin:  origin,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *HTTPResourceClient) Origin() string { return c.origin }

type wireResource struct {
	State string          `json:"state"`
	Data  json.RawMessage `json:"data"`
}

func (c *HTTPResourceClient) Read(ctx context.Context, id string, capability string) (Resource, error) {
	u := fmt.Sprintf("%s/%s", c.baseURL, url.PathEscape(id))
	if capability != "" {
		u += "?capability=" + url.QueryEscape(capability)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return Resource{}, notifyerr.Wrap(notifyerr.KindOperation, "build resource request", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return Resource{}, notifyerr.Wrap(notifyerr.KindOperation, "fetch resource", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return Resource{}, notifyerr.New(notifyerr.KindNotFound, "resource not found: "+id)
	}
	if resp.StatusCode >= 400 {
		return Resource{}, notifyerr.New(notifyerr.KindOperation, fmt.Sprintf("resource fetch returned %d", resp.StatusCode))
	}

	var wire wireResource
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return Resource{}, notifyerr.Wrap(notifyerr.KindData, "decode resource response", err)
	}

	var data interface{}
	if len(wire.Data) > 0 {
		if err := json.Unmarshal(wire.Data, &data); err != nil {
			return Resource{}, notifyerr.Wrap(notifyerr.KindData, "decode resource data", err)
		}
	}

	return Resource{State: wire.State, Data: data}, nil
}
