package didpay

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// Client resolves DIDs against a DIF universal-resolver compatible HTTP endpoint.
type Client struct {
	// base URL, eg "https://dev.uniresolver.io"
	ResolverURL string
	UserAgent   string
	HTTPClient  *http.Client
}

var _ Resolver = (*Client)(nil)

// universal resolver responses are either the bare document, or a resolution result wrapping it
type resolutionResult struct {
	Document *Document `json:"didDocument"`
	Metadata struct {
		Error string `json:"error"`
	} `json:"didResolutionMetadata"`
}

func (c *Client) Resolve(ctx context.Context, did string) (*Document, error) {
	if c.ResolverURL == "" {
		return nil, fmt.Errorf("%w: resolver URL not configured", ErrIdentifierResolutionFailed)
	}
	if !strings.HasPrefix(did, "did:") {
		return nil, fmt.Errorf("%w: %w: %q", ErrIdentifierResolutionFailed, ErrMalformedIdentifier, did)
	}
	u := strings.TrimSuffix(c.ResolverURL, "/") + "/1.0/identifiers/" + url.PathEscape(did)
	req, err := http.NewRequestWithContext(ctx, "GET", u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/did+ld+json, application/json")
	if c.UserAgent != "" {
		req.Header.Set("User-Agent", c.UserAgent)
	}

	hc := c.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIdentifierResolutionFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: DID not found: %s", ErrIdentifierResolutionFailed, did)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: resolver HTTP status: %d", ErrIdentifierResolutionFailed, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIdentifierResolutionFailed, err)
	}
	return decodeResolution(did, body)
}

func decodeResolution(did string, body []byte) (*Document, error) {
	var res resolutionResult
	if err := json.Unmarshal(body, &res); err != nil {
		return nil, fmt.Errorf("%w: malformed document: %v", ErrIdentifierResolutionFailed, err)
	}
	if res.Metadata.Error != "" {
		return nil, fmt.Errorf("%w: %s", ErrIdentifierResolutionFailed, res.Metadata.Error)
	}
	doc := res.Document
	if doc == nil {
		doc = &Document{}
		if err := json.Unmarshal(body, doc); err != nil {
			return nil, fmt.Errorf("%w: malformed document: %v", ErrIdentifierResolutionFailed, err)
		}
	}
	if doc.ID == "" {
		return nil, fmt.Errorf("%w: document has no id", ErrIdentifierResolutionFailed)
	}
	if doc.ID != did {
		return nil, fmt.Errorf("%w: document id %q does not match %q", ErrIdentifierResolutionFailed, doc.ID, did)
	}
	return doc, nil
}
