package installer

import (
	"context"
	"net/http"

	jsoniter "github.com/json-iterator/go"

	"github.com/circlesabound/fctrl-agent/internal/agenterr"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Resolved is the minimal schema extracted from the version-catalog
// response (spec.md §6).
type Resolved struct {
	Version     string `json:"version"`
	DownloadURL string `json:"download_url"`
	SHA1        string `json:"sha1"`
}

// Catalog resolves a requested version to a download location. The
// remote catalog service itself is an out-of-scope external
// collaborator (spec.md §1); this interface is the Agent's only
// contract with it.
type Catalog interface {
	ResolveVersion(ctx context.Context, version string) (Resolved, error)
}

// HTTPCatalog is the concrete HTTPS JSON client for the version
// catalog, grounded on a minimal remote-backend client
// shape (ais/backend/http.go): resolve one URL, decode one small JSON
// schema, classify non-2xx and decode failures.
type HTTPCatalog struct {
	BaseURL string
	Client  *http.Client
}

func NewHTTPCatalog(baseURL string) *HTTPCatalog {
	return &HTTPCatalog{BaseURL: baseURL, Client: http.DefaultClient}
}

func (c *HTTPCatalog) ResolveVersion(ctx context.Context, version string) (Resolved, error) {
	url := c.BaseURL + "/versions/" + version
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Resolved{}, agenterr.Wrap(agenterr.UnknownVersion, err, "building catalog request")
	}
	resp, err := c.Client.Do(req)
	if err != nil {
		return Resolved{}, agenterr.Wrap(agenterr.UnknownVersion, err, "querying catalog")
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return Resolved{}, agenterr.New(agenterr.UnknownVersion, "%s", version)
	}
	if resp.StatusCode != http.StatusOK {
		return Resolved{}, agenterr.New(agenterr.UnknownVersion, "catalog returned status %d", resp.StatusCode)
	}
	var out Resolved
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Resolved{}, agenterr.Wrap(agenterr.UnknownVersion, err, "decoding catalog response")
	}
	return out, nil
}
