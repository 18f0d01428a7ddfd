package modstore

import (
	"context"
	"net/http"
	"net/url"

	jsoniter "github.com/json-iterator/go"

	"github.com/circlesabound/fctrl-agent/internal/agenterr"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ResolvedMod is the download location for one {name,version} pair,
// analogous to installer.Resolved. XXHash64, when set, is this
// module's own post-download integrity tag (see modstore.go); it is
// never populated from the wire, since the mod catalog's actual
// release schema (spec.md §6) carries a sha1 field this module
// deliberately doesn't verify against (DESIGN.md).
type ResolvedMod struct {
	DownloadURL string
	XXHash64    string
}

// release is one entry of the mod catalog's actual response schema
// (spec.md §6): "{releases: [{version, download_url, sha1}]}", keyed
// by mod name only - the version is filtered for client-side.
type release struct {
	Version     string `json:"version"`
	DownloadURL string `json:"download_url"`
	SHA1        string `json:"sha1"`
}

type releasesResponse struct {
	Releases []release `json:"releases"`
}

// Catalog resolves a mod name/version to a download location using the
// catalog credential carried in Secrets. The remote mod catalog is an
// out-of-scope external collaborator per spec.md §1.
type Catalog interface {
	ResolveMod(ctx context.Context, name, version, username, token string) (ResolvedMod, error)
}

// HTTPCatalog is the mod catalog's HTTPS JSON client, grounded on the
// same teacher remote-backend shape as installer.HTTPCatalog
// (ais/backend/http.go): resolve one URL, decode one small JSON
// schema, classify non-2xx and decode failures. The credential is
// carried as basic auth rather than a query parameter so it never
// lands in a proxy access log.
type HTTPCatalog struct {
	BaseURL string
	Client  *http.Client
}

func NewHTTPCatalog(baseURL string) *HTTPCatalog {
	return &HTTPCatalog{BaseURL: baseURL, Client: http.DefaultClient}
}

func (c *HTTPCatalog) ResolveMod(ctx context.Context, name, version, username, token string) (ResolvedMod, error) {
	u := c.BaseURL + "/mods/" + url.PathEscape(name)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return ResolvedMod{}, agenterr.Wrap(agenterr.ModDownloadFailed, err, "building mod catalog request for %s@%s", name, version)
	}
	if username != "" {
		req.SetBasicAuth(username, token)
	}
	resp, err := c.Client.Do(req)
	if err != nil {
		return ResolvedMod{}, agenterr.Wrap(agenterr.ModDownloadFailed, err, "querying mod catalog for %s@%s", name, version)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return ResolvedMod{}, agenterr.New(agenterr.ModDownloadFailed, "mod %s@%s not found in catalog", name, version)
	}
	if resp.StatusCode != http.StatusOK {
		return ResolvedMod{}, agenterr.New(agenterr.ModDownloadFailed, "mod catalog returned status %d for %s@%s", resp.StatusCode, name, version)
	}
	var out releasesResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return ResolvedMod{}, agenterr.Wrap(agenterr.ModDownloadFailed, err, "decoding mod catalog response for %s@%s", name, version)
	}
	for _, rel := range out.Releases {
		if rel.Version == version {
			return ResolvedMod{DownloadURL: rel.DownloadURL}, nil
		}
	}
	return ResolvedMod{}, agenterr.New(agenterr.ModDownloadFailed, "mod %s@%s not found in catalog", name, version)
}
