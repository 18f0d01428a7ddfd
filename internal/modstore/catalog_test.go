package modstore

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/circlesabound/fctrl-agent/internal/agenterr"
)

func TestHTTPCatalogResolveModFiltersReleasesByVersion(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Write([]byte(`{"releases":[
			{"version":"1.0.0","download_url":"https://dl.example/a-1.0.0.zip","sha1":"deadbeef"},
			{"version":"2.0.0","download_url":"https://dl.example/a-2.0.0.zip","sha1":"cafef00d"}
		]}`))
	}))
	defer srv.Close()

	c := NewHTTPCatalog(srv.URL)
	resolved, err := c.ResolveMod(context.Background(), "a", "2.0.0", "", "")
	require.NoError(t, err)
	require.Equal(t, "https://dl.example/a-2.0.0.zip", resolved.DownloadURL)
	require.Equal(t, "/mods/a", gotPath)
}

func TestHTTPCatalogResolveModUnknownVersion(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"releases":[{"version":"1.0.0","download_url":"https://dl.example/a-1.0.0.zip","sha1":"deadbeef"}]}`))
	}))
	defer srv.Close()

	c := NewHTTPCatalog(srv.URL)
	_, err := c.ResolveMod(context.Background(), "a", "9.9.9", "", "")
	require.Error(t, err)
	require.Equal(t, agenterr.ModDownloadFailed, agenterr.KindOf(err))
}
