package resolver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/particle-iot/flashctl/internal/releasehost"
)

func TestLocateRelease_NotFoundOnNeitherTagVariant(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	host := releasehost.NewClient("")
	host.BaseURL = srv.URL
	host.MaxRetries = 0
	r := testResolver(t, t.TempDir(), t.TempDir())
	r.Host = host

	_, err := r.locateRelease(context.Background(), "1.10.12-rc.13", false)
	var notFound *ReleaseNotFound
	if !asReleaseNotFound(err, &notFound) {
		t.Fatalf("locateRelease: err = %v, want *ReleaseNotFound", err)
	}
}

func TestLocateRelease_DraftMatchFoundByPaginatedListing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		switch {
		case req.URL.Path == "/releases/tags/v1.9.0-rc.1" || req.URL.Path == "/releases/tags/1.9.0-rc.1":
			w.WriteHeader(http.StatusNotFound)
		case req.URL.Path == "/releases":
			page := req.URL.Query().Get("page")
			var releases []releasehost.Release
			if page == "1" {
				releases = []releasehost.Release{
					{Tag: "v2.0.0", Draft: false},
					{Tag: "v1.9.0-rc.1", Draft: true},
				}
			}
			json.NewEncoder(w).Encode(releases)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	host := releasehost.NewClient("fake-token")
	host.BaseURL = srv.URL
	host.MaxRetries = 0
	r := testResolver(t, t.TempDir(), t.TempDir())
	r.Host = host

	rel, err := r.locateRelease(context.Background(), "1.9.0-rc.1", true)
	if err != nil {
		t.Fatalf("locateRelease: %v", err)
	}
	if rel.Tag != "v1.9.0-rc.1" || !rel.Draft {
		t.Fatalf("rel = %+v, want the matching draft release", rel)
	}
}

func asReleaseNotFound(err error, target **ReleaseNotFound) bool {
	rnf, ok := err.(*ReleaseNotFound)
	if ok {
		*target = rnf
	}
	return ok
}
