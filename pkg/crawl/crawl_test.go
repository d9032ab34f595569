package crawl

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JamesEnglish1028/opds-tools/pkg/classify"
	"github.com/JamesEnglish1028/opds-tools/pkg/fetch"
)

const (
	pubOpenAccessEPUB = `{"metadata":{"identifier":"urn:isbn:9780000000001","title":"Open Book","author":"Jane Doe"},
		"links":[{"rel":"http://opds-spec.org/acquisition/open-access","href":"/1.epub","type":"application/epub+zip"}],
		"images":[{"href":"/1.jpg","type":"image/jpeg"}]}`
	pubTemplatedEPUB = `{"metadata":{"identifier":"urn:isbn:9780000000002","title":"Gated Book","author":"John Roe"},
		"links":[{"rel":"http://opds-spec.org/acquisition","href":"/2.epub{?token}","type":"application/epub+zip","templated":true}],
		"images":[{"href":"/2.jpg","type":"image/jpeg"}]}`
	pubPDF = `{"metadata":{"identifier":"urn:isbn:9780000000003","title":"Paper Book","author":"Ada Lovelace"},
		"links":[{"rel":"http://opds-spec.org/acquisition","href":"/3.pdf","type":"application/pdf"}],
		"images":[{"href":"/3.jpg","type":"image/jpeg"}]}`
)

func feedBody(title string, next string, pubs ...string) string {
	links := `[{"rel":"self","href":"/feed"}`
	if next != "" {
		links += fmt.Sprintf(`,{"rel":"next","href":%q}`, next)
	}
	links += `]`
	body := fmt.Sprintf(`{"metadata":{"title":%q},"links":%s,"publications":[`, title, links)
	for i, p := range pubs {
		if i > 0 {
			body += ","
		}
		body += p
	}
	return body + `]}`
}

func newWalker(t *testing.T) *Walker {
	t.Helper()
	w, err := New(fetch.New(5*time.Second, fetch.WithBaseDelay(time.Millisecond)))
	require.NoError(t, err)
	return w
}

func TestWalker_SinglePage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(feedBody("Catalog", "", pubOpenAccessEPUB)))
	}))
	defer srv.Close()

	res, err := newWalker(t).Crawl(context.Background(), srv.URL, Params{MaxPages: 100})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Summary.PagesAnalyzed, "no next link means exactly one page")
	assert.Equal(t, 1, res.Summary.TotalPublications)
	assert.Empty(t, res.PageErrors)
}

func TestWalker_CycleTerminates(t *testing.T) {
	var mux http.ServeMux
	srv := httptest.NewServer(&mux)
	defer srv.Close()

	var page1Hits atomic.Int32
	mux.HandleFunc("/feed", func(w http.ResponseWriter, r *http.Request) {
		page1Hits.Add(1)
		w.Write([]byte(feedBody("Page 1", "/feed/2", pubOpenAccessEPUB)))
	})
	mux.HandleFunc("/feed/2", func(w http.ResponseWriter, r *http.Request) {
		// points back at page 1
		w.Write([]byte(feedBody("Page 2", "/feed", pubPDF)))
	})

	res, err := newWalker(t).Crawl(context.Background(), srv.URL+"/feed", Params{})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Summary.PagesAnalyzed)
	assert.Equal(t, int32(1), page1Hits.Load(), "looping next link must not be re-fetched")
}

func TestWalker_MaxPages(t *testing.T) {
	var mux http.ServeMux
	srv := httptest.NewServer(&mux)
	defer srv.Close()

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		page := r.URL.Query().Get("page")
		if page == "" {
			page = "1"
		}
		w.Write([]byte(feedBody("Page "+page, "/?page="+page+"0", pubOpenAccessEPUB)))
	})

	res, err := newWalker(t).Crawl(context.Background(), srv.URL+"/", Params{MaxPages: 3})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Summary.PagesAnalyzed, "endless feed capped by page limit")
}

func TestWalker_EndToEndAggregate(t *testing.T) {
	var mux http.ServeMux
	srv := httptest.NewServer(&mux)
	defer srv.Close()

	mux.HandleFunc("/feed", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(feedBody("Page 1", "/feed/2", pubOpenAccessEPUB, pubTemplatedEPUB)))
	})
	mux.HandleFunc("/feed/2", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(feedBody("Page 2", "", pubPDF)))
	})

	res, err := newWalker(t).Crawl(context.Background(), srv.URL+"/feed", Params{})
	require.NoError(t, err)

	assert.Equal(t, 3, res.Summary.TotalPublications)
	assert.Equal(t, 2, res.Summary.PagesAnalyzed)
	assert.Equal(t, map[string]int{"EPUB": 2, "PDF": 1}, res.FormatCounts)
	assert.Equal(t, map[string]int{classify.DRMNone: 1, classify.DRMBearerToken: 1}, res.DRMCounts)
	assert.Equal(t, map[string]int{"EPUB": 2, "PDF": 1}, res.FormatCombinationCounts)
	assert.Equal(t, map[string]int{"EPUB+No DRM": 1, "EPUB+Bearer Token": 1, "PDF+N/A": 1}, res.CombinedCounts)
	require.Len(t, res.Inventory, 3)
	assert.Equal(t, "Open Book", res.Inventory[0].Title)

	// format combinations partition the publications
	var comboTotal int
	var comboPct float64
	for _, s := range res.FormatComboStats {
		comboTotal += s.Count
		comboPct += s.Percent
	}
	assert.Equal(t, res.Summary.TotalPublications, comboTotal)
	assert.InDelta(t, 100.0, comboPct, 0.001)
}

func TestWalker_NegotiationFallbackIsNotAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Accept") == fetch.AcceptOPDS {
			w.WriteHeader(http.StatusNotAcceptable)
			return
		}
		w.Write([]byte(feedBody("Catalog", "", pubOpenAccessEPUB)))
	}))
	defer srv.Close()

	res, err := newWalker(t).Crawl(context.Background(), srv.URL, Params{})
	require.NoError(t, err)
	assert.Empty(t, res.PageErrors)
	assert.Equal(t, 1, res.Summary.PagesAnalyzed)
}

func TestWalker_TransientExhaustionRecordsOnePageError(t *testing.T) {
	var mux http.ServeMux
	srv := httptest.NewServer(&mux)
	defer srv.Close()

	var secondPageHits atomic.Int32
	mux.HandleFunc("/feed", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(feedBody("Page 1", "/feed/2", pubOpenAccessEPUB)))
	})
	mux.HandleFunc("/feed/2", func(w http.ResponseWriter, r *http.Request) {
		secondPageHits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	res, err := newWalker(t).Crawl(context.Background(), srv.URL+"/feed", Params{})
	require.NoError(t, err)
	require.Len(t, res.PageErrors, 1)
	assert.Equal(t, srv.URL+"/feed/2", res.PageErrors[0].URL)
	assert.Equal(t, int32(3), secondPageHits.Load(), "retry budget per header")
	assert.Equal(t, 1, res.Summary.PagesAnalyzed)
	assert.Equal(t, 1, res.Summary.PagesWithErrors)
}

func TestWalker_CredentialsDroppedAfterTokenURL(t *testing.T) {
	var mux http.ServeMux
	srv := httptest.NewServer(&mux)
	defer srv.Close()

	authHeaders := map[string]bool{}
	mux.HandleFunc("/feed", func(w http.ResponseWriter, r *http.Request) {
		_, _, ok := r.BasicAuth()
		authHeaders["/feed"] = ok
		w.Write([]byte(feedBody("Page 1", "/feed/2?token=abc123", pubOpenAccessEPUB)))
	})
	mux.HandleFunc("/feed/2", func(w http.ResponseWriter, r *http.Request) {
		_, _, ok := r.BasicAuth()
		authHeaders["/feed/2"] = ok
		w.Write([]byte(feedBody("Page 2", "/feed/3", pubPDF)))
	})
	mux.HandleFunc("/feed/3", func(w http.ResponseWriter, r *http.Request) {
		_, _, ok := r.BasicAuth()
		authHeaders["/feed/3"] = ok
		w.Write([]byte(feedBody("Page 3", "", pubPDF)))
	})

	creds := &fetch.Credentials{User: "lib", Password: "secret"}
	_, err := newWalker(t).Crawl(context.Background(), srv.URL+"/feed", Params{Credentials: creds})
	require.NoError(t, err)

	assert.True(t, authHeaders["/feed"], "first page fetched with basic auth")
	assert.False(t, authHeaders["/feed/2"], "token url must drop credentials")
	assert.False(t, authHeaders["/feed/3"], "credentials stay dropped afterwards")
}

func TestWalker_RelativeNextResolution(t *testing.T) {
	var mux http.ServeMux
	srv := httptest.NewServer(&mux)
	defer srv.Close()

	var paths []string
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.RequestURI())
		switch r.URL.RequestURI() {
		case "/catalog/feed":
			w.Write([]byte(feedBody("Page 1", "feed?page=2", pubOpenAccessEPUB)))
		case "/catalog/feed?page=2":
			w.Write([]byte(feedBody("Page 2", "", pubPDF)))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})

	res, err := newWalker(t).Crawl(context.Background(), srv.URL+"/catalog/feed", Params{})
	require.NoError(t, err)
	assert.Equal(t, []string{"/catalog/feed", "/catalog/feed?page=2"}, paths)
	assert.Equal(t, 2, res.Summary.PagesAnalyzed)
}

func TestWalker_FatalErrors(t *testing.T) {
	t.Run("invalid start url", func(t *testing.T) {
		_, err := newWalker(t).Crawl(context.Background(), "not a url", Params{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid feed url")
	})

	t.Run("malformed json on first page", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`<html>so sorry</html>`))
		}))
		defer srv.Close()

		_, err := newWalker(t).Crawl(context.Background(), srv.URL, Params{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "could not be analyzed")
	})

	t.Run("malformed json on later page is a page error", func(t *testing.T) {
		var mux http.ServeMux
		srv := httptest.NewServer(&mux)
		defer srv.Close()

		mux.HandleFunc("/feed", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(feedBody("Page 1", "/feed/2", pubOpenAccessEPUB)))
		})
		mux.HandleFunc("/feed/2", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{broken`))
		})

		res, err := newWalker(t).Crawl(context.Background(), srv.URL+"/feed", Params{})
		require.NoError(t, err)
		require.Len(t, res.PageErrors, 1)
		assert.Equal(t, 1, res.Summary.TotalPublications)
	})
}

func TestWalker_StructuralFailureSkipsExtractionOnly(t *testing.T) {
	var mux http.ServeMux
	srv := httptest.NewServer(&mux)
	defer srv.Close()

	mux.HandleFunc("/feed", func(w http.ResponseWriter, r *http.Request) {
		// no metadata object and no publications, but a next link
		w.Write([]byte(`{"links":[{"rel":"next","href":"/feed/2"}]}`))
	})
	mux.HandleFunc("/feed/2", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(feedBody("Page 2", "", pubPDF)))
	})

	res, err := newWalker(t).Crawl(context.Background(), srv.URL+"/feed", Params{})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Summary.PagesAnalyzed, "bad page must not hide the rest of the catalog")
	assert.Equal(t, 1, res.Summary.TotalPublications)
	require.NotEmpty(t, res.PageStats)
	assert.NotEmpty(t, res.PageStats[0].Errors)
	assert.Zero(t, res.PageStats[0].Publications)
}

func TestWalker_ProgressEvents(t *testing.T) {
	var mux http.ServeMux
	srv := httptest.NewServer(&mux)
	defer srv.Close()

	mux.HandleFunc("/feed", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(feedBody("Page 1", "/feed/2", pubOpenAccessEPUB)))
	})
	mux.HandleFunc("/feed/2", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest) // immediate page error
	})

	var types []string
	sink := SinkFunc(func(e Event) { types = append(types, e.Type) })

	res, err := newWalker(t).Crawl(context.Background(), srv.URL+"/feed", Params{Sink: sink})
	require.NoError(t, err)
	require.Len(t, res.PageErrors, 1)
	assert.Equal(t, []string{EventStarted, EventPageFetched, EventPageProcessing, EventPageError, EventComplete}, types)
}

func TestWalker_Parallel(t *testing.T) {
	var mux http.ServeMux
	srv := httptest.NewServer(&mux)
	defer srv.Close()

	mux.HandleFunc("/feed", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(feedBody("Page 1", "/feed/2", pubOpenAccessEPUB, pubTemplatedEPUB)))
	})
	mux.HandleFunc("/feed/2", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(feedBody("Page 2", "/feed/3", pubPDF)))
	})
	mux.HandleFunc("/feed/3", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(feedBody("Page 3", "", pubPDF)))
	})

	res, err := newWalker(t).Crawl(context.Background(), srv.URL+"/feed", Params{Parallel: true, Workers: 2})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Summary.PagesAnalyzed)
	assert.Equal(t, 4, res.Summary.TotalPublications)
	assert.Equal(t, map[string]int{"EPUB": 2, "PDF": 2}, res.FormatCounts)
}

func TestWalker_ParallelBranchEndsOnFetchError(t *testing.T) {
	var mux http.ServeMux
	srv := httptest.NewServer(&mux)
	defer srv.Close()

	mux.HandleFunc("/feed", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(feedBody("Page 1", "/feed/2", pubOpenAccessEPUB)))
	})
	mux.HandleFunc("/feed/2", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})

	res, err := newWalker(t).Crawl(context.Background(), srv.URL+"/feed", Params{Parallel: true})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Summary.PagesAnalyzed)
	require.Len(t, res.PageErrors, 1)
}

func TestWalker_ODLFeed(t *testing.T) {
	const odlPub = `{"metadata":{"identifier":"urn:isbn:9780000000009","title":"Licensed Book","author":"Jane Doe"},
		"images":[{"href":"/9.jpg"}],
		"licenses":[
			{"metadata":{"format":"application/epub+zip","protection":{"format":"application/vnd.adobe.adept+xml"}}},
			{"metadata":{"format":"application/epub+zip","protection":{"format":"application/vnd.readium.lcp.license.v1.0+json"}}}
		]}`

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(feedBody("ODL Catalog", "", odlPub)))
	}))
	defer srv.Close()

	res, err := newWalker(t).Crawl(context.Background(), srv.URL, Params{Kind: classify.KindODL})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Summary.TotalPublications)
	assert.Equal(t, map[string]int{classify.DRMAdobe: 1, classify.DRMReadiumLCP: 1}, res.DRMCounts)
	assert.Equal(t, map[string]int{"Adobe DRM & Readium LCP": 1}, res.DRMCombinationCounts)
	assert.Equal(t, map[string]int{"EPUB": 1}, res.FormatCounts)
}
