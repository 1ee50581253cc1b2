package export

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/inat-scraper/internal/inat"
)

const (
	testBase = "https://inat.test"
	testAPI  = "https://api.inat.test/v1"
)

func csrfPage(token string) string {
	return `<html><head><meta name="csrf-param" content="authenticity_token" />` +
		`<meta name="csrf-token" content="` + token + `" /></head><body></body></html>`
}

func newTestClient(t *testing.T) (*Client, *httpmock.MockTransport) {
	t.Helper()
	tr := httpmock.NewMockTransport()
	c, err := NewClient(ClientConfig{BaseURL: testBase + "/", APIURL: testAPI, UserAgent: "inat-test"}, tr, zap.NewNop())
	require.NoError(t, err)
	return c, tr
}

func newTestExporter(t *testing.T, c *Client, cfg Config) *Exporter {
	t.Helper()
	if cfg.Dir == "" {
		cfg.Dir = t.TempDir()
	}
	e, err := NewExporter(c, cfg, zap.NewNop())
	require.NoError(t, err)
	e.sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
	return e
}

func registerLogin(tr *httpmock.MockTransport, status int, location string) {
	tr.RegisterResponder(http.MethodGet, testBase+"/login", func(*http.Request) (*http.Response, error) {
		resp := httpmock.NewStringResponse(http.StatusOK, csrfPage("login-token"))
		resp.Header.Set("Set-Cookie", "_inaturalist_session=abc; Path=/")
		return resp, nil
	})
	tr.RegisterResponder(http.MethodPost, testBase+"/session", func(req *http.Request) (*http.Response, error) {
		if err := req.ParseForm(); err != nil {
			return nil, err
		}
		if req.PostForm.Get("authenticity_token") != "login-token" ||
			req.PostForm.Get("user[email]") != "me@example.com" ||
			req.PostForm.Get("user[remember_me]") != "0" {
			return httpmock.NewStringResponse(http.StatusBadRequest, "bad form"), nil
		}
		if cookie, err := req.Cookie("_inaturalist_session"); err != nil || cookie.Value != "abc" {
			return httpmock.NewStringResponse(http.StatusForbidden, "no session"), nil
		}
		resp := httpmock.NewStringResponse(status, "")
		if location != "" {
			resp.Header.Set("Location", location)
		}
		return resp, nil
	})
}

func TestLogin(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		status     int
		location   string
		wantStatus int
	}{
		{"redirect home", http.StatusFound, testBase + "/home", 0},
		{"form rerendered", http.StatusOK, "", http.StatusOK},
		{"redirect to login", http.StatusFound, testBase + "/login", http.StatusFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c, tr := newTestClient(t)
			registerLogin(tr, tt.status, tt.location)

			err := c.Login(context.Background(), "me@example.com", "secret")
			if tt.wantStatus == 0 {
				require.NoError(t, err)
				return
			}
			var authErr *inat.AuthError
			require.ErrorAs(t, err, &authErr)
			require.Equal(t, tt.wantStatus, authErr.StatusCode)
		})
	}
}

func TestLoginRequiresCredentialsAndToken(t *testing.T) {
	t.Parallel()

	c, tr := newTestClient(t)
	var authErr *inat.AuthError
	require.ErrorAs(t, c.Login(context.Background(), "", "x"), &authErr)

	tr.RegisterResponder(http.MethodGet, testBase+"/login", httpmock.NewStringResponder(http.StatusOK, "<html></html>"))
	err := c.Login(context.Background(), "me@example.com", "secret")
	require.ErrorIs(t, err, ErrNoCSRFToken)
	require.Zero(t, tr.GetCallCountInfo()["POST "+testBase+"/session"])
}

func TestExportFlow(t *testing.T) {
	t.Parallel()

	c, tr := newTestClient(t)
	payload := []byte("PK fake archive bytes")

	tr.RegisterResponder(http.MethodGet, testAPI+"/observations", func(req *http.Request) (*http.Response, error) {
		q := req.URL.Query()
		if q.Get("taxon_ids") != "48662" || q.Get("quality_grade") != "research" || q.Get("has[]") != "photos" {
			return httpmock.NewStringResponse(http.StatusBadRequest, "bad query"), nil
		}
		return httpmock.NewStringResponse(http.StatusOK, `{"total_results": 42, "results": []}`), nil
	})
	tr.RegisterResponder(http.MethodGet, testBase+"/observations/export",
		httpmock.NewStringResponder(http.StatusOK, csrfPage("export-token")))
	tr.RegisterResponder(http.MethodPost, testBase+"/flow_tasks", func(req *http.Request) (*http.Response, error) {
		if req.Header.Get("X-CSRF-Token") != "export-token" || req.Header.Get("X-Requested-With") != "XMLHttpRequest" {
			return httpmock.NewStringResponse(http.StatusForbidden, "{}"), nil
		}
		if err := req.ParseForm(); err != nil {
			return nil, err
		}
		if req.PostForm.Get(queryField) != "has[]=photos&quality_grade=research&identifications=any&taxon_ids[]=48662" ||
			req.PostForm.Get("observations_export_flow_task[options][columns][image_url]") != "1" {
			return httpmock.NewStringResponse(http.StatusUnprocessableEntity, `{"error":"bad form"}`), nil
		}
		return httpmock.NewStringResponse(http.StatusOK, `{"id": 77}`), nil
	})
	tr.RegisterResponder(http.MethodGet, testBase+"/flow_tasks/77/run.json",
		httpmock.NewStringResponder(http.StatusOK, `{"id": 77, "outputs": []}`).
			Then(httpmock.NewStringResponder(http.StatusOK,
				`{"id": 77, "outputs": [{"id": 9, "file_file_name": "observations-77.csv.zip"}]}`)))
	tr.RegisterResponder(http.MethodGet, testBase+"/attachments/flow_task_outputs/9/observations-77.csv.zip",
		httpmock.NewBytesResponder(http.StatusOK, payload))

	dir := filepath.Join(t.TempDir(), "exports")
	e := newTestExporter(t, c, Config{Dir: dir, QualityGrade: "research", MaxResults: 200000})
	got, err := e.Export(context.Background(), 48662)
	require.NoError(t, err)
	require.Equal(t, inat.ExportArchived, got.State)
	require.Equal(t, int64(42), got.TotalResults)
	require.Equal(t, filepath.Join(dir, "48662.zip"), got.Path)
	require.Equal(t, int64(len(payload)), got.Bytes)

	data, err := os.ReadFile(got.Path)
	require.NoError(t, err)
	require.Equal(t, payload, data)
	require.Equal(t, 2, tr.GetCallCountInfo()["GET "+testBase+"/flow_tasks/77/run.json"])
}

func TestExportDownloadFollowsRedirect(t *testing.T) {
	t.Parallel()

	c, tr := newTestClient(t)
	payload := []byte("PK archive from storage")
	tr.RegisterResponder(http.MethodGet, testAPI+"/observations",
		httpmock.NewStringResponder(http.StatusOK, `{"total_results": 3}`))
	tr.RegisterResponder(http.MethodGet, testBase+"/observations/export",
		httpmock.NewStringResponder(http.StatusOK, csrfPage("t")))
	tr.RegisterResponder(http.MethodPost, testBase+"/flow_tasks",
		httpmock.NewStringResponder(http.StatusOK, `{"id": 8}`))
	tr.RegisterResponder(http.MethodGet, testBase+"/flow_tasks/8/run.json",
		httpmock.NewStringResponder(http.StatusOK, `{"outputs": [{"id": 4, "file_file_name": "x.zip"}]}`))
	tr.RegisterResponder(http.MethodGet, testBase+"/attachments/flow_task_outputs/4/x.zip",
		func(*http.Request) (*http.Response, error) {
			resp := httpmock.NewStringResponse(http.StatusFound, "")
			resp.Header.Set("Location", "https://storage.test/exports/x.zip?sig=1")
			return resp, nil
		})
	tr.RegisterResponder(http.MethodGet, "https://storage.test/exports/x.zip",
		httpmock.NewBytesResponder(http.StatusOK, payload))

	e := newTestExporter(t, c, Config{QualityGrade: "any", MaxResults: 10})
	got, err := e.Export(context.Background(), 7)
	require.NoError(t, err)
	require.Equal(t, inat.ExportArchived, got.State)

	data, err := os.ReadFile(got.Path)
	require.NoError(t, err)
	require.Equal(t, payload, data)
}

func TestCheckRedirect(t *testing.T) {
	t.Parallel()

	get, err := http.NewRequest(http.MethodGet, testBase+"/next", nil)
	require.NoError(t, err)
	post, err := http.NewRequest(http.MethodPost, testBase+"/session", nil)
	require.NoError(t, err)

	require.NoError(t, checkRedirect(get, []*http.Request{get}))
	require.ErrorIs(t, checkRedirect(get, []*http.Request{post}), http.ErrUseLastResponse)

	chain := make([]*http.Request, maxRedirects)
	for i := range chain {
		chain[i] = get
	}
	require.ErrorContains(t, checkRedirect(get, chain), "stopped after 10 redirects")
}

func TestExportCountGuards(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		total string
		want  error
	}{
		{"no results", "0", ErrNoResults},
		{"too many", "300000", ErrTooManyResults},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c, tr := newTestClient(t)
			tr.RegisterResponder(http.MethodGet, testAPI+"/observations",
				httpmock.NewStringResponder(http.StatusOK, `{"total_results": `+tt.total+`}`))

			e := newTestExporter(t, c, Config{MaxResults: 200000})
			got, err := e.Export(context.Background(), 1)
			require.ErrorIs(t, err, tt.want)
			require.Equal(t, inat.ExportFailed, got.State)
			require.Zero(t, tr.GetCallCountInfo()["POST "+testBase+"/flow_tasks"])
		})
	}
}

func TestExportCountErrors(t *testing.T) {
	t.Parallel()

	c, tr := newTestClient(t)
	tr.RegisterResponder(http.MethodGet, testAPI+"/observations",
		httpmock.NewStringResponder(http.StatusServiceUnavailable, "down").
			Then(httpmock.NewStringResponder(http.StatusOK, `{"page": 1}`)))
	e := newTestExporter(t, c, Config{})

	_, err := e.Count(context.Background(), 1)
	var fetchErr *inat.FetchError
	require.ErrorAs(t, err, &fetchErr)
	require.True(t, fetchErr.Transient())

	_, err = e.Count(context.Background(), 1)
	var parseErr *inat.ParseError
	require.ErrorAs(t, err, &parseErr)
}

func TestExportRejected(t *testing.T) {
	t.Parallel()

	c, tr := newTestClient(t)
	tr.RegisterResponder(http.MethodGet, testAPI+"/observations",
		httpmock.NewStringResponder(http.StatusOK, `{"total_results": 5}`))
	tr.RegisterResponder(http.MethodGet, testBase+"/observations/export",
		httpmock.NewStringResponder(http.StatusOK, csrfPage("t")))
	tr.RegisterResponder(http.MethodPost, testBase+"/flow_tasks",
		httpmock.NewStringResponder(http.StatusUnprocessableEntity, `{"error": "You already have an export running"}`))

	e := newTestExporter(t, c, Config{})
	got, err := e.Export(context.Background(), 3)
	require.ErrorContains(t, err, "You already have an export running")
	require.Equal(t, inat.ExportFailed, got.State)
}

func TestExportPollTimeout(t *testing.T) {
	t.Parallel()

	c, tr := newTestClient(t)
	tr.RegisterResponder(http.MethodGet, testAPI+"/observations",
		httpmock.NewStringResponder(http.StatusOK, `{"total_results": 5}`))
	tr.RegisterResponder(http.MethodGet, testBase+"/observations/export",
		httpmock.NewStringResponder(http.StatusOK, csrfPage("t")))
	tr.RegisterResponder(http.MethodPost, testBase+"/flow_tasks",
		httpmock.NewStringResponder(http.StatusOK, `{"id": 5}`))
	tr.RegisterResponder(http.MethodGet, testBase+"/flow_tasks/5/run.json",
		httpmock.NewStringResponder(http.StatusOK, `{"outputs": []}`))

	e := newTestExporter(t, c, Config{PollInterval: 5 * time.Millisecond, MaxWait: 40 * time.Millisecond})
	e.sleep = sleepCtx
	got, err := e.Export(context.Background(), 3)
	require.ErrorIs(t, err, ErrExportTimeout)
	require.Equal(t, inat.ExportFailed, got.State)
	require.Greater(t, tr.GetCallCountInfo()["GET "+testBase+"/flow_tasks/5/run.json"], 1)
}

func TestLoadFormFile(t *testing.T) {
	t.Parallel()

	form, err := loadForm("")
	require.NoError(t, err)
	require.Equal(t, "csv", form.Get("observations_export_flow_task[options][format]"))
	require.Equal(t, "1", form.Get("observations_export_flow_task[options][columns][taxon_id]"))

	path := filepath.Join(t.TempDir(), "form.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"utf8":"✓","flag":true,"n":1,"multi":["a","b"],"skip":null}`), 0o600))
	form, err = loadForm(path)
	require.NoError(t, err)
	require.Equal(t, "true", form.Get("flag"))
	require.Equal(t, "1", form.Get("n"))
	require.Equal(t, []string{"a", "b"}, form["multi"])
	require.NotContains(t, form, "skip")

	_, err = loadForm(filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)
}

func TestTransition(t *testing.T) {
	t.Parallel()

	tests := []struct {
		from, to, want inat.ExportState
	}{
		{inat.ExportIdle, inat.ExportRequested, inat.ExportRequested},
		{inat.ExportIdle, inat.ExportArchived, inat.ExportIdle},
		{inat.ExportIdle, inat.ExportFailed, inat.ExportFailed},
		{inat.ExportRequested, inat.ExportArchived, inat.ExportArchived},
		{inat.ExportRequested, inat.ExportFailed, inat.ExportFailed},
		{inat.ExportArchived, inat.ExportFailed, inat.ExportArchived},
		{inat.ExportFailed, inat.ExportRequested, inat.ExportFailed},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, transition(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
	}
}
