package cli

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/osbits/pagewatch/internal/storage"
	"github.com/osbits/pagewatch/internal/structure"
)

const (
	categoryPage = `<div class="item_list"><ul><li><h3><a href="/goods/1">Listed</a></h3></li></ul></div>
<div class="item_list_thumb"><a href="/goods/1">img</a></div>`
	detailPage = `<div class="item_overview_detail"><h1>Figure</h1></div>
<p class="price new_price">5,500円</p><p class="release"><span>2026/12</span></p>`
)

func shopServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/category/1", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, categoryPage)
	})
	mux.HandleFunc("/goods/1", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, detailPage)
	})
	mux.HandleFunc("/goods/2", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `<main><h2>Sold out</h2></main>`)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func writeConfig(t *testing.T, baseURL, dbPath string) string {
	t.Helper()
	body := `
version: 1
browser:
  driver: http
storage:
  path: ` + dbPath + `
monitors:
  - id: goods
    name: Goods
    target:
      base_url: ` + baseURL + `
      category_path: /category/
      category_id: "1"
    settle_delay: 0s
    ready_timeout: 1s
    probe_timeout: 1s
    schedule:
      retries: 0
    structure:
      title: div.item_overview_detail h1
      price: p.price
`
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	cmd := NewRootCmdForTest()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(append([]string{"--env-file", ""}, args...))
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, _, err := execute(t, "version")
	require.NoError(t, err)
	require.Contains(t, out, "pagewatch")
	require.Contains(t, out, version)
}

func TestOnceThenHistory(t *testing.T) {
	srv := shopServer(t)
	db := filepath.Join(t.TempDir(), "runs.db")
	cfgPath := writeConfig(t, srv.URL, db)

	out, _, err := execute(t, "--config", cfgPath, "once")
	require.NoError(t, err)
	require.Contains(t, out, "goods")
	require.Contains(t, out, "Figure")

	out, _, err = execute(t, "--config", cfgPath, "history", "goods")
	require.NoError(t, err)
	require.Contains(t, out, "Goods")
	require.Contains(t, out, "Figure")

	out, _, err = execute(t, "--config", cfgPath, "history", "goods", "--json")
	require.NoError(t, err)
	var runs []storage.MonitorRun
	require.NoError(t, json.Unmarshal([]byte(out), &runs))
	require.Len(t, runs, 1)
	require.True(t, runs[0].Success)
	require.Equal(t, "5,500円", runs[0].Price)
	require.Equal(t, srv.URL+"/goods/1", runs[0].URL)
}

func TestHistoryRequiresStorage(t *testing.T) {
	srv := shopServer(t)
	cfgPath := writeConfig(t, srv.URL, `""`)

	_, _, err := execute(t, "--config", cfgPath, "history", "goods")
	require.ErrorContains(t, err, "run history is disabled")
}

func TestOnceUnknownMonitor(t *testing.T) {
	srv := shopServer(t)
	cfgPath := writeConfig(t, srv.URL, `""`)

	_, _, err := execute(t, "--config", cfgPath, "once", "--monitor", "missing")
	require.ErrorContains(t, err, `unknown monitor "missing"`)
}

func TestCheckReportsStructure(t *testing.T) {
	srv := shopServer(t)
	cfgPath := writeConfig(t, srv.URL, `""`)

	out, _, err := execute(t, "--config", cfgPath, "check", srv.URL+"/goods/1")
	require.NoError(t, err)
	var report structure.Report
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	require.Equal(t, structure.StatusSuccess, report.Status)
	require.Len(t, report.Details.Found, 2)

	out, _, err = execute(t, "--config", cfgPath, "check", "--monitor", "goods", srv.URL+"/goods/2")
	require.ErrorContains(t, err, "2 selector(s) missing")
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	require.Equal(t, structure.StatusError, report.Status)
	require.True(t, strings.Contains(out, `"div.item_overview_detail h1"`))
}
