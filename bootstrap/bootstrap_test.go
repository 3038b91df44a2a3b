package bootstrap_test

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/artpar/metergate/bootstrap"
)

// fakeSettlement stands in for the external settlement service.
func fakeSettlement(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost:
			json.NewEncoder(w).Encode(map[string]string{"tx_hash": "0xabc123"})
		default:
			json.NewEncoder(w).Encode(map[string]float64{"balance_usdc": 1000})
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func writeTestConfig(t *testing.T, settlementURL, upstreamURL string) string {
	t.Helper()
	dir := t.TempDir()

	registry := fmt.Sprintf(`
apis:
  - id: api_1
    slug: weather
    base_url: %s
    developer_id: dev_1
    endpoints:
      - id: ep_fc
        path: /forecast
        price_usdc: 0.01
keys:
  - id: key_1
    value: sk_live_1
    developer_id: dev_1
    api_id: api_1
`, upstreamURL)
	regPath := filepath.Join(dir, "registry.yaml")
	if err := os.WriteFile(regPath, []byte(registry), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := fmt.Sprintf(`
settlement:
  url: %s
registry:
  file: %s
database:
  driver: memory
logging:
  level: error
`, settlementURL, regPath)
	cfgPath := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte(cfg), 0o644); err != nil {
		t.Fatal(err)
	}
	return cfgPath
}

func TestNew_EndToEnd(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"forecast":"sunny"}`)
	}))
	t.Cleanup(upstream.Close)
	settle := fakeSettlement(t)

	a, err := bootstrap.New(writeTestConfig(t, settle.URL, upstream.URL))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { a.Shutdown() })

	srv := httptest.NewServer(a.HTTPServer.Handler)
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Fatalf("healthz = %d", resp.StatusCode)
	}

	req, _ := http.NewRequest("GET", srv.URL+"/v1/call/weather/forecast", nil)
	req.Header.Set("x-api-key", "sk_live_1")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	if resp.StatusCode != 200 {
		t.Fatalf("call status = %d, body = %s", resp.StatusCode, body)
	}
	if string(body) != `{"forecast":"sunny"}` {
		t.Errorf("body = %q", body)
	}
}

func TestNew_BadRegistryFails(t *testing.T) {
	settle := fakeSettlement(t)
	dir := t.TempDir()

	regPath := filepath.Join(dir, "registry.yaml")
	os.WriteFile(regPath, []byte("apis:\n  - slug: no-id\n"), 0o644)

	cfgPath := filepath.Join(dir, "config.yaml")
	cfg := fmt.Sprintf("settlement:\n  url: %s\nregistry:\n  file: %s\ndatabase:\n  driver: memory\n", settle.URL, regPath)
	os.WriteFile(cfgPath, []byte(cfg), 0o644)

	if _, err := bootstrap.New(cfgPath); err == nil {
		t.Fatal("expected error for invalid registry file")
	}
}

func TestReload_AppliesRateLimit(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	t.Cleanup(upstream.Close)
	settle := fakeSettlement(t)

	cfgPath := writeTestConfig(t, settle.URL, upstream.URL)
	a, err := bootstrap.New(cfgPath)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { a.Shutdown() })

	srv := httptest.NewServer(a.HTTPServer.Handler)
	t.Cleanup(srv.Close)

	// Tighten the limit to 1 and reload.
	data, _ := os.ReadFile(cfgPath)
	os.WriteFile(cfgPath, append(data, []byte("rate_limit:\n  limit: 1\n")...), 0o644)
	if err := a.Config.Reload(); err != nil {
		t.Fatal(err)
	}

	call := func() int {
		req, _ := http.NewRequest("GET", srv.URL+"/v1/call/weather/forecast", nil)
		req.Header.Set("x-api-key", "sk_live_1")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		return resp.StatusCode
	}

	if status := call(); status != 200 {
		t.Fatalf("first call = %d", status)
	}
	if status := call(); status != 429 {
		t.Fatalf("second call = %d, want 429 after reload", status)
	}
}
