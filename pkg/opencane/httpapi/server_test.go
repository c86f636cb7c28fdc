package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/iflabx/opencane/pkg/opencane/session"
	"github.com/iflabx/opencane/pkg/opencane/store"
)

func newTestServer() (*Server, *store.Store) {
	st := store.NewMemory()
	mgr := session.NewManager(st, nil)
	srv := New(Config{
		Sessions: mgr,
		Store:    st,
	})
	return srv, st
}

func doJSON(t *testing.T, ts *httptest.Server, method, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, ts.URL+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	var decoded map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp, decoded
}

func TestRuntimeStatusReportsSessionCount(t *testing.T) {
	srv, _ := newTestServer()
	ts := httptest.NewServer(srv.Echo())
	defer ts.Close()

	resp, body := doJSON(t, ts, http.MethodGet, "/v1/runtime/status", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if body["success"] != true {
		t.Fatalf("expected success=true, got %#v", body)
	}
}

func TestDeviceLifecycleRegisterBindActivateRevoke(t *testing.T) {
	srv, _ := newTestServer()
	ts := httptest.NewServer(srv.Echo())
	defer ts.Close()

	resp, body := doJSON(t, ts, http.MethodPost, "/v1/device/register", map[string]any{"device_id": "dev1"})
	if resp.StatusCode != http.StatusOK || body["success"] != true {
		t.Fatalf("register failed: %d %#v", resp.StatusCode, body)
	}

	resp, body = doJSON(t, ts, http.MethodPost, "/v1/device/bind", map[string]any{"device_id": "dev1", "owner_id": "user1"})
	if resp.StatusCode != http.StatusOK || body["success"] != true {
		t.Fatalf("bind failed: %d %#v", resp.StatusCode, body)
	}

	resp, body = doJSON(t, ts, http.MethodPost, "/v1/device/activate", map[string]any{"device_id": "dev1"})
	if resp.StatusCode != http.StatusOK || body["success"] != true {
		t.Fatalf("activate failed: %d %#v", resp.StatusCode, body)
	}

	resp, body = doJSON(t, ts, http.MethodPost, "/v1/device/revoke", map[string]any{"device_id": "dev1"})
	if resp.StatusCode != http.StatusOK || body["success"] != true {
		t.Fatalf("revoke failed: %d %#v", resp.StatusCode, body)
	}
}

func TestDeviceBindUnknownDeviceReturnsNotFound(t *testing.T) {
	srv, _ := newTestServer()
	ts := httptest.NewServer(srv.Echo())
	defer ts.Close()

	resp, body := doJSON(t, ts, http.MethodPost, "/v1/device/bind", map[string]any{"device_id": "ghost", "owner_id": "user1"})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
	if body["success"] != false {
		t.Fatalf("expected success=false, got %#v", body)
	}
}

func TestAuthMiddlewareRejectsMissingToken(t *testing.T) {
	st := store.NewMemory()
	mgr := session.NewManager(st, nil)
	srv := New(Config{Sessions: mgr, Store: st, AuthToken: "secret"})
	ts := httptest.NewServer(srv.Echo())
	defer ts.Close()

	resp, body := doJSON(t, ts, http.MethodGet, "/v1/runtime/status", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
	if body["success"] != false {
		t.Fatalf("expected success=false, got %#v", body)
	}
}

func TestAuthMiddlewareAcceptsBearerToken(t *testing.T) {
	st := store.NewMemory()
	mgr := session.NewManager(st, nil)
	srv := New(Config{Sessions: mgr, Store: st, AuthToken: "secret"})
	ts := httptest.NewServer(srv.Echo())
	defer ts.Close()

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/v1/runtime/status", nil)
	req.Header.Set("Authorization", "Bearer secret")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestTaskLifecycleExecuteGetCancel(t *testing.T) {
	srv, _ := newTestServer()
	ts := httptest.NewServer(srv.Echo())
	defer ts.Close()

	resp, _ := doJSON(t, ts, http.MethodPost, "/v1/digital-task/execute", map[string]any{"goal": "find my keys"})
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 with no executor configured, got %d", resp.StatusCode)
	}
}
