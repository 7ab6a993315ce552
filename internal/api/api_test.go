package api

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/smazurov/llmpool/internal/api/models"
	"github.com/smazurov/llmpool/internal/client"
	"github.com/smazurov/llmpool/internal/events"
	"github.com/smazurov/llmpool/internal/pool"
	"github.com/smazurov/llmpool/internal/protocol"
)

// mockPools is a test implementation of PoolController.
type mockPools struct {
	role       client.Role
	status     *protocol.Status
	statusErr  error
	recycled   []string
	recycleErr error
}

func (m *mockPools) Role() client.Role {
	return m.role
}

func (m *mockPools) Status() (*protocol.Status, error) {
	if m.statusErr != nil {
		return nil, m.statusErr
	}
	return m.status, nil
}

func (m *mockPools) Recycle(poolName string) error {
	m.recycled = append(m.recycled, poolName)
	return m.recycleErr
}

func testStatus() *protocol.Status {
	return &protocol.Status{
		PID:     4242,
		Version: "1.2.3",
		Pools: []protocol.PoolStatus{
			{
				Name: protocol.PoolCompletion,
				Slots: []pool.SlotInfo{
					{Slot: 0, State: pool.StateAvailable, ReuseCount: 3, Generation: 2},
					{Slot: 1, State: pool.StateBusy, ReuseCount: 7, Generation: 1},
				},
			},
			{
				Name:     protocol.PoolCommand,
				Degraded: true,
				Slots: []pool.SlotInfo{
					{Slot: 0, State: pool.StateDead, Generation: 5},
				},
			},
		},
	}
}

func TestStatusEndpoint(t *testing.T) {
	mock := &mockPools{role: client.RoleServer, status: testStatus()}
	server := NewServer(&Options{Pools: mock, Bus: events.New()})

	ts := httptest.NewServer(server.mux)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/status")
	if err != nil {
		t.Fatalf("GET /api/status failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", resp.StatusCode)
	}

	var data models.StatusData
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		t.Fatalf("Failed to decode status response: %v", err)
	}

	if data.Role != "server" {
		t.Errorf("Expected role 'server', got %q", data.Role)
	}
	if data.PID != 4242 {
		t.Errorf("Expected pid 4242, got %d", data.PID)
	}
	if data.Version != "1.2.3" {
		t.Errorf("Expected version '1.2.3', got %q", data.Version)
	}
	if len(data.Pools) != 2 {
		t.Fatalf("Expected 2 pools, got %d", len(data.Pools))
	}
	if data.Pools[0].Name != "completion" || data.Pools[0].Degraded {
		t.Errorf("Unexpected completion pool: %+v", data.Pools[0])
	}
	if !data.Pools[1].Degraded {
		t.Error("Expected command pool to be degraded")
	}
	if len(data.Pools[0].Slots) != 2 {
		t.Fatalf("Expected 2 completion slots, got %d", len(data.Pools[0].Slots))
	}
	if data.Pools[0].Slots[1].State != "busy" {
		t.Errorf("Expected slot 1 busy, got %q", data.Pools[0].Slots[1].State)
	}
	if data.Pools[0].Slots[0].ReuseCount != 3 {
		t.Errorf("Expected reuse count 3, got %d", data.Pools[0].Slots[0].ReuseCount)
	}
}

func TestStatusEndpointUnavailable(t *testing.T) {
	mock := &mockPools{role: client.RoleInactive, statusErr: errors.New("not attached to a pool server")}
	server := NewServer(&Options{Pools: mock, Bus: events.New()})

	ts := httptest.NewServer(server.mux)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/status")
	if err != nil {
		t.Fatalf("GET /api/status failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("Expected status 503, got %d", resp.StatusCode)
	}
}

func TestRecycleEndpoint(t *testing.T) {
	tests := []struct {
		name       string
		path       string
		wantStatus int
		wantPool   string
	}{
		{"completion pool", "/api/pools/completion/recycle", http.StatusOK, "completion"},
		{"command pool", "/api/pools/command/recycle", http.StatusOK, "command"},
		{"all pools", "/api/pools/all/recycle", http.StatusOK, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := &mockPools{role: client.RoleServer, status: testStatus()}
			server := NewServer(&Options{Pools: mock, Bus: events.New()})

			ts := httptest.NewServer(server.mux)
			defer ts.Close()

			resp, err := http.Post(ts.URL+tt.path, "application/json", nil)
			if err != nil {
				t.Fatalf("POST %s failed: %v", tt.path, err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != tt.wantStatus {
				t.Fatalf("Expected status %d, got %d", tt.wantStatus, resp.StatusCode)
			}
			if len(mock.recycled) != 1 || mock.recycled[0] != tt.wantPool {
				t.Errorf("Expected recycle of %q, got %v", tt.wantPool, mock.recycled)
			}
		})
	}
}

func TestRecycleUnknownPool(t *testing.T) {
	mock := &mockPools{role: client.RoleServer, status: testStatus()}
	server := NewServer(&Options{Pools: mock, Bus: events.New()})

	ts := httptest.NewServer(server.mux)
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/api/pools/bogus/recycle", "application/json", nil)
	if err != nil {
		t.Fatalf("POST failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", resp.StatusCode)
	}
	if len(mock.recycled) != 0 {
		t.Errorf("Recycle should not reach the pools for unknown names, got %v", mock.recycled)
	}
}

func TestRecycleFailure(t *testing.T) {
	mock := &mockPools{
		role:       client.RoleClient,
		status:     testStatus(),
		recycleErr: errors.New("connection to pool server lost"),
	}
	server := NewServer(&Options{Pools: mock, Bus: events.New()})

	ts := httptest.NewServer(server.mux)
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/api/pools/completion/recycle", "application/json", nil)
	if err != nil {
		t.Fatalf("POST failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("Expected status 503, got %d", resp.StatusCode)
	}
}

func TestHealthEndpointSkipsAuth(t *testing.T) {
	mock := &mockPools{role: client.RoleServer, status: testStatus()}
	server := NewServer(&Options{
		AuthUsername: "admin",
		AuthPassword: "secret",
		Pools:        mock,
		Bus:          events.New(),
	})

	ts := httptest.NewServer(server.mux)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/health")
	if err != nil {
		t.Fatalf("GET /api/health failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200 without credentials, got %d", resp.StatusCode)
	}

	var data models.HealthData
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		t.Fatalf("Failed to decode health response: %v", err)
	}
	if data.Status != "ok" {
		t.Errorf("Expected status 'ok', got %q", data.Status)
	}
}

func TestVersionEndpointSkipsAuth(t *testing.T) {
	mock := &mockPools{role: client.RoleServer, status: testStatus()}
	server := NewServer(&Options{
		AuthUsername: "admin",
		AuthPassword: "secret",
		Pools:        mock,
		Bus:          events.New(),
	})

	ts := httptest.NewServer(server.mux)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/update/version")
	if err != nil {
		t.Fatalf("GET /api/update/version failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200 without credentials, got %d", resp.StatusCode)
	}

	var data models.VersionData
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		t.Fatalf("Failed to decode version response: %v", err)
	}
	if data.Version == "" {
		t.Error("Expected a version string")
	}
	if data.Platform == "" {
		t.Error("Expected a platform string")
	}
}

func TestBasicAuth(t *testing.T) {
	mock := &mockPools{role: client.RoleServer, status: testStatus()}
	server := NewServer(&Options{
		AuthUsername: "admin",
		AuthPassword: "secret",
		Pools:        mock,
		Bus:          events.New(),
	})

	ts := httptest.NewServer(server.mux)
	defer ts.Close()

	// Without credentials
	resp, err := http.Get(ts.URL + "/api/status")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("Expected status 401 without credentials, got %d", resp.StatusCode)
	}
	if !strings.Contains(resp.Header.Get("WWW-Authenticate"), "llmpool API") {
		t.Errorf("Expected WWW-Authenticate realm, got %q", resp.Header.Get("WWW-Authenticate"))
	}

	// Wrong credentials
	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/api/status", nil)
	req.SetBasicAuth("admin", "wrong")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("Expected status 401 with wrong password, got %d", resp.StatusCode)
	}

	// Correct credentials in the header
	req, _ = http.NewRequest(http.MethodGet, ts.URL+"/api/status", nil)
	req.SetBasicAuth("admin", "secret")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200 with credentials, got %d", resp.StatusCode)
	}

	// Correct credentials in the query, the SSE fallback
	credentials := base64.StdEncoding.EncodeToString([]byte("admin:secret"))
	resp, err = http.Get(ts.URL + "/api/status?auth=" + credentials)
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200 with query credentials, got %d", resp.StatusCode)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	mock := &mockPools{role: client.RoleServer, status: testStatus()}
	server := NewServer(&Options{
		AuthUsername: "admin",
		AuthPassword: "secret",
		Pools:        mock,
		Bus:          events.New(),
		PrometheusHandler: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.Write([]byte("# scrape ok\n"))
		}),
	})

	ts := httptest.NewServer(server.mux)
	defer ts.Close()

	// Scrapes bypass Huma and its auth middleware
	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "scrape ok") {
		t.Errorf("Expected scrape body, got %q", string(body))
	}
}

func TestCORSPreflight(t *testing.T) {
	mock := &mockPools{role: client.RoleServer, status: testStatus()}
	server := NewServer(&Options{Pools: mock, Bus: events.New()})

	ts := httptest.NewServer(server.mux)
	defer ts.Close()

	req, _ := http.NewRequest(http.MethodOptions, ts.URL+"/api/status", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("OPTIONS failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("Expected status 204 for preflight, got %d", resp.StatusCode)
	}
	if resp.Header.Get("Access-Control-Allow-Origin") != "*" {
		t.Errorf("Expected permissive origin, got %q", resp.Header.Get("Access-Control-Allow-Origin"))
	}
}

func TestStatusToAPI(t *testing.T) {
	data := statusToAPI("client", testStatus())

	if data.Role != "client" {
		t.Errorf("Expected role 'client', got %q", data.Role)
	}
	if len(data.Pools) != 2 {
		t.Fatalf("Expected 2 pools, got %d", len(data.Pools))
	}
	if data.Pools[1].Slots[0].State != "dead" {
		t.Errorf("Expected dead slot, got %q", data.Pools[1].Slots[0].State)
	}
	if data.Pools[0].Slots[1].Generation != 1 {
		t.Errorf("Expected generation 1, got %d", data.Pools[0].Slots[1].Generation)
	}
}
