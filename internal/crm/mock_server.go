package crm

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
)

// MockServer provides a fake CRM API for testing. Records are returned in
// insertion order; sort clauses are accepted but ignored.
type MockServer struct {
	*httptest.Server

	mu             sync.Mutex
	records        map[Entity][]map[string]interface{}
	agencyTokens   map[string]string // access token -> company id
	refreshTokens  map[string]string // refresh token -> company id
	locationTokens map[string]string // access token -> location id
	failures       map[string][]int  // path -> queued status codes
	calls          map[string]int
	seq            int
	RotateRefresh  bool
}

// NewMockServer creates a mock CRM API server
func NewMockServer() *MockServer {
	m := &MockServer{
		records:        make(map[Entity][]map[string]interface{}),
		agencyTokens:   make(map[string]string),
		refreshTokens:  make(map[string]string),
		locationTokens: make(map[string]string),
		failures:       make(map[string][]int),
		calls:          make(map[string]int),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/token", m.handleRefresh)
	mux.HandleFunc("/oauth/locationToken", m.handleLocationToken)
	mux.HandleFunc("/", m.handleEntity)

	m.Server = httptest.NewServer(m.track(mux))
	return m
}

// AddAgencyToken registers a valid agency access/refresh pair for a company.
func (m *MockServer) AddAgencyToken(companyID, accessToken, refreshToken string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if accessToken != "" {
		m.agencyTokens[accessToken] = companyID
	}
	if refreshToken != "" {
		m.refreshTokens[refreshToken] = companyID
	}
}

// RevokeAgencyToken makes an agency access token invalid (simulates expiry).
func (m *MockServer) RevokeAgencyToken(accessToken string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.agencyTokens, accessToken)
}

// ExpireLocationTokens invalidates every location token minted so far.
func (m *MockServer) ExpireLocationTokens() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.locationTokens = make(map[string]string)
}

// AddRecord stores a record under entity. The record is marshalled through
// JSON so typed DTOs and raw maps both work.
func (m *MockServer) AddRecord(entity Entity, record interface{}) {
	data, err := json.Marshal(record)
	if err != nil {
		panic(fmt.Sprintf("mock: cannot marshal record: %v", err))
	}
	var obj map[string]interface{}
	if err := json.Unmarshal(data, &obj); err != nil {
		panic(fmt.Sprintf("mock: record is not an object: %v", err))
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[entity] = append(m.records[entity], obj)
}

// AddRaw stores a raw JSON record verbatim (used to inject malformed data).
func (m *MockServer) AddRaw(entity Entity, locationID string, raw string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[entity] = append(m.records[entity], map[string]interface{}{
		"locationId": locationID,
		"__raw":      raw,
	})
}

// FailNext makes the next n requests to path answer with status.
func (m *MockServer) FailNext(path string, status int, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := 0; i < n; i++ {
		m.failures[path] = append(m.failures[path], status)
	}
}

// Calls returns how many requests hit path.
func (m *MockServer) Calls(path string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[path]
}

func (m *MockServer) track(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.mu.Lock()
		m.calls[r.URL.Path]++
		var status int
		if queued := m.failures[r.URL.Path]; len(queued) > 0 {
			status = queued[0]
			m.failures[r.URL.Path] = queued[1:]
		}
		m.mu.Unlock()

		if status != 0 {
			http.Error(w, http.StatusText(status), status)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (m *MockServer) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}
	if r.Form.Get("grant_type") != "refresh_token" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unsupported_grant_type"})
		return
	}

	refresh := r.Form.Get("refresh_token")

	m.mu.Lock()
	defer m.mu.Unlock()

	companyID, ok := m.refreshTokens[refresh]
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_grant"})
		return
	}

	m.seq++
	access := fmt.Sprintf("agency-access-%d", m.seq)
	m.agencyTokens[access] = companyID

	newRefresh := refresh
	if m.RotateRefresh {
		newRefresh = fmt.Sprintf("agency-refresh-%d", m.seq)
		delete(m.refreshTokens, refresh)
		m.refreshTokens[newRefresh] = companyID
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"access_token":  access,
		"refresh_token": newRefresh,
		"token_type":    "Bearer",
		"expires_in":    86399,
		"scope":         "contacts.readonly conversations.readonly",
		"userType":      "Company",
		"companyId":     companyID,
	})
}

func (m *MockServer) handleLocationToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	companyID, ok := m.agencyTokens[bearer(r)]
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "Invalid JWT"})
		return
	}
	if r.Form.Get("companyId") != companyID {
		writeJSON(w, http.StatusForbidden, map[string]string{"message": "company mismatch"})
		return
	}

	locationID := r.Form.Get("locationId")
	m.seq++
	access := fmt.Sprintf("location-%s-%d", locationID, m.seq)
	m.locationTokens[access] = locationID

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"access_token": access,
		"token_type":   "Bearer",
		"expires_in":   86399,
		"locationId":   locationID,
	})
}

// handleEntity serves POST /{entity}/search and POST /{entity}/count
func (m *MockServer) handleEntity(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) != 2 || r.Method != http.MethodPost {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	entity, op := Entity(parts[0]), parts[1]

	var q SearchQuery
	if err := json.NewDecoder(r.Body).Decode(&q); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if loc, ok := m.locationTokens[bearer(r)]; !ok || loc != q.LocationID {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "Invalid JWT"})
		return
	}

	matched := make([]map[string]interface{}, 0)
	for _, rec := range m.records[entity] {
		if rec["locationId"] != q.LocationID || !matches(rec, q.Filters) {
			continue
		}
		matched = append(matched, rec)
	}

	switch op {
	case "count":
		writeJSON(w, http.StatusOK, map[string]int{"total": len(matched)})
	case "search":
		page, limit := q.Page, q.PageLimit
		if page < 1 {
			page = 1
		}
		if limit < 1 {
			limit = 20
		}
		start := (page - 1) * limit
		end := start + limit
		if start > len(matched) {
			start = len(matched)
		}
		if end > len(matched) {
			end = len(matched)
		}

		out := make([]json.RawMessage, 0, end-start)
		for _, rec := range matched[start:end] {
			if raw, ok := rec["__raw"].(string); ok {
				out = append(out, json.RawMessage(raw))
				continue
			}
			data, _ := json.Marshal(rec)
			out = append(out, data)
		}
		writeJSON(w, http.StatusOK, SearchResult{Records: out, Total: len(matched)})
	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

func matches(rec map[string]interface{}, filters []Filter) bool {
	for _, f := range filters {
		if f.Operator != "" && f.Operator != "eq" {
			continue
		}
		if fmt.Sprint(rec[f.Field]) != fmt.Sprint(f.Value) {
			return false
		}
	}
	return true
}

func bearer(r *http.Request) string {
	return strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
