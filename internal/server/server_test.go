package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"reflect"
	"testing"

	"heir/internal/config"
	"heir/internal/db"
	"heir/internal/engine"
	"heir/internal/migrate"
	"heir/internal/registry"
)

const testOperatorSecret = "server-test-secret"

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("heir-test")
	cfg.Escalation.OccurrenceThreshold = 3
	cfg.Escalation.MissStreak = 5
	e := engine.New(conn, cfg)
	if err := e.SeedKnowledgeBase(context.Background()); err != nil {
		t.Fatalf("seed knowledge base: %v", err)
	}
	handler, err := New(Config{
		Engine:   e,
		Registry: registry.New(conn),
		BasePath: "/v1",
		Auth:     AuthConfig{OperatorSecret: testOperatorSecret},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
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
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	data, err := io.ReadAll(res.Body)
	res.Body.Close()
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func validDoctrineHeaders() map[string]string {
	return map[string]string{
		"unique_id":       "SHQ.04.imo.payments.20000.001",
		"process_id":      "ProcessData",
		"agent_signature": "agent-7:20250113153201:a1b2c3d4e5",
		"blueprint_id":    "bp-payments-001",
	}
}

func TestHealthOpen(t *testing.T) {
	srv, done := newTestServer(t)
	defer done()
	res, body := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, body)
	}
}

func TestDoctrineGateRejectsMissingHeaders(t *testing.T) {
	srv, done := newTestServer(t)
	defer done()
	res, body := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/errors",
		map[string]string{"error_code": "CONN_TIMEOUT"}, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status %d: %s", res.StatusCode, body)
	}
	var rej rejection
	if err := json.Unmarshal(body, &rej); err != nil {
		t.Fatalf("decode rejection: %v", err)
	}
	if rej.Status != "REJECTED" {
		t.Fatalf("status field: %q", rej.Status)
	}
	if rej.Error.Code != "MISSING_HEADERS" {
		t.Fatalf("error code: %q", rej.Error.Code)
	}
	if rej.Error.Message != "Required doctrine headers not provided" {
		t.Fatalf("error message: %q", rej.Error.Message)
	}
	want := []string{
		"Missing unique_id header",
		"Missing process_id header",
		"Missing agent_signature header",
		"Missing blueprint_id header",
	}
	if !reflect.DeepEqual(rej.Error.ValidationErrors, want) {
		t.Fatalf("validation errors: %v", rej.Error.ValidationErrors)
	}
}

func TestDoctrineGateAccumulatesInvalidHeaders(t *testing.T) {
	srv, done := newTestServer(t)
	defer done()
	headers := validDoctrineHeaders()
	headers["unique_id"] = "not-a-doctrine-id"
	headers["process_id"] = "processPayment"
	res, body := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/errors",
		map[string]string{"error_code": "CONN_TIMEOUT"}, headers)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status %d: %s", res.StatusCode, body)
	}
	var rej rejection
	if err := json.Unmarshal(body, &rej); err != nil {
		t.Fatalf("decode rejection: %v", err)
	}
	want := []string{
		"Invalid unique_id format",
		"Invalid process_id format (must be VerbObject)",
	}
	if !reflect.DeepEqual(rej.Error.ValidationErrors, want) {
		t.Fatalf("validation errors: %v", rej.Error.ValidationErrors)
	}
}

func TestReportErrorResolved(t *testing.T) {
	srv, done := newTestServer(t)
	defer done()
	res, body := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/errors",
		map[string]string{"error_code": "CONN_TIMEOUT", "message": "connection timed out"},
		validDoctrineHeaders())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", res.StatusCode, body)
	}
	var decision engine.Decision
	if err := json.Unmarshal(body, &decision); err != nil {
		t.Fatalf("decode decision: %v", err)
	}
	if decision.LookupKey != "ProcessData:CONN_TIMEOUT" {
		t.Fatalf("lookup key: %q", decision.LookupKey)
	}
	if decision.Resolution == nil {
		t.Fatal("expected a seeded resolution")
	}
	if decision.Escalated {
		t.Fatal("first occurrence must not escalate")
	}
	if decision.Event.AgentID != "agent-7" {
		t.Fatalf("agent id from signature: %q", decision.Event.AgentID)
	}
}

func TestEscalationOverHTTP(t *testing.T) {
	srv, done := newTestServer(t)
	defer done()
	headers := validDoctrineHeaders()
	var last engine.Decision
	for i := 0; i < 3; i++ {
		res, body := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/errors",
			map[string]string{"error_code": "CONN_TIMEOUT"}, headers)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("report %d status %d: %s", i+1, res.StatusCode, body)
		}
		if err := json.Unmarshal(body, &last); err != nil {
			t.Fatalf("decode decision: %v", err)
		}
	}
	if !last.Escalated || !last.NewlyEscalated {
		t.Fatalf("third report should escalate: %+v", last)
	}

	res, body := doJSON(t, srv.Client(), http.MethodGet,
		srv.URL+"/v1/escalations?escalated_only=true", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list escalations status %d: %s", res.StatusCode, body)
	}
	var counters []CounterResponse
	if err := json.Unmarshal(body, &counters); err != nil {
		t.Fatalf("decode counters: %v", err)
	}
	if len(counters) != 1 || counters[0].LookupKey != "ProcessData:CONN_TIMEOUT" {
		t.Fatalf("counters: %+v", counters)
	}
	if counters[0].OccurrenceCount != 3 || !counters[0].Escalated {
		t.Fatalf("counter state: %+v", counters[0])
	}
}

func TestTroubleshootingLookup(t *testing.T) {
	srv, done := newTestServer(t)
	defer done()
	res, body := doJSON(t, srv.Client(), http.MethodGet,
		srv.URL+"/v1/troubleshooting/ProcessData:CONN_TIMEOUT", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("lookup status %d: %s", res.StatusCode, body)
	}
	var out ResolutionResponse
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("decode resolution: %v", err)
	}
	if out.LookupKey != "ProcessData:CONN_TIMEOUT" || out.Guidance == "" {
		t.Fatalf("resolution: %+v", out)
	}

	res, body = doJSON(t, srv.Client(), http.MethodGet,
		srv.URL+"/v1/troubleshooting/NoSuchProcess:NOPE", nil, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("miss status %d: %s", res.StatusCode, body)
	}
}

func TestSchemaApplyRequiresOperatorToken(t *testing.T) {
	srv, done := newTestServer(t)
	defer done()
	res, body := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/schema/versions",
		map[string]string{"version": "1.4.0"}, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status without token %d: %s", res.StatusCode, body)
	}
}

func TestSchemaApplyIdempotentOverHTTP(t *testing.T) {
	srv, done := newTestServer(t)
	defer done()
	token, err := MintOperatorToken(testOperatorSecret, "deployer")
	if err != nil {
		t.Fatalf("mint token: %v", err)
	}
	auth := map[string]string{"Authorization": fmt.Sprintf("Bearer %s", token)}

	res, body := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/schema/versions",
		map[string]string{"version": "1.4.0", "checksum": "abc123"}, auth)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("first apply status %d: %s", res.StatusCode, body)
	}
	var first ApplySchemaVersionResponse
	if err := json.Unmarshal(body, &first); err != nil {
		t.Fatalf("decode apply: %v", err)
	}
	if first.AlreadyApplied {
		t.Fatal("first apply must not report already_applied")
	}
	if first.AppliedBy != "deployer" {
		t.Fatalf("applied_by: %q", first.AppliedBy)
	}

	res, body = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/schema/versions",
		map[string]string{"version": "1.4.0", "checksum": "other"}, auth)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("second apply status %d: %s", res.StatusCode, body)
	}
	var second ApplySchemaVersionResponse
	if err := json.Unmarshal(body, &second); err != nil {
		t.Fatalf("decode apply: %v", err)
	}
	if !second.AlreadyApplied {
		t.Fatal("re-apply must report already_applied")
	}
	if second.Checksum != first.Checksum {
		t.Fatalf("re-apply must keep original checksum: %q vs %q", second.Checksum, first.Checksum)
	}

	res, body = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/schema/versions", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list status %d: %s", res.StatusCode, body)
	}
	var versions []SchemaVersionResponse
	if err := json.Unmarshal(body, &versions); err != nil {
		t.Fatalf("decode versions: %v", err)
	}
	if len(versions) != 1 || versions[0].Version != "1.4.0" {
		t.Fatalf("ledger rows: %+v", versions)
	}
}

func TestSchemaVersionsListedInApplicationOrder(t *testing.T) {
	srv, done := newTestServer(t)
	defer done()
	token, err := MintOperatorToken(testOperatorSecret, "deployer")
	if err != nil {
		t.Fatalf("mint token: %v", err)
	}
	auth := map[string]string{"Authorization": "Bearer " + token}
	for _, v := range []string{"2.0.0", "1.5.0", "10.0.0"} {
		res, body := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/schema/versions",
			map[string]string{"version": v}, auth)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("apply %s status %d: %s", v, res.StatusCode, body)
		}
	}
	res, body := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/schema/versions", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list status %d: %s", res.StatusCode, body)
	}
	var versions []SchemaVersionResponse
	if err := json.Unmarshal(body, &versions); err != nil {
		t.Fatalf("decode versions: %v", err)
	}
	got := make([]string, 0, len(versions))
	for _, v := range versions {
		got = append(got, v.Version)
	}
	if !reflect.DeepEqual(got, []string{"2.0.0", "1.5.0", "10.0.0"}) {
		t.Fatalf("application order not preserved: %v", got)
	}
}
