package server

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"

	"payline/internal/collab"
	"payline/internal/db"
	"payline/internal/engine"
	"payline/internal/migrate"
	"payline/internal/pipeline"
	"payline/internal/repo"
)

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Close() { s.close() }

func newTestServer(t *testing.T, auth AuthConfig) *testServer {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	seedEmployees(t, conn)

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)
	builder := pipeline.Builder{
		Directory:  collab.SQLiteDirectory{DB: conn},
		Attendance: collab.SQLiteAttendance{DB: conn},
		Penalties:  collab.SQLitePenalties{DB: conn},
		Bonuses:    collab.SigningBonusSource{DB: conn},
	}
	e := engine.New(conn, builder, collab.DBPolicyStore{Repo: repo.Repo{DB: conn}}, collab.LogGateway{Log: log}, log)

	handler, err := New(Config{Engine: e, BasePath: "/v1", Auth: auth})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	ts := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	t.Cleanup(ts.Close)
	return ts
}

func seedEmployees(t *testing.T, conn *sql.DB) {
	t.Helper()
	stmts := []string{
		`INSERT INTO employees(id,full_name,base_salary,signing_bonus,status,bank_account_name,bank_account_number,bank_name)
		 VALUES ('emp-a','Ada Example','4400','0','active','Ada Example','12345678','First National')`,
		`INSERT INTO employees(id,full_name,base_salary,signing_bonus,status) VALUES ('emp-b','Bo Example','3000','0','active')`,
		`INSERT INTO attendance_summaries(employee_id,period_start,period_end,overtime_hours,unpaid_leave_days)
		 VALUES ('emp-a','2026-02-01','2026-02-28','8','1')`,
		`INSERT INTO penalties(id,employee_id,amount,reason,active) VALUES ('pen-1','emp-a','100','late arrivals',1)`,
	}
	for _, s := range stmts {
		if _, err := conn.Exec(s); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
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
	req.Header.Set("X-Actor-Id", "tester")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return resp, data
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, AuthConfig{})
	resp, body := doJSON(t, ts.client, http.MethodGet, ts.URL+"/v1/health", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d body = %s", resp.StatusCode, body)
	}
	var health map[string]string
	if err := json.Unmarshal(body, &health); err != nil {
		t.Fatal(err)
	}
	if health["status"] != "ok" || health["schema_version"] == "" {
		t.Fatalf("health = %v", health)
	}
}

func TestRunLifecycleOverHTTP(t *testing.T) {
	ts := newTestServer(t, AuthConfig{})

	resp, body := doJSON(t, ts.client, http.MethodPost, ts.URL+"/v1/runs", map[string]any{
		"period_start": "2026-02-01",
		"period_end":   "2026-02-28",
	}, nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create: %d %s", resp.StatusCode, body)
	}
	var run RunResponse
	if err := json.Unmarshal(body, &run); err != nil {
		t.Fatalf("decode run: %v", err)
	}
	if run.Status != "draft" {
		t.Fatalf("status = %s", run.Status)
	}

	resp, body = doJSON(t, ts.client, http.MethodPost, ts.URL+"/v1/runs/"+run.ID+"/calculate", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("calculate: %d %s", resp.StatusCode, body)
	}
	if err := json.Unmarshal(body, &run); err != nil {
		t.Fatal(err)
	}
	if run.Status != "under_review" || run.EmployeeCount != 2 {
		t.Fatalf("run = %+v", run)
	}
	// emp-a nets 3700; emp-b nets 2650.
	if run.TotalNet != "6350" {
		t.Fatalf("total net = %s", run.TotalNet)
	}

	resp, body = doJSON(t, ts.client, http.MethodGet, ts.URL+"/v1/runs/"+run.ID+"/lines", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("lines: %d %s", resp.StatusCode, body)
	}
	var lines []LineResponse
	if err := json.Unmarshal(body, &lines); err != nil {
		t.Fatal(err)
	}
	if len(lines) != 2 {
		t.Fatalf("lines = %d", len(lines))
	}

	// emp-b has no bank details; a MEDIUM exception that does not block.
	resp, body = doJSON(t, ts.client, http.MethodGet, ts.URL+"/v1/runs/"+run.ID+"/exceptions?status=open", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("exceptions: %d %s", resp.StatusCode, body)
	}
	var exs []ExceptionResponse
	if err := json.Unmarshal(body, &exs); err != nil {
		t.Fatal(err)
	}
	if len(exs) != 1 || exs[0].Type != "MISSING_BANK_DETAILS" {
		t.Fatalf("exceptions = %+v", exs)
	}

	resp, body = doJSON(t, ts.client, http.MethodPost, ts.URL+"/v1/exceptions/"+exs[0].ID+"/resolve", map[string]any{
		"note": "details collected from HR",
		"bank": map[string]string{
			"account_name":   "Bo Example",
			"account_number": "87654321",
			"bank_name":      "First National",
		},
	}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("resolve: %d %s", resp.StatusCode, body)
	}

	resp, body = doJSON(t, ts.client, http.MethodPost, ts.URL+"/v1/runs/"+run.ID+"/approve", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("approve: %d %s", resp.StatusCode, body)
	}
	resp, body = doJSON(t, ts.client, http.MethodPost, ts.URL+"/v1/runs/"+run.ID+"/complete", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("complete: %d %s", resp.StatusCode, body)
	}
	if err := json.Unmarshal(body, &run); err != nil {
		t.Fatal(err)
	}
	if run.Status != "completed" {
		t.Fatalf("status = %s", run.Status)
	}

	resp, body = doJSON(t, ts.client, http.MethodGet, ts.URL+"/v1/runs/"+run.ID+"/events", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("events: %d %s", resp.StatusCode, body)
	}
	var evts []EventResponse
	if err := json.Unmarshal(body, &evts); err != nil {
		t.Fatal(err)
	}
	if len(evts) == 0 {
		t.Fatal("no events recorded")
	}
}

func TestExceptionTypeFilterRejectsUnknownType(t *testing.T) {
	ts := newTestServer(t, AuthConfig{})
	_, body := doJSON(t, ts.client, http.MethodPost, ts.URL+"/v1/runs", map[string]any{
		"period_start": "2026-02-01",
		"period_end":   "2026-02-28",
	}, nil)
	var run RunResponse
	if err := json.Unmarshal(body, &run); err != nil {
		t.Fatal(err)
	}
	resp, body := doJSON(t, ts.client, http.MethodGet, ts.URL+"/v1/runs/"+run.ID+"/exceptions?type=NOT_A_TYPE", nil, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d %s", resp.StatusCode, body)
	}
	var envelope struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		t.Fatalf("decode envelope: %v body: %s", err, body)
	}
	if envelope.Error.Code != "bad_request" {
		t.Fatalf("code = %s", envelope.Error.Code)
	}
}

func TestErrorEnvelope(t *testing.T) {
	ts := newTestServer(t, AuthConfig{})
	resp, body := doJSON(t, ts.client, http.MethodGet, ts.URL+"/v1/runs/nope", nil, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d %s", resp.StatusCode, body)
	}
	var envelope struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		t.Fatalf("decode envelope: %v body: %s", err, body)
	}
	if envelope.Error.Code != "not_found" {
		t.Fatalf("code = %s", envelope.Error.Code)
	}
}

func TestInvalidTransitionIsConflict(t *testing.T) {
	ts := newTestServer(t, AuthConfig{})
	_, body := doJSON(t, ts.client, http.MethodPost, ts.URL+"/v1/runs", map[string]any{
		"period_start": "2026-02-01",
		"period_end":   "2026-02-28",
	}, nil)
	var run RunResponse
	if err := json.Unmarshal(body, &run); err != nil {
		t.Fatal(err)
	}
	resp, body := doJSON(t, ts.client, http.MethodPost, ts.URL+"/v1/runs/"+run.ID+"/approve", nil, nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d %s", resp.StatusCode, body)
	}
}

func TestJWTAuth(t *testing.T) {
	secret := "test-secret"
	ts := newTestServer(t, AuthConfig{JWTSecret: secret})

	resp, _ := doJSON(t, ts.client, http.MethodGet, ts.URL+"/v1/runs", nil, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status without token = %d", resp.StatusCode)
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "reviewer-1",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatal(err)
	}
	resp, body := doJSON(t, ts.client, http.MethodGet, ts.URL+"/v1/runs", nil, map[string]string{
		"Authorization": "Bearer " + signed,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status with token = %d %s", resp.StatusCode, body)
	}
}
