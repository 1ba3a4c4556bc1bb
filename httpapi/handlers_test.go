package httpapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"
	"time"

	"github.com/civistack/benefitflow/auth"
	"github.com/civistack/benefitflow/storage"
	"github.com/civistack/benefitflow/upstream"
	"github.com/civistack/benefitflow/upstream/mock"
	"github.com/civistack/benefitflow/workflow"
	"github.com/civistack/benefitflow/workflow/queue"
	"github.com/civistack/benefitflow/workflow/state"
	"github.com/civistack/benefitflow/workflow/store"
)

const (
	userToken  = "user-token"
	adminToken = "admin-token"
)

func newTestServer(t *testing.T) (*httptest.Server, *mock.Decision) {
	t.Helper()
	return newTestServerConfig(t, workflow.Config{
		BackoffBase: time.Millisecond,
		BackoffMax:  2 * time.Millisecond,
	})
}

func newTestServerConfig(t *testing.T, cfg workflow.Config) (*httptest.Server, *mock.Decision) {
	t.Helper()
	st := store.NewMemStore()
	q := queue.NewMemQueue(queue.WithWorkers(1))
	t.Cleanup(func() { q.Close() })
	blobs := storage.NewMemStore()

	amount := int64(2000)
	dec := &mock.Decision{Responses: []mock.DecisionResponse{{Result: upstream.DecisionResult{
		Outcome: "APPROVED", Confidence: 0.9, Reasoning: "ok", BenefitAmount: &amount,
	}}}}
	eng := workflow.New(st, q, blobs, workflow.Upstreams{
		OCR: &mock.OCR{},
		Extract: &mock.Extract{ByKind: map[string][]mock.ExtractResponse{
			store.KindBankStatement: {{Fields: map[string]interface{}{
				"monthly_income": 2000.0, "closing_balance": 800.0, "confidence": 0.9,
			}}},
			store.KindIdentityCard: {{Fields: map[string]interface{}{
				"full_name": "Amina Haddad", "confidence": 0.9,
			}}},
		}},
		Decision: dec,
	}, workflow.WithConfig(cfg))
	if err := eng.RegisterHandlers(); err != nil {
		t.Fatalf("register handlers: %v", err)
	}

	authn := auth.NewStaticAuthenticator(map[string]auth.Identity{
		userToken:  {OwnerID: "owner-1"},
		adminToken: {OwnerID: "", Admin: true},
	})
	srv := httptest.NewServer(NewServer(eng, blobs, authn).Handler())
	t.Cleanup(srv.Close)
	return srv, dec
}

func doJSON(t *testing.T, srv *httptest.Server, method, path, token string, body interface{}) (*http.Response, map[string]interface{}) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, srv.URL+path, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	var decoded map[string]interface{}
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &decoded)
	}
	return resp, decoded
}

func startApplication(t *testing.T, srv *httptest.Server) string {
	t.Helper()
	resp, body := doJSON(t, srv, http.MethodPost, "/workflow/start-application", userToken, map[string]string{
		"full_name":   "Amina Haddad",
		"national_id": "A1234567",
		"phone":       "+21612345678",
		"email":       "amina@example.org",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("start: status %d body %v", resp.StatusCode, body)
	}
	id, _ := body["application_id"].(string)
	if id == "" {
		t.Fatalf("start: no application_id in %v", body)
	}
	return id
}

func multipartUpload(t *testing.T, parts map[string]string, contentType string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for name, content := range parts {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, name, name+".pdf"))
		h.Set("Content-Type", contentType)
		pw, err := mw.CreatePart(h)
		if err != nil {
			t.Fatalf("create part: %v", err)
		}
		if _, err := pw.Write([]byte(content)); err != nil {
			t.Fatalf("write part: %v", err)
		}
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}
	return &buf, mw.FormDataContentType()
}

func uploadDocuments(t *testing.T, srv *httptest.Server, appID string) {
	t.Helper()
	body, ctype := multipartUpload(t, map[string]string{
		"bank_statement": "%PDF-1.4 statement",
		"identity_card":  "%PDF-1.4 identity",
	}, "application/pdf")
	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/workflow/upload-documents/"+appID, body)
	req.Header.Set("Authorization", "Bearer "+userToken)
	req.Header.Set("Content-Type", ctype)
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("upload: status %d body %s", resp.StatusCode, raw)
	}
	var decoded struct {
		DocumentIDs []string `json:"document_ids"`
		State       string   `json:"state"`
	}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("upload response: %v", err)
	}
	if len(decoded.DocumentIDs) != 2 {
		t.Fatalf("document_ids = %v, want 2 entries", decoded.DocumentIDs)
	}
}

func errCode(body map[string]interface{}) string {
	env, _ := body["error"].(map[string]interface{})
	code, _ := env["code"].(string)
	return code
}

func TestMissingCredential(t *testing.T) {
	srv, _ := newTestServer(t)
	resp, body := doJSON(t, srv, http.MethodPost, "/workflow/start-application", "", nil)
	if resp.StatusCode != http.StatusUnauthorized || errCode(body) != "UNAUTHENTICATED" {
		t.Fatalf("status %d code %s", resp.StatusCode, errCode(body))
	}
}

func TestStartApplicationInvalidForm(t *testing.T) {
	srv, _ := newTestServer(t)
	resp, body := doJSON(t, srv, http.MethodPost, "/workflow/start-application", userToken, map[string]string{
		"full_name": "A",
	})
	if resp.StatusCode != http.StatusBadRequest || errCode(body) != "INVALID_FORM" {
		t.Fatalf("status %d body %v", resp.StatusCode, body)
	}
	env := body["error"].(map[string]interface{})
	if env["details"] == nil {
		t.Fatal("expected field details in the validation envelope")
	}
}

func TestFullLifecycleOverHTTP(t *testing.T) {
	srv, _ := newTestServer(t)
	appID := startApplication(t, srv)
	uploadDocuments(t, srv, appID)

	resp, body := doJSON(t, srv, http.MethodPost, "/workflow/process/"+appID, userToken, map[string]bool{"force_retry": false})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("process: status %d body %v", resp.StatusCode, body)
	}
	if body["estimated_completion_seconds"].(float64) <= 0 {
		t.Fatalf("estimate missing: %v", body)
	}

	deadline := time.Now().Add(5 * time.Second)
	var status map[string]interface{}
	for time.Now().Before(deadline) {
		resp, status = doJSON(t, srv, http.MethodGet, "/workflow/status/"+appID, userToken, nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status: %d %v", resp.StatusCode, status)
		}
		if status["overall_status"] == string(state.Approved) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if status["overall_status"] != string(state.Approved) {
		t.Fatalf("application did not approve: %v", status)
	}
	if status["progress"].(float64) != 100 {
		t.Fatalf("progress = %v, want 100", status["progress"])
	}
	if status["next_action"] != workflow.ActionCompleted {
		t.Fatalf("next_action = %v", status["next_action"])
	}
	partial := status["partial_results"].(map[string]interface{})
	if partial["decision"] == nil {
		t.Fatal("expected decision in partial results")
	}
}

func TestUploadUnsupportedFormat(t *testing.T) {
	srv, _ := newTestServer(t)
	appID := startApplication(t, srv)

	body, ctype := multipartUpload(t, map[string]string{"bank_statement": "zipzip"}, "application/zip")
	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/workflow/upload-documents/"+appID, body)
	req.Header.Set("Authorization", "Bearer "+userToken)
	req.Header.Set("Content-Type", ctype)
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusUnsupportedMediaType {
		t.Fatalf("status %d body %s", resp.StatusCode, raw)
	}
	if !strings.Contains(string(raw), "UNSUPPORTED_FORMAT") {
		t.Fatalf("body %s", raw)
	}
}

// The configured file limit is inclusive: a file of exactly that size
// goes through, one more byte is rejected, multipart framing aside.
func TestUploadFileSizeBoundary(t *testing.T) {
	const maxSize = 4096
	srv, _ := newTestServerConfig(t, workflow.Config{
		BackoffBase: time.Millisecond,
		BackoffMax:  2 * time.Millisecond,
		MaxFileSize: maxSize,
	})

	cases := []struct {
		name       string
		size       int
		wantStatus int
		wantCode   string
	}{
		{"exactly at limit", maxSize, http.StatusOK, ""},
		{"one byte over", maxSize + 1, http.StatusRequestEntityTooLarge, "FILE_TOO_LARGE"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			appID := startApplication(t, srv)
			content := strings.Repeat("a", tc.size)
			body, ctype := multipartUpload(t, map[string]string{
				"bank_statement": content,
				"identity_card":  content,
			}, "application/pdf")
			req, _ := http.NewRequest(http.MethodPost, srv.URL+"/workflow/upload-documents/"+appID, body)
			req.Header.Set("Authorization", "Bearer "+userToken)
			req.Header.Set("Content-Type", ctype)
			resp, err := srv.Client().Do(req)
			if err != nil {
				t.Fatalf("upload: %v", err)
			}
			defer resp.Body.Close()
			raw, _ := io.ReadAll(resp.Body)
			if resp.StatusCode != tc.wantStatus {
				t.Fatalf("status = %d, want %d; body %s", resp.StatusCode, tc.wantStatus, raw)
			}
			if tc.wantCode != "" && !strings.Contains(string(raw), tc.wantCode) {
				t.Fatalf("body %s, want code %s", raw, tc.wantCode)
			}
		})
	}
}

func TestUploadUnknownApplication(t *testing.T) {
	srv, _ := newTestServer(t)
	body, ctype := multipartUpload(t, map[string]string{"bank_statement": "%PDF-1.4"}, "application/pdf")
	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/workflow/upload-documents/no-such-app", body)
	req.Header.Set("Authorization", "Bearer "+userToken)
	req.Header.Set("Content-Type", ctype)
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusNotFound || !strings.Contains(string(raw), "APP_NOT_FOUND") {
		t.Fatalf("status %d body %s", resp.StatusCode, raw)
	}
}

func TestProcessBeforeUpload(t *testing.T) {
	srv, _ := newTestServer(t)
	appID := startApplication(t, srv)
	resp, body := doJSON(t, srv, http.MethodPost, "/workflow/process/"+appID, userToken, nil)
	if resp.StatusCode != http.StatusConflict || errCode(body) != "INVALID_STATE" {
		t.Fatalf("status %d body %v", resp.StatusCode, body)
	}
}

func TestCancelThenTerminalConflict(t *testing.T) {
	srv, _ := newTestServer(t)
	appID := startApplication(t, srv)

	resp, body := doJSON(t, srv, http.MethodPost, "/workflow/cancel/"+appID, userToken, nil)
	if resp.StatusCode != http.StatusOK || body["state"] != string(state.Cancelled) {
		t.Fatalf("cancel: status %d body %v", resp.StatusCode, body)
	}
	resp, body = doJSON(t, srv, http.MethodPost, "/workflow/cancel/"+appID, userToken, nil)
	if resp.StatusCode != http.StatusConflict || errCode(body) != "TERMINAL" {
		t.Fatalf("second cancel: status %d body %v", resp.StatusCode, body)
	}
}

func TestResetRequiresAdmin(t *testing.T) {
	srv, _ := newTestServer(t)
	appID := startApplication(t, srv)
	doJSON(t, srv, http.MethodPost, "/workflow/cancel/"+appID, userToken, nil)

	resp, body := doJSON(t, srv, http.MethodPost, "/workflow/reset/"+appID, userToken, nil)
	if resp.StatusCode != http.StatusForbidden || errCode(body) != "FORBIDDEN" {
		t.Fatalf("user reset: status %d body %v", resp.StatusCode, body)
	}
	resp, body = doJSON(t, srv, http.MethodPost, "/workflow/reset/"+appID, adminToken, nil)
	if resp.StatusCode != http.StatusOK || body["state"] != string(state.FormSubmitted) {
		t.Fatalf("admin reset: status %d body %v", resp.StatusCode, body)
	}
}

func TestOwnershipOverHTTP(t *testing.T) {
	srv, _ := newTestServer(t)
	appID := startApplication(t, srv)

	intruder := "intruder-token"
	// A second identity must not see the first one's application.
	resp, body := doJSON(t, srv, http.MethodGet, "/workflow/status/"+appID, intruder, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unknown token: status %d body %v", resp.StatusCode, body)
	}
}

func TestDeleteApplication(t *testing.T) {
	srv, _ := newTestServer(t)
	appID := startApplication(t, srv)

	resp, _ := doJSON(t, srv, http.MethodDelete, "/workflow/application/"+appID, userToken, nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete: status %d", resp.StatusCode)
	}
	resp, body := doJSON(t, srv, http.MethodGet, "/workflow/status/"+appID, userToken, nil)
	if resp.StatusCode != http.StatusNotFound || errCode(body) != "APP_NOT_FOUND" {
		t.Fatalf("status after delete: %d %v", resp.StatusCode, body)
	}
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t)
	resp, body := doJSON(t, srv, http.MethodGet, "/healthz", "", nil)
	if resp.StatusCode != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("healthz: status %d body %v", resp.StatusCode, body)
	}
}
