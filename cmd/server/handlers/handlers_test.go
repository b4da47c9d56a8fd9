package handlers

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/kimhsiao/chatvault/backend/internal/assembler"
	"github.com/kimhsiao/chatvault/backend/internal/blob"
	"github.com/kimhsiao/chatvault/backend/internal/db"
	"github.com/kimhsiao/chatvault/backend/internal/importer"
	"github.com/kimhsiao/chatvault/backend/internal/merge"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	database, err := db.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := db.NewMigrator(database.DB).Up(); err != nil {
		t.Fatalf("migrate failed: %v", err)
	}
	repo := db.NewRepository(database.DB)
	t.Cleanup(func() { repo.Close() })

	store, err := blob.NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("store failed: %v", err)
	}

	uploads := assembler.NewService(repo, store)
	imports := importer.NewService(repo, store, uploads, 100, nil)
	engine := merge.NewEngine(repo, store, 100, nil)

	mux := http.NewServeMux()
	NewUploadHandler(repo, uploads, 10<<20).Register(mux)
	NewImportHandler(imports).Register(mux)
	NewMergeHandler(engine).Register(mux)
	NewConversationHandler(repo, store).Register(mux)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func postJSON(t *testing.T, url string, body interface{}) *http.Response {
	t.Helper()
	data, _ := json.Marshal(body)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("post %s failed: %v", url, err)
	}
	return resp
}

func decode(t *testing.T, resp *http.Response, dst interface{}) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
}

// uploadSimple drives the multipart single-shot endpoint.
func uploadSimple(t *testing.T, srv *httptest.Server, filename, content string) map[string]interface{} {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, _ := mw.CreateFormFile("file", filename)
	fw.Write([]byte(content))
	mw.Close()

	resp, err := http.Post(srv.URL+"/api/uploads/simple", mw.FormDataContentType(), &buf)
	if err != nil {
		t.Fatalf("upload failed: %v", err)
	}
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	var job map[string]interface{}
	decode(t, resp, &job)
	return job
}

func TestUploadImportFlow(t *testing.T) {
	srv := newTestServer(t)

	upload := uploadSimple(t, srv, "WhatsApp Chat with Bob.txt",
		"12.03.2024, 14:05 - Alice: hello\n12.03.2024, 14:06 - Bob: hi\n")
	if upload["status"] != "assembled" {
		t.Fatalf("expected assembled upload, got %v", upload["status"])
	}

	resp := postJSON(t, srv.URL+"/api/imports", map[string]string{
		"upload_job_id": upload["id"].(string),
	})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	var importJob map[string]interface{}
	decode(t, resp, &importJob)
	jobID := importJob["id"].(string)

	// Poll until the background run finishes.
	deadline := time.Now().Add(10 * time.Second)
	var status string
	for time.Now().Before(deadline) {
		r, err := http.Get(srv.URL + "/api/imports/" + jobID)
		if err != nil {
			t.Fatalf("progress failed: %v", err)
		}
		var body struct {
			Job      map[string]interface{} `json:"job"`
			Progress float64                `json:"progress"`
		}
		decode(t, r, &body)
		status = body.Job["status"].(string)
		if status == "completed" || status == "failed" || status == "cancelled" {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if status != "completed" {
		t.Fatalf("import ended %s", status)
	}

	r, _ := http.Get(srv.URL + "/api/conversations")
	var convs []map[string]interface{}
	decode(t, r, &convs)
	if len(convs) != 1 || convs[0]["name"] != "Bob" {
		t.Fatalf("expected conversation Bob, got %v", convs)
	}

	convID := convs[0]["id"].(string)
	r, _ = http.Get(srv.URL + "/api/conversations/" + convID + "/messages")
	var page struct {
		Messages []map[string]interface{} `json:"messages"`
	}
	decode(t, r, &page)
	if len(page.Messages) != 2 {
		t.Errorf("expected 2 messages, got %d", len(page.Messages))
	}
}

func TestShareTokenEndpoints(t *testing.T) {
	srv := newTestServer(t)

	upload := uploadSimple(t, srv, "WhatsApp Chat with Bob.txt", "12.03.2024, 14:05 - Alice: hello\n")
	resp := postJSON(t, srv.URL+"/api/imports", map[string]string{"upload_job_id": upload["id"].(string)})
	resp.Body.Close()

	deadline := time.Now().Add(10 * time.Second)
	var convID string
	for time.Now().Before(deadline) && convID == "" {
		r, _ := http.Get(srv.URL + "/api/conversations")
		var convs []map[string]interface{}
		decode(t, r, &convs)
		if len(convs) > 0 {
			convID = convs[0]["id"].(string)
		}
		time.Sleep(10 * time.Millisecond)
	}
	if convID == "" {
		t.Fatalf("conversation never appeared")
	}

	resp = postJSON(t, srv.URL+"/api/conversations/"+convID+"/share", map[string]string{})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	var token map[string]string
	decode(t, resp, &token)
	if token["share_token"] == "" {
		t.Errorf("expected a share token")
	}

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/api/conversations/"+convID+"/share", nil)
	r, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("revoke failed: %v", err)
	}
	if r.StatusCode != http.StatusNoContent {
		t.Errorf("expected 204, got %d", r.StatusCode)
	}
}

func TestErrorMapping(t *testing.T) {
	srv := newTestServer(t)

	// Unknown conversation -> 404 with a stable error code.
	r, _ := http.Get(srv.URL + "/api/conversations/does-not-exist")
	if r.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404, got %d", r.StatusCode)
	}
	var body struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	decode(t, r, &body)
	if body.Error.Code != "NOT_FOUND" {
		t.Errorf("expected NOT_FOUND code, got %q", body.Error.Code)
	}

	// Import of a never-assembled upload -> 409.
	resp := postJSON(t, srv.URL+"/api/uploads", map[string]interface{}{
		"filename": "chat.txt", "file_size": 100, "chunk_count": 3,
	})
	var upload map[string]interface{}
	decode(t, resp, &upload)
	resp = postJSON(t, srv.URL+"/api/imports", map[string]string{"upload_job_id": upload["id"].(string)})
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("expected 409, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	// Malformed JSON -> 400.
	resp2, _ := http.Post(srv.URL+"/api/imports", "application/json", strings.NewReader("{"))
	if resp2.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", resp2.StatusCode)
	}
	resp2.Body.Close()
}
