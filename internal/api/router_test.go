package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/contract-insights/backend/internal/contracts"
	"github.com/contract-insights/backend/internal/embedding"
	"github.com/contract-insights/backend/internal/middleware/auth"
	"github.com/contract-insights/backend/internal/storage/sqlite"
	"github.com/contract-insights/backend/internal/vector/memory"
	"github.com/contract-insights/backend/pkg/retry"
)

const contractText = "SERVICES AGREEMENT\n\n" +
	"This Services Agreement is entered into between Acme Corp and Globex Inc, effective March 1, 2025.\n\n" +
	"1. Termination\nEither party may terminate this agreement with 90 days written notice to the other party.\n\n" +
	"2. Payment\nClient shall pay all invoices within 30 days of receipt."

func newTestApp(t *testing.T) *fiber.App {
	t.Helper()
	repo, err := sqlite.NewClient(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })
	require.NoError(t, repo.InitSchema(context.Background()))

	svc := contracts.New(contracts.Deps{
		Repo:     repo,
		Index:    memory.New(embedding.DefaultLexiconDimension),
		Embedder: embedding.NewLexiconEmbedder(embedding.DefaultLexiconDimension),
	}, contracts.Config{
		ChunkTokens: 40,
		Retry:       retry.Config{MaxAttempts: 1, InitialDelay: time.Millisecond},
	})
	t.Cleanup(svc.Close)

	return NewApp(svc, Options{Auth: auth.Config{Mode: auth.ModeHeader}})
}

func do(t *testing.T, app *fiber.App, req *http.Request, user string) (int, map[string]any) {
	t.Helper()
	if user != "" {
		req.Header.Set("X-User-ID", user)
	}
	resp, err := app.Test(req, 10_000)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	body := map[string]any{}
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &body), string(raw))
	}
	return resp.StatusCode, body
}

func upload(t *testing.T, filename, contentType string, data []byte) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	h := textproto.MIMEHeader{}
	h.Set("Content-Disposition", `form-data; name="file"; filename="`+filename+`"`)
	h.Set("Content-Type", contentType)
	part, err := w.CreatePart(h)
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	req := httptest.NewRequest("POST", "/api/v1/documents", &buf)
	req.Header.Set("Content-Type", w.FormDataContentType())
	return req
}

func jsonRequest(method, target, body string) *http.Request {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func TestHealthEndpointsNeedNoAuth(t *testing.T) {
	app := newTestApp(t)

	status, body := do(t, app, httptest.NewRequest("GET", "/health", nil), "")
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, "healthy", body["status"])

	status, body = do(t, app, httptest.NewRequest("GET", "/api/v1/ready", nil), "")
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, "ready", body["status"])

	status, body = do(t, app, httptest.NewRequest("GET", "/api/v1/documents", nil), "")
	assert.Equal(t, fiber.StatusUnauthorized, status)
	assert.Equal(t, "unauthorized", body["kind"])
}

func TestDocumentLifecycle(t *testing.T) {
	app := newTestApp(t)

	status, doc := do(t, app, upload(t, "acme_services.txt", "text/plain", []byte(contractText)), "alice")
	require.Equal(t, fiber.StatusCreated, status, doc)
	id, _ := doc["id"].(string)
	require.NotEmpty(t, id)
	assert.Equal(t, "ready", doc["ingestion_state"])
	assert.Equal(t, "acme services", doc["contract_name"])

	status, list := do(t, app, httptest.NewRequest("GET", "/api/v1/documents", nil), "alice")
	assert.Equal(t, fiber.StatusOK, status)
	assert.Len(t, list["documents"], 1)

	status, st := do(t, app, httptest.NewRequest("GET", "/api/v1/documents/"+id+"/status", nil), "alice")
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, "ready", st["state"])
	assert.Equal(t, 1.0, st["progress"])

	status, found := do(t, app, httptest.NewRequest("GET", "/api/v1/documents/"+id+"/insights", nil), "alice")
	assert.Equal(t, fiber.StatusOK, status)
	assert.NotEmpty(t, found["insights"])

	status, res := do(t, app, jsonRequest("POST", "/api/v1/query", `{"question":"What is the notice period for terminating the agreement?"}`), "alice")
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, "completed", res["state"])
	assert.Contains(t, res["answer"], "90 days written notice")
	assert.NotEmpty(t, res["citations"])

	status, _ = do(t, app, httptest.NewRequest("GET", "/api/v1/documents/"+id, nil), "bob")
	assert.Equal(t, fiber.StatusNotFound, status)

	status, res = do(t, app, jsonRequest("POST", "/api/v1/query", `{"question":"What is the notice period for terminating the agreement?"}`), "bob")
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, "no_evidence", res["state"])
	assert.Empty(t, res["citations"])

	status, _ = do(t, app, httptest.NewRequest("DELETE", "/api/v1/documents/"+id, nil), "alice")
	assert.Equal(t, fiber.StatusNoContent, status)
	status, _ = do(t, app, httptest.NewRequest("GET", "/api/v1/documents/"+id, nil), "alice")
	assert.Equal(t, fiber.StatusNotFound, status)

	status, history := do(t, app, httptest.NewRequest("GET", "/api/v1/query/history", nil), "alice")
	assert.Equal(t, fiber.StatusOK, status)
	assert.Len(t, history["history"], 1)
}

func TestRejectedUploads(t *testing.T) {
	app := newTestApp(t)
	png := []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")

	status, body := do(t, app, upload(t, "scan.png", "image/png", png), "alice")
	assert.Equal(t, fiber.StatusBadRequest, status)
	assert.Equal(t, "validation", body["kind"])
	assert.Contains(t, body["error"], "not supported")
	assert.Nil(t, body["document_id"])

	status, list := do(t, app, httptest.NewRequest("GET", "/api/v1/documents", nil), "alice")
	assert.Equal(t, fiber.StatusOK, status)
	assert.Empty(t, list["documents"])
}

func TestBlankQuestionIsRejected(t *testing.T) {
	app := newTestApp(t)

	status, body := do(t, app, jsonRequest("POST", "/api/v1/query", `{"question":"  "}`), "alice")
	assert.Equal(t, fiber.StatusBadRequest, status)
	assert.Equal(t, "validation", body["kind"])
}

func TestStatsEndpoint(t *testing.T) {
	app := newTestApp(t)
	status, _ := do(t, app, upload(t, "acme.txt", "text/plain", []byte(contractText)), "alice")
	require.Equal(t, fiber.StatusCreated, status)

	status, st := do(t, app, httptest.NewRequest("GET", "/api/v1/stats", nil), "alice")
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, 1.0, st["total_contracts"])
}
