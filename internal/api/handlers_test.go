package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"eventcert/internal/api/middleware"
	"eventcert/internal/certificate"
	"eventcert/internal/database"
	"eventcert/internal/roster"
	"eventcert/internal/storage"
)

type fakeStorage struct {
	mu       sync.Mutex
	uploaded map[string][]byte
	deleted  []string
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{uploaded: map[string][]byte{}}
}

func (s *fakeStorage) UploadFile(_ context.Context, objectName string, reader io.Reader, _ int64, _ string) error {
	b, _ := io.ReadAll(reader)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.uploaded[objectName] = b
	return nil
}

func (s *fakeStorage) ReadObject(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.uploaded[key]
	if !ok {
		return nil, fmt.Errorf("read object %q: %w", key, storage.ErrObjectNotFound)
	}
	return b, nil
}

func (s *fakeStorage) GeneratePresignedURL(_ context.Context, objectKey string, _ time.Duration, downloadName string) (string, error) {
	url := "https://example.invalid/" + objectKey
	if downloadName != "" {
		url += "?name=" + downloadName
	}
	return url, nil
}

func (s *fakeStorage) DeletePrefix(_ context.Context, prefix string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleted = append(s.deleted, prefix)
	return nil
}

type fakeScanner struct{ err error }

func (s fakeScanner) Scan(r io.Reader) error {
	_, _ = io.Copy(io.Discard, r)
	return s.err
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := database.Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func templatePNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.White)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func newMultipartUpload(t *testing.T, filename string, content []byte) (*bytes.Buffer, string) {
	t.Helper()
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := writer.CreateFormFile("file", filename)
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	if _, err := part.Write(content); err != nil {
		t.Fatalf("write file: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}
	return body, writer.FormDataContentType()
}

// newContext builds a test context for operator 1 with a JSON body.
func newContext(t *testing.T, method, target string, body any) (*gin.Context, *httptest.ResponseRecorder) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, target, reader)
	req.Header.Set("Content-Type", "application/json")

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = req
	c.Set(middleware.UserIDKey, uint(1))
	return c, w
}

func testDesign(t *testing.T, templateKey string) certificate.Design {
	t.Helper()
	d := certificate.Design{TemplateKey: templateKey}
	sec := d.AddSection("headline", 40, 40)
	if _, err := d.SetSectionText(sec.ID, "Awarded to {{name}}"); err != nil {
		t.Fatalf("set text: %v", err)
	}
	d.Mappings.Variables = certificate.VariableMapping{"name": certificate.FieldName}
	return d
}

func seedEvent(t *testing.T, db *gorm.DB) database.Event {
	t.Helper()
	ev := database.Event{
		Name: "Hack Day",
		Teams: []database.Team{{
			Name:   "Byte Club",
			Status: database.TeamConfirmed,
			Members: []database.TeamMember{
				{USN: "1AB21CS001", Name: "Asha Rao", Email: "asha@example.com", IsLeader: true},
			},
		}},
	}
	if err := db.Create(&ev).Error; err != nil {
		t.Fatalf("seed event: %v", err)
	}
	return ev
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("decode response %q: %v", w.Body.String(), err)
	}
}

func TestTemplateUpload_StoresUnderOperatorPrefix(t *testing.T) {
	gin.SetMode(gin.TestMode)
	store := newFakeStorage()
	h := NewTemplateHandler(store, fakeScanner{}, 1<<20)

	body, contentType := newMultipartUpload(t, "Base.PNG", templatePNG(t, 40, 30))
	c, w := newContext(t, http.MethodPost, "/v1/templates", nil)
	c.Request = httptest.NewRequest(http.MethodPost, "/v1/templates", body)
	c.Request.Header.Set("Content-Type", contentType)

	h.Upload(c)

	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201 got %d body=%s", w.Code, w.Body.String())
	}
	var resp struct {
		TemplateKey    string `json:"templateKey"`
		TemplateWidth  int    `json:"templateWidth"`
		TemplateHeight int    `json:"templateHeight"`
	}
	decode(t, w, &resp)
	if !storage.IsTemplateKeyOf(1, resp.TemplateKey) || !strings.HasSuffix(resp.TemplateKey, ".png") {
		t.Fatalf("unexpected template key %q", resp.TemplateKey)
	}
	if resp.TemplateWidth != 40 || resp.TemplateHeight != 30 {
		t.Fatalf("expected 40x30 got %dx%d", resp.TemplateWidth, resp.TemplateHeight)
	}
	if _, ok := store.uploaded[resp.TemplateKey]; !ok {
		t.Fatalf("expected template to be stored")
	}
}

func TestTemplateUpload_Rejections(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cases := []struct {
		name     string
		filename string
		content  []byte
		scanner  virusScanner
		maxBytes int64
		want     int
	}{
		{"unsupported extension", "base.gif", []byte("GIF89a"), nil, 1 << 20, http.StatusBadRequest},
		{"too large", "base.png", bytes.Repeat([]byte{1}, 64), nil, 16, http.StatusRequestEntityTooLarge},
		{"not an image", "base.png", []byte("not a png"), nil, 1 << 20, http.StatusBadRequest},
		{"infected", "base.png", []byte("X5O!P%@AP"), fakeScanner{err: fmt.Errorf("%w: Eicar", errMaliciousFile)}, 1 << 20, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store := newFakeStorage()
			h := NewTemplateHandler(store, tc.scanner, tc.maxBytes)

			body, contentType := newMultipartUpload(t, tc.filename, tc.content)
			c, w := newContext(t, http.MethodPost, "/v1/templates", nil)
			c.Request = httptest.NewRequest(http.MethodPost, "/v1/templates", body)
			c.Request.Header.Set("Content-Type", contentType)

			h.Upload(c)

			if w.Code != tc.want {
				t.Fatalf("expected %d got %d body=%s", tc.want, w.Code, w.Body.String())
			}
			if len(store.uploaded) != 0 {
				t.Fatalf("expected nothing stored got %d objects", len(store.uploaded))
			}
		})
	}
}

func TestTemplateURL_RejectsForeignKey(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := NewTemplateHandler(newFakeStorage(), nil, 0)

	c, w := newContext(t, http.MethodGet, "/v1/templates/url?key=templates/2/a.png", nil)
	h.URL(c)
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403 got %d", w.Code)
	}

	c, w = newContext(t, http.MethodGet, "/v1/templates/url?key=templates/1/a.png", nil)
	h.URL(c)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "templates/1/a.png") {
		t.Fatalf("expected presigned url got %d %s", w.Code, w.Body.String())
	}
}

func TestDesignApply_EditsPostedDesign(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := NewDesignHandler(newFakeStorage(), nil, nil, 0, "")

	c, w := newContext(t, http.MethodPost, "/v1/designs/apply", gin.H{
		"design": certificate.Design{TemplateKey: "templates/1/a.png"},
		"op":     gin.H{"type": opAddSection, "name": "title", "x": 10, "y": 20},
	})
	h.Apply(c)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d body=%s", w.Code, w.Body.String())
	}
	var added struct {
		Design    certificate.Design `json:"design"`
		SectionID string             `json:"sectionId"`
	}
	decode(t, w, &added)
	if len(added.Design.Sections) != 1 || added.SectionID == "" {
		t.Fatalf("expected one new section got %+v", added)
	}

	c, w = newContext(t, http.MethodPost, "/v1/designs/apply", gin.H{
		"design": added.Design,
		"op":     gin.H{"type": opSetText, "sectionId": added.SectionID, "text": "Hello {{name}} of {{team}}"},
	})
	h.Apply(c)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d body=%s", w.Code, w.Body.String())
	}
	var edited struct {
		Variables []string `json:"variables"`
	}
	decode(t, w, &edited)
	if strings.Join(edited.Variables, ",") != "name,team" {
		t.Fatalf("expected variables name,team got %v", edited.Variables)
	}

	flagged := added.Design
	flagged.Sections[0].NeedsReview = true
	c, w = newContext(t, http.MethodPost, "/v1/designs/apply", gin.H{
		"design": flagged,
		"op":     gin.H{"type": opMarkReviewed, "sectionId": added.SectionID},
	})
	h.Apply(c)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d body=%s", w.Code, w.Body.String())
	}
	var reviewed struct {
		Design certificate.Design `json:"design"`
	}
	decode(t, w, &reviewed)
	if reviewed.Design.Sections[0].NeedsReview {
		t.Fatalf("expected mark_reviewed to clear the flag")
	}

	c, w = newContext(t, http.MethodPost, "/v1/designs/apply", gin.H{
		"design": added.Design,
		"op":     gin.H{"type": opRemoveSection, "sectionId": "missing"},
	})
	h.Apply(c)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown section got %d", w.Code)
	}

	c, w = newContext(t, http.MethodPost, "/v1/designs/apply", gin.H{
		"design": added.Design,
		"op":     gin.H{"type": "explode"},
	})
	h.Apply(c)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown op got %d", w.Code)
	}
}

func TestDesignValidate(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := NewDesignHandler(newFakeStorage(), nil, nil, 0, "")

	c, w := newContext(t, http.MethodPost, "/v1/designs/validate", gin.H{"design": certificate.Design{}})
	h.Validate(c)
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 without template got %d", w.Code)
	}

	d := testDesign(t, "templates/1/a.png")
	d.Mappings.Variables = nil
	c, w = newContext(t, http.MethodPost, "/v1/designs/validate", gin.H{"design": d})
	h.Validate(c)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d body=%s", w.Code, w.Body.String())
	}
	var resp struct {
		Warnings []certificate.Warning `json:"warnings"`
	}
	decode(t, w, &resp)
	if len(resp.Warnings) != 1 || resp.Warnings[0].Variables[0] != "name" {
		t.Fatalf("expected unmapped name warning got %+v", resp.Warnings)
	}
}

func TestDesignUploadCSV(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := NewDesignHandler(newFakeStorage(), nil, nil, 1<<20, "")

	body, contentType := newMultipartUpload(t, "extra.csv", []byte("usn,track\n1AB21CS001,AI\n1AB21CS002,Web\n"))
	c, w := newContext(t, http.MethodPost, "/v1/designs/csv", nil)
	c.Request = httptest.NewRequest(http.MethodPost, "/v1/designs/csv", body)
	c.Request.Header.Set("Content-Type", contentType)

	h.UploadCSV(c)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d body=%s", w.Code, w.Body.String())
	}
	var resp struct {
		CSV      certificate.CSVData `json:"csv"`
		RowCount int                 `json:"rowCount"`
	}
	decode(t, w, &resp)
	if resp.RowCount != 2 || !resp.CSV.HasHeader("track") {
		t.Fatalf("unexpected csv response %+v", resp)
	}
}

func TestDesignPreview_RendersScaledPNG(t *testing.T) {
	gin.SetMode(gin.TestMode)
	db := newTestDB(t)
	ev := seedEvent(t, db)

	store := newFakeStorage()
	store.uploaded["templates/1/a.png"] = templatePNG(t, 400, 300)

	fonts, err := certificate.NewFontLibrary("", nil)
	if err != nil {
		t.Fatalf("font library: %v", err)
	}
	gen := certificate.NewGenerator(certificate.NewRasterizer(fonts), nil, discardLogger())
	h := NewDesignHandler(store, roster.NewSource(db), gen, 0, "")

	c, w := newContext(t, http.MethodPost, "/v1/designs/preview?width=100", gin.H{
		"eventId": ev.ID,
		"design":  testDesign(t, "templates/1/a.png"),
	})
	h.Preview(c)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d body=%s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "image/png" {
		t.Fatalf("expected image/png got %q", ct)
	}
	cfg, err := png.DecodeConfig(bytes.NewReader(w.Body.Bytes()))
	if err != nil {
		t.Fatalf("decode preview: %v", err)
	}
	if cfg.Width != 100 || cfg.Height != 75 {
		t.Fatalf("expected 100x75 got %dx%d", cfg.Width, cfg.Height)
	}

	c, w = newContext(t, http.MethodPost, "/v1/designs/preview", gin.H{
		"eventId": ev.ID,
		"design":  testDesign(t, "templates/2/a.png"),
	})
	h.Preview(c)
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for foreign template got %d", w.Code)
	}
}
