package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/hibiken/asynq"
	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"eventcert/internal/certificate"
	"eventcert/internal/config"
	"eventcert/internal/database"
	"eventcert/internal/errcode"
	"eventcert/internal/mailer"
	"eventcert/internal/roster"
	"eventcert/internal/storage"
	"eventcert/internal/tasks"
)

const templateKey = "templates/1/base.png"

type fakeStore struct {
	mu       sync.Mutex
	objects  map[string][]byte
	failNext bool
	deleted  []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{objects: map[string][]byte{}}
}

func (s *fakeStore) ReadObject(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.objects[key]
	if !ok {
		return nil, fmt.Errorf("read object %q: %w", key, storage.ErrObjectNotFound)
	}
	return b, nil
}

func (s *fakeStore) PutBytes(_ context.Context, key string, data []byte, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failNext {
		s.failNext = false
		return errors.New("minio unavailable")
	}
	s.objects[key] = data
	return nil
}

func (s *fakeStore) DeletePrefix(_ context.Context, prefix string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleted = append(s.deleted, prefix)
	for k := range s.objects {
		if strings.HasPrefix(k, prefix) {
			delete(s.objects, k)
		}
	}
	return nil
}

func (s *fakeStore) count(prefix string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k := range s.objects {
		if strings.HasPrefix(k, prefix) {
			n++
		}
	}
	return n
}

type fakeNotifier struct {
	mu       sync.Mutex
	messages []BatchNotifyMessage
}

func (n *fakeNotifier) Notify(_ context.Context, _ uint, msg BatchNotifyMessage) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.messages = append(n.messages, msg)
	return nil
}

func (n *fakeNotifier) last() BatchNotifyMessage {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.messages) == 0 {
		return BatchNotifyMessage{}
	}
	return n.messages[len(n.messages)-1]
}

type fakeSender struct {
	fail map[string]bool
	sent []mailer.Message
}

func (s *fakeSender) Send(_ context.Context, msg mailer.Message) error {
	if s.fail[msg.To] {
		return errors.New("mailbox unavailable")
	}
	s.sent = append(s.sent, msg)
	return nil
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

func templatePNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 400, 300))
	for y := 0; y < 300; y++ {
		for x := 0; x < 400; x++ {
			img.Set(x, y, color.White)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode template: %v", err)
	}
	return buf.Bytes()
}

func seedBatch(t *testing.T, db *gorm.DB) database.CertificateBatch {
	t.Helper()
	ev := database.Event{
		Name: "Hack Day",
		Teams: []database.Team{{
			Name:      "Byte Club",
			Status:    database.TeamConfirmed,
			PrizeType: certificate.PrizeWinner,
			Members: []database.TeamMember{
				{USN: "1AB21CS001", Name: "Asha Rao", Email: "asha@example.com", IsLeader: true},
				{USN: "1AB21CS002", Name: "Ravi K", Email: "ravi@example.com"},
				{USN: "1AB21CS003", Name: "No Mail"},
			},
		}},
	}
	if err := db.Create(&ev).Error; err != nil {
		t.Fatalf("seed event: %v", err)
	}

	design := certificate.Design{TemplateKey: templateKey}
	sec := design.AddSection("headline", 200, 150)
	if _, err := design.SetSectionText(sec.ID, "Congratulations {{name}}"); err != nil {
		t.Fatalf("set text: %v", err)
	}
	design.Mappings.Variables = certificate.VariableMapping{"name": certificate.FieldName}
	raw, err := json.Marshal(design)
	if err != nil {
		t.Fatalf("marshal design: %v", err)
	}

	batch := database.CertificateBatch{
		EventID:    ev.ID,
		OperatorID: 1,
		Design:     datatypes.JSON(raw),
		Stage:      string(certificate.StageNotStarted),
	}
	if err := db.Create(&batch).Error; err != nil {
		t.Fatalf("seed batch: %v", err)
	}
	return batch
}

func newGenerateHandler(t *testing.T, db *gorm.DB, store ObjectStore, notifier Notifier) *GenerateHandler {
	t.Helper()
	fonts, err := certificate.NewFontLibrary("", nil)
	if err != nil {
		t.Fatalf("font library: %v", err)
	}
	gen := certificate.NewGenerator(certificate.NewRasterizer(fonts), nil, discardLogger())
	return NewGenerateHandler(db, roster.NewSource(db), store, gen, notifier, discardLogger(), "https://certs.example/verify")
}

func generateTask(t *testing.T, batchID uint) *asynq.Task {
	t.Helper()
	task, err := tasks.NewCertificateGenerateTask(batchID, "cid-1")
	if err != nil {
		t.Fatalf("new task: %v", err)
	}
	return task
}

func reloadBatch(t *testing.T, db *gorm.DB, id uint) database.CertificateBatch {
	t.Helper()
	var batch database.CertificateBatch
	if err := db.First(&batch, id).Error; err != nil {
		t.Fatalf("reload batch: %v", err)
	}
	return batch
}

func TestGenerateHandler_UploadsEveryCertificate(t *testing.T) {
	db := newTestDB(t)
	store := newFakeStore()
	store.objects[templateKey] = templatePNG(t)
	notifier := &fakeNotifier{}
	batch := seedBatch(t, db)

	if err := newGenerateHandler(t, db, store, notifier).ProcessTask(context.Background(), generateTask(t, batch.ID)); err != nil {
		t.Fatalf("process: %v", err)
	}

	got := reloadBatch(t, db, batch.ID)
	if got.Generated != 3 || got.Uploaded != 3 || got.Stage != string(certificate.StageUploaded) {
		t.Fatalf("unexpected batch %+v", got)
	}
	if n := store.count(storage.BatchPrefix(batch.ID)); n != 3 {
		t.Fatalf("expected 3 uploaded objects got %d", n)
	}

	var records []database.CertificateRecord
	db.Where("batch_id = ?", batch.ID).Order("id asc").Find(&records)
	if len(records) != 3 || records[0].Name != "Asha Rao" || records[0].UploadStatus != database.StatusUploaded {
		t.Fatalf("unexpected records %+v", records)
	}
	if records[0].ObjectKey != storage.CertificateKey(batch.ID, records[0].CertificateID) {
		t.Fatalf("unexpected object key %q", records[0].ObjectKey)
	}

	last := notifier.last()
	if last.Status != StatusCompleted || last.ErrorCode != errcode.OK || last.Succeeded != 3 {
		t.Fatalf("unexpected completion notification %+v", last)
	}
	if notifier.messages[0].Type != NotifyProgress || notifier.messages[0].Total != 3 {
		t.Fatalf("expected progress notification first got %+v", notifier.messages[0])
	}
}

func TestGenerateHandler_UploadFailureIsPartial(t *testing.T) {
	db := newTestDB(t)
	store := newFakeStore()
	store.objects[templateKey] = templatePNG(t)
	store.failNext = true
	notifier := &fakeNotifier{}
	batch := seedBatch(t, db)

	if err := newGenerateHandler(t, db, store, notifier).ProcessTask(context.Background(), generateTask(t, batch.ID)); err != nil {
		t.Fatalf("process: %v", err)
	}

	got := reloadBatch(t, db, batch.ID)
	if got.Uploaded != 2 || got.UploadFailed != 1 || got.Stage != string(certificate.StagePartialFailure) {
		t.Fatalf("unexpected batch %+v", got)
	}
	if last := notifier.last(); last.ErrorCode != errcode.PartialFailure || last.Failed != 1 {
		t.Fatalf("unexpected notification %+v", last)
	}
}

func TestGenerateHandler_MissingTemplateSkipsRetry(t *testing.T) {
	db := newTestDB(t)
	notifier := &fakeNotifier{}
	batch := seedBatch(t, db)

	err := newGenerateHandler(t, db, newFakeStore(), notifier).ProcessTask(context.Background(), generateTask(t, batch.ID))
	if !errors.Is(err, asynq.SkipRetry) || !errors.Is(err, storage.ErrObjectNotFound) {
		t.Fatalf("expected non-retryable missing object error got %v", err)
	}
	if last := notifier.last(); last.Status != StatusError || last.ErrorCode != errcode.ResourceMissing {
		t.Fatalf("unexpected notification %+v", last)
	}
	if got := reloadBatch(t, db, batch.ID); got.ErrorMessage == "" {
		t.Fatalf("expected error message to be stored")
	}
}

func TestGenerateHandler_RerunReplacesRecords(t *testing.T) {
	db := newTestDB(t)
	store := newFakeStore()
	store.objects[templateKey] = templatePNG(t)
	batch := seedBatch(t, db)
	h := newGenerateHandler(t, db, store, &fakeNotifier{})

	for i := 0; i < 2; i++ {
		if err := h.ProcessTask(context.Background(), generateTask(t, batch.ID)); err != nil {
			t.Fatalf("process run %d: %v", i, err)
		}
	}

	var count int64
	db.Model(&database.CertificateRecord{}).Where("batch_id = ?", batch.ID).Count(&count)
	if count != 3 {
		t.Fatalf("expected 3 records after rerun got %d", count)
	}
	if n := store.count(storage.BatchPrefix(batch.ID)); n != 3 {
		t.Fatalf("expected 3 objects after rerun got %d", n)
	}
}

func TestMailHandler_RetriesOnlyFailures(t *testing.T) {
	db := newTestDB(t)
	store := newFakeStore()
	store.objects[templateKey] = templatePNG(t)
	notifier := &fakeNotifier{}
	batch := seedBatch(t, db)

	if err := newGenerateHandler(t, db, store, notifier).ProcessTask(context.Background(), generateTask(t, batch.ID)); err != nil {
		t.Fatalf("generate: %v", err)
	}

	sender := &fakeSender{fail: map[string]bool{"ravi@example.com": true}}
	mailCfg := config.MailConfig{Subject: "Your certificate for {{eventName}}", Body: "Dear {{name}}, {{prizePosition}}"}
	h := NewMailHandler(db, roster.NewSource(db), store, sender, certificate.NewResolver(""), notifier, discardLogger(), mailCfg)

	task, err := tasks.NewCertificateMailTask(batch.ID, "cid-2")
	if err != nil {
		t.Fatalf("new task: %v", err)
	}
	if err := h.ProcessTask(context.Background(), task); err != nil {
		t.Fatalf("mail: %v", err)
	}

	got := reloadBatch(t, db, batch.ID)
	if got.Mailed != 1 || got.MailFailed != 2 || got.Stage != string(certificate.StagePartialFailure) {
		t.Fatalf("unexpected batch after first run %+v", got)
	}
	if len(sender.sent) != 1 {
		t.Fatalf("expected one sent mail got %d", len(sender.sent))
	}
	first := sender.sent[0]
	if first.Subject != "Your certificate for Hack Day" || first.Body != "Dear Asha Rao, 1st" || len(first.Attachment) == 0 {
		t.Fatalf("unexpected message %+v", first)
	}

	var noMail database.CertificateRecord
	db.Where("usn = ?", "1AB21CS003").First(&noMail)
	if noMail.MailStatus != database.StatusFailed || noMail.MailError == "" {
		t.Fatalf("expected record without email to fail got %+v", noMail)
	}

	sender.fail = nil
	if err := h.ProcessTask(context.Background(), task); err != nil {
		t.Fatalf("mail rerun: %v", err)
	}
	got = reloadBatch(t, db, batch.ID)
	if got.Mailed != 2 || got.MailFailed != 1 {
		t.Fatalf("unexpected batch after rerun %+v", got)
	}
	if len(sender.sent) != 2 || sender.sent[1].To != "ravi@example.com" {
		t.Fatalf("expected only the failed address to be retried got %+v", sender.sent)
	}
}

func TestMailHandler_NoSenderSkipsRetry(t *testing.T) {
	db := newTestDB(t)
	batch := seedBatch(t, db)
	notifier := &fakeNotifier{}
	h := NewMailHandler(db, roster.NewSource(db), newFakeStore(), nil, certificate.NewResolver(""), notifier, discardLogger(), config.MailConfig{})

	task, _ := tasks.NewCertificateMailTask(batch.ID, "cid")
	if err := h.ProcessTask(context.Background(), task); !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("expected SkipRetry got %v", err)
	}
	if last := notifier.last(); last.Status != StatusError || last.Step != stepMail {
		t.Fatalf("unexpected notification %+v", last)
	}
}

func TestHandlers_ReleaseBatchClaim(t *testing.T) {
	db := newTestDB(t)
	store := newFakeStore()
	store.objects[templateKey] = templatePNG(t)
	batch := seedBatch(t, db)
	h := newGenerateHandler(t, db, store, &fakeNotifier{})

	claim := func() {
		t.Helper()
		if err := database.ClaimBatch(context.Background(), db, batch.ID); err != nil {
			t.Fatalf("claim: %v", err)
		}
	}

	claim()
	if err := database.ClaimBatch(context.Background(), db, batch.ID); !errors.Is(err, database.ErrBatchBusy) {
		t.Fatalf("expected ErrBatchBusy for a second claim got %v", err)
	}
	if err := h.ProcessTask(context.Background(), generateTask(t, batch.ID)); err != nil {
		t.Fatalf("process: %v", err)
	}
	if got := reloadBatch(t, db, batch.ID); got.Running {
		t.Fatalf("expected claim released after success")
	}

	claim()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := h.ProcessTask(ctx, generateTask(t, batch.ID)); err == nil || errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("expected retryable error got %v", err)
	}
	if got := reloadBatch(t, db, batch.ID); !got.Running {
		t.Fatalf("expected claim kept while the task will be retried")
	}

	delete(store.objects, templateKey)
	err := h.ProcessTask(context.Background(), generateTask(t, batch.ID))
	if !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("expected SkipRetry got %v", err)
	}
	if got := reloadBatch(t, db, batch.ID); got.Running {
		t.Fatalf("expected claim released after a non-retryable failure")
	}

	claim()
	mail := NewMailHandler(db, roster.NewSource(db), store, nil, certificate.NewResolver(""), &fakeNotifier{}, discardLogger(), config.MailConfig{})
	task, _ := tasks.NewCertificateMailTask(batch.ID, "cid")
	if err := mail.ProcessTask(context.Background(), task); !errors.Is(err, asynq.SkipRetry) {
		t.Fatalf("expected SkipRetry got %v", err)
	}
	if got := reloadBatch(t, db, batch.ID); got.Running {
		t.Fatalf("expected mail task to release the claim")
	}
}
