package certificate

import "testing"

func TestDeriveStage(t *testing.T) {
	cases := []struct {
		name   string
		counts Counts
		want   Stage
	}{
		{"empty", Counts{}, StageNotStarted},
		{"uploading", Counts{Generated: 3, Uploaded: 1}, StageUploading},
		{"uploaded", Counts{Generated: 3, Uploaded: 3}, StageUploaded},
		{"upload failure settled", Counts{Generated: 3, Uploaded: 2, UploadFailed: 1}, StagePartialFailure},
		{"generation failure", Counts{Generated: 2, GenerateFailed: 1, Uploaded: 2}, StagePartialFailure},
		{"all generation failed", Counts{GenerateFailed: 2}, StagePartialFailure},
		{"mailing", Counts{Generated: 3, Uploaded: 3, MailRequested: true, Mailed: 1}, StageMailing},
		{"completed", Counts{Generated: 3, Uploaded: 3, MailRequested: true, Mailed: 3}, StageCompleted},
		{"mail failure", Counts{Generated: 3, Uploaded: 3, MailRequested: true, Mailed: 2, MailFailed: 1}, StagePartialFailure},
	}
	for _, tc := range cases {
		if got := DeriveStage(tc.counts); got != tc.want {
			t.Fatalf("%s: expected %s got %s", tc.name, tc.want, got)
		}
	}
}

func TestWorkflow_RetryClearsMailFailures(t *testing.T) {
	var w Workflow
	w.Generated(BatchResult{Succeeded: make([]GeneratedCertificate, 2)})
	if w.Stage() != StageUploading {
		t.Fatalf("expected uploading got %s", w.Stage())
	}
	w.Uploaded(true)
	w.Uploaded(true)
	if w.Stage() != StageUploaded {
		t.Fatalf("expected uploaded got %s", w.Stage())
	}

	w.StartMailing()
	w.Mailed(true)
	if w.Stage() != StageMailing {
		t.Fatalf("expected mailing got %s", w.Stage())
	}
	w.Mailed(false)
	if w.Stage() != StagePartialFailure {
		t.Fatalf("expected partial_failure got %s", w.Stage())
	}

	w.StartMailing()
	if w.Stage() != StageMailing {
		t.Fatalf("expected mailing on retry got %s", w.Stage())
	}
	w.Mailed(true)
	if w.Stage() != StageCompleted {
		t.Fatalf("expected completed got %s", w.Stage())
	}
}
