package certificate

// Stage is where a batch sits in the generate, upload, mail pipeline.
type Stage string

const (
	StageNotStarted     Stage = "not_started"
	StageUploading      Stage = "uploading"
	StageUploaded       Stage = "uploaded"
	StageMailing        Stage = "mailing"
	StageCompleted      Stage = "completed"
	StagePartialFailure Stage = "partial_failure"
)

// Counts tallies a batch's records per pipeline step.
type Counts struct {
	Generated      int  `json:"generated"`
	GenerateFailed int  `json:"generateFailed"`
	Uploaded       int  `json:"uploaded"`
	UploadFailed   int  `json:"uploadFailed"`
	MailRequested  bool `json:"mailRequested"`
	Mailed         int  `json:"mailed"`
	MailFailed     int  `json:"mailFailed"`
}

// Failures is the total of failed items across all steps.
func (c Counts) Failures() int {
	return c.GenerateFailed + c.UploadFailed + c.MailFailed
}

// DeriveStage computes the stage from counts alone.
//
// Nothing generated yet is not_started. While some generated certificate has
// no upload outcome the batch is uploading. After mail is requested it is
// mailing until every uploaded certificate has a mail outcome. A settled
// batch with any failure is partial_failure.
func DeriveStage(c Counts) Stage {
	if c.Generated == 0 && c.GenerateFailed == 0 {
		return StageNotStarted
	}
	if c.Uploaded+c.UploadFailed < c.Generated {
		return StageUploading
	}
	if !c.MailRequested {
		if c.Failures() > 0 {
			return StagePartialFailure
		}
		return StageUploaded
	}
	if c.Mailed+c.MailFailed < c.Uploaded {
		return StageMailing
	}
	if c.Failures() > 0 {
		return StagePartialFailure
	}
	return StageCompleted
}

// Workflow follows one batch through the pipeline.
type Workflow struct {
	Counts Counts
}

// Generated records the outcome of the generation step.
func (w *Workflow) Generated(res BatchResult) {
	w.Counts.Generated += len(res.Succeeded)
	w.Counts.GenerateFailed += len(res.Failed)
}

// Uploaded records one upload attempt.
func (w *Workflow) Uploaded(ok bool) {
	if ok {
		w.Counts.Uploaded++
	} else {
		w.Counts.UploadFailed++
	}
}

// StartMailing marks the mail step as requested. A re-run only retries the
// failed items, so their failures are cleared first.
func (w *Workflow) StartMailing() {
	w.Counts.MailRequested = true
	w.Counts.MailFailed = 0
}

// Mailed records one mail attempt.
func (w *Workflow) Mailed(ok bool) {
	if ok {
		w.Counts.Mailed++
	} else {
		w.Counts.MailFailed++
	}
}

// Stage is DeriveStage of the current counts.
func (w *Workflow) Stage() Stage {
	return DeriveStage(w.Counts)
}
