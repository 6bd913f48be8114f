package database

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Operator is an account allowed to sign in and run certificate batches.
type Operator struct {
	gorm.Model
	Username           string `gorm:"uniqueIndex;size:64"`
	PasswordHash       string `gorm:"size:255"`
	MustChangePassword bool   `gorm:"default:false"`
	// Permissions is a comma separated list such as
	// "certificates:generate,certificates:mail".
	Permissions string `gorm:"size:255"`
}

// Event is a competition or workshop participants register for.
type Event struct {
	gorm.Model
	Name      string `gorm:"size:255"`
	Venue     string `gorm:"size:255"`
	EventType string `gorm:"size:64"`
	Category  string `gorm:"size:64"`
	FromDate  *time.Time
	ToDate    *time.Time
	Teams     []Team `gorm:"constraint:OnDelete:CASCADE"`
}

// Team status values.
const (
	TeamPending   = "PENDING"
	TeamConfirmed = "CONFIRMED"
	TeamRejected  = "REJECTED"
)

// Team groups the members registered together; individual entries are
// single-member teams with an empty name.
type Team struct {
	gorm.Model
	EventID   uint         `gorm:"index"`
	Name      string       `gorm:"size:255"`
	Status    string       `gorm:"size:32;index"`
	PrizeType string       `gorm:"size:32"`
	Members   []TeamMember `gorm:"constraint:OnDelete:CASCADE"`
}

// TeamMember is one registered person.
type TeamMember struct {
	gorm.Model
	TeamID   uint   `gorm:"index"`
	USN      string `gorm:"size:32;index"`
	Name     string `gorm:"size:255"`
	Email    string `gorm:"size:255"`
	IsLeader bool   `gorm:"default:false"`
}

// CertificateBatch is one generation run for an event. Design holds the
// JSON encoded certificate design; counts mirror the workflow.
type CertificateBatch struct {
	gorm.Model
	EventID        uint           `gorm:"index"`
	OperatorID     uint           `gorm:"index"`
	Design         datatypes.JSON `gorm:"type:jsonb"`
	Stage          string         `gorm:"size:32"`
	// Running is held from enqueue until the worker finishes the task, so
	// a batch has at most one generate or mail task in flight.
	Running        bool           `gorm:"not null;default:false"`
	Generated      int
	GenerateFailed int
	Uploaded       int
	UploadFailed   int
	MailRequested  bool
	Mailed         int
	MailFailed     int
	// Failures holds the per-recipient generation failures as JSON.
	Failures     datatypes.JSON      `gorm:"type:jsonb"`
	ErrorMessage string              `gorm:"size:1024"`
	Records      []CertificateRecord `gorm:"foreignKey:BatchID;constraint:OnDelete:CASCADE"`
}

// Upload and mail status values of a record.
const (
	StatusPending  = "pending"
	StatusUploaded = "uploaded"
	StatusSent     = "sent"
	StatusFailed   = "failed"
)

// CertificateRecord is one generated certificate.
type CertificateRecord struct {
	gorm.Model
	BatchID       uint           `gorm:"index"`
	CertificateID string         `gorm:"uniqueIndex;size:36"`
	USN           string         `gorm:"size:32"`
	Name          string         `gorm:"size:255"`
	Email         string         `gorm:"size:255"`
	Filename      string         `gorm:"size:255"`
	ObjectKey     string         `gorm:"size:512"`
	RowData       datatypes.JSON `gorm:"type:jsonb"`
	UploadStatus  string         `gorm:"size:16"`
	UploadError   string         `gorm:"size:1024"`
	MailStatus    string         `gorm:"size:16"`
	MailError     string         `gorm:"size:1024"`
	MailedAt      *time.Time
}

// AllModels lists every model for AutoMigrate.
func AllModels() []any {
	return []any{
		&Operator{},
		&Event{},
		&Team{},
		&TeamMember{},
		&CertificateBatch{},
		&CertificateRecord{},
	}
}
