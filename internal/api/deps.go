package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/dutchcoders/go-clamd"
	"github.com/hibiken/asynq"
)

// objectStore is the part of *storage.Client the handlers use.
type objectStore interface {
	UploadFile(ctx context.Context, objectName string, reader io.Reader, size int64, contentType string) error
	ReadObject(ctx context.Context, key string) ([]byte, error)
	GeneratePresignedURL(ctx context.Context, objectKey string, duration time.Duration, downloadName string) (string, error)
	DeletePrefix(ctx context.Context, prefix string) error
}

// taskEnqueuer is satisfied by *asynq.Client.
type taskEnqueuer interface {
	Enqueue(task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

var errMaliciousFile = errors.New("malicious file detected")

// virusScanner inspects an upload before it is stored.
type virusScanner interface {
	Scan(r io.Reader) error
}

// clamdScanner streams uploads to a clamd daemon.
type clamdScanner struct {
	addr string
}

// newVirusScanner returns nil when addr is empty, which disables scanning.
func newVirusScanner(addr string) virusScanner {
	if addr == "" {
		return nil
	}
	return clamdScanner{addr: addr}
}

func (s clamdScanner) Scan(r io.Reader) error {
	abort := make(chan bool)
	defer close(abort)

	results, err := clamd.NewClamd(s.addr).ScanStream(r, abort)
	if err != nil {
		return fmt.Errorf("clamd scan: %w", err)
	}
	var found error
	for result := range results {
		switch result.Status {
		case clamd.RES_OK:
		case clamd.RES_FOUND:
			found = fmt.Errorf("%w: %s", errMaliciousFile, result.Description)
		default:
			if found == nil {
				found = fmt.Errorf("clamd scan: %s %s", result.Status, result.Description)
			}
		}
	}
	return found
}
