package certificate

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"eventcert/internal/metrics"
)

// Renderer produces one certificate image.
type Renderer interface {
	Render(template []byte, sections []Section, values ResolvedValues) ([]byte, error)
}

// Request is the input of one batch run.
type Request struct {
	Recipients     []Participant
	Event          Event
	Template       []byte
	Sections       []Section
	Mappings       Mappings
	FilenameFormat []string
	// CSV, when set, restricts the batch to participants whose RecipientKey
	// value appears in KeyColumn and supplies their extra data.
	CSV          *CSVData
	KeyColumn    string
	RecipientKey DBField
	// QR, when set, stamps VerifyURL(VerifyBaseURL, id) on each image.
	QR            *QRStamp
	VerifyBaseURL string
}

// GeneratedCertificate is one successfully rendered certificate.
type GeneratedCertificate struct {
	ID        string            `json:"id"`
	Filename  string            `json:"filename"`
	Image     []byte            `json:"-"`
	RowData   map[string]string `json:"rowData,omitempty"`
	Recipient Participant       `json:"recipient"`
}

// DataURL returns the image as a data: URL.
func (g GeneratedCertificate) DataURL() string {
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(g.Image)
}

// Failure records why one recipient has no certificate.
type Failure struct {
	Recipient Participant `json:"recipient"`
	Error     string      `json:"error"`
}

// BatchResult lists successes in recipient order and failures separately.
type BatchResult struct {
	Succeeded []GeneratedCertificate `json:"succeeded"`
	Failed    []Failure              `json:"failed"`
}

// ProgressFunc is called after each recipient with the 1-based position.
type ProgressFunc func(done, total int)

// Generator runs batches against a Renderer.
type Generator struct {
	renderer Renderer
	resolver *Resolver
	logger   *slog.Logger
}

// NewGenerator wires a batch generator.
func NewGenerator(renderer Renderer, resolver *Resolver, logger *slog.Logger) *Generator {
	if resolver == nil {
		resolver = NewResolver("")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Generator{renderer: renderer, resolver: resolver, logger: logger}
}

// Targets returns the recipients a request would render, each paired with
// its CSV row when one matched.
func (g *Generator) Targets(req Request) []Recipient {
	key := req.RecipientKey
	if key == "" {
		key = FieldUSN
	}

	var index map[string]map[string]string
	restrict := req.CSV != nil && req.KeyColumn != ""
	if restrict {
		index = req.CSV.Index(req.KeyColumn)
	}

	targets := make([]Recipient, 0, len(req.Recipients))
	for _, p := range req.Recipients {
		r := Recipient{Participant: p, Event: req.Event}
		if restrict {
			row, ok := index[normalizeKey(g.resolver.filenameComponent(string(key), r))]
			if !ok {
				continue
			}
			r.Row = row
		}
		targets = append(targets, r)
	}
	return targets
}

// extraData keeps the mapped, non-empty cells of a CSV row.
func extraData(row map[string]string, mapping ExtraDataMapping) map[string]string {
	if row == nil {
		return nil
	}
	out := make(map[string]string, len(mapping))
	for _, column := range mapping {
		if v := row[column]; v != "" {
			out[column] = v
		}
	}
	return out
}

// GenerateAll renders one certificate per target recipient, strictly in
// order. A failing recipient is recorded and the batch moves on. When ctx is
// cancelled the certificates produced so far are returned with ctx.Err().
func (g *Generator) GenerateAll(ctx context.Context, req Request, progress ProgressFunc) (BatchResult, error) {
	targets := g.Targets(req)
	log := g.logger.With(
		slog.Uint64("event_id", uint64(req.Event.ID)),
		slog.Int("recipients", len(targets)),
	)
	log.Info("certificate batch started")

	result := BatchResult{
		Succeeded: make([]GeneratedCertificate, 0, len(targets)),
	}
	for i, r := range targets {
		if err := ctx.Err(); err != nil {
			log.Warn("certificate batch cancelled", slog.Int("done", i))
			return result, err
		}

		start := time.Now()
		cert, err := g.generateOne(req, r, i)
		metrics.ObserveCertificateRender(err == nil, time.Since(start))
		if err != nil {
			log.Warn("certificate render failed", slog.String("usn", r.Participant.USN), slog.Any("error", err))
			result.Failed = append(result.Failed, Failure{Recipient: r.Participant, Error: err.Error()})
		} else {
			result.Succeeded = append(result.Succeeded, cert)
		}

		if progress != nil {
			progress(i+1, len(targets))
		}
	}

	log.Info("certificate batch finished",
		slog.Int("succeeded", len(result.Succeeded)),
		slog.Int("failed", len(result.Failed)),
	)
	return result, nil
}

// ErrNoRecipients is returned by Preview when the request selects nobody.
var ErrNoRecipients = errors.New("no recipients selected")

// Preview renders the certificate of the first selected recipient.
func (g *Generator) Preview(req Request) (GeneratedCertificate, error) {
	targets := g.Targets(req)
	if len(targets) == 0 {
		return GeneratedCertificate{}, ErrNoRecipients
	}
	return g.generateOne(req, targets[0], 0)
}

func (g *Generator) generateOne(req Request, r Recipient, index int) (cert GeneratedCertificate, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("render panicked: %v", p)
		}
	}()

	values := g.resolver.ResolveSections(req.Sections, r, req.Mappings)
	img, err := g.renderer.Render(req.Template, req.Sections, values)
	if err != nil {
		return GeneratedCertificate{}, err
	}
	if len(img) == 0 {
		return GeneratedCertificate{}, errors.New("renderer returned an empty image")
	}

	id := uuid.NewString()
	if req.QR != nil {
		if img, err = StampQR(img, *req.QR, VerifyURL(req.VerifyBaseURL, id)); err != nil {
			return GeneratedCertificate{}, err
		}
	}

	return GeneratedCertificate{
		ID:        id,
		Filename:  g.resolver.BuildFilename(req.FilenameFormat, r, index),
		Image:     img,
		RowData:   extraData(r.Row, req.Mappings.ExtraData),
		Recipient: r.Participant,
	}, nil
}
