package receipt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/zombor/receipt-auditor/internal/extraction"
	"github.com/zombor/receipt-auditor/internal/policy"
	"github.com/zombor/receipt-auditor/internal/scanning"
)

// Request-level failures. The extraction and policy engines never fail; these
// describe problems getting text to them.
var (
	ErrUnreadableReceipt  = errors.New("unreadable receipt")
	ErrScanFailed         = errors.New("receipt scan failed")
	ErrScannerUnavailable = errors.New("receipt scanner unavailable")
	ErrNoScanner          = errors.New("no receipt scanner configured")
)

const (
	sourceText  = "text"
	sourceImage = "image"
)

// IDGenerator generates unique IDs for analyses
type IDGenerator interface {
	Generate() string
}

// TimeSource provides the current time
type TimeSource interface {
	Now() time.Time
}

// PolicyStore provides and replaces the active expense policy
type PolicyStore interface {
	Current() (policy.Policy, error)
	Save(p policy.Policy) error
}

// Recorder receives analysis outcomes, typically for metrics
type Recorder interface {
	RecordAnalysis(source, outcome string)
	RecordViolation(rule string)
	RecordItems(n int)
}

type uuidGenerator struct{}

func (g *uuidGenerator) Generate() string {
	return uuid.NewString()
}

type defaultTimeSource struct{}

func (t *defaultTimeSource) Now() time.Time {
	return time.Now()
}

type noopRecorder struct{}

func (noopRecorder) RecordAnalysis(string, string) {}
func (noopRecorder) RecordViolation(string)        {}
func (noopRecorder) RecordItems(int)               {}

// Service extracts receipt data and checks it against the active policy
type Service struct {
	scanner     scanning.Scanner
	policies    PolicyStore
	idGenerator IDGenerator
	timeSource  TimeSource
	recorder    Recorder
}

// NewService creates a new Service with default ID generator and time source.
// scanner may be nil, in which case only text analysis is available.
func NewService(scanner scanning.Scanner, policies PolicyStore) *Service {
	return NewServiceWithDeps(scanner, policies, &uuidGenerator{}, &defaultTimeSource{})
}

// NewServiceWithDeps creates a new Service with custom dependencies for testing
func NewServiceWithDeps(scanner scanning.Scanner, policies PolicyStore, idGen IDGenerator, timeSrc TimeSource) *Service {
	return &Service{
		scanner:     scanner,
		policies:    policies,
		idGenerator: idGen,
		timeSource:  timeSrc,
		recorder:    noopRecorder{},
	}
}

// SetRecorder installs r to receive analysis outcomes
func (s *Service) SetRecorder(r Recorder) {
	if r == nil {
		r = noopRecorder{}
	}
	s.recorder = r
}

// AnalyzeText extracts data from OCR text and evaluates it against the
// current policy. It only fails when the policy cannot be loaded.
func (s *Service) AnalyzeText(text, category string) (*Analysis, error) {
	return s.analyze(sourceText, text, category)
}

// AnalyzeImage runs OCR on an uploaded receipt and analyzes the resulting text
func (s *Service) AnalyzeImage(ctx context.Context, data []byte, contentType, category string) (*Analysis, error) {
	if s.scanner == nil {
		s.recorder.RecordAnalysis(sourceImage, "no_scanner")
		return nil, ErrNoScanner
	}
	if len(data) == 0 {
		s.recorder.RecordAnalysis(sourceImage, "unreadable")
		return nil, fmt.Errorf("%w: empty upload", ErrUnreadableReceipt)
	}

	text, err := s.scanner.ScanText(ctx, data, contentType)
	if err != nil {
		slog.Error("Failed to scan receipt",
			"content_type", contentType,
			"file_size", len(data),
			"error", err,
		)
		switch {
		case errors.Is(err, scanning.ErrUnreadableImage):
			s.recorder.RecordAnalysis(sourceImage, "unreadable")
			return nil, fmt.Errorf("%w: %w", ErrUnreadableReceipt, err)
		case errors.Is(err, scanning.ErrScannerUnavailable):
			s.recorder.RecordAnalysis(sourceImage, "unavailable")
			return nil, fmt.Errorf("%w: %w", ErrScannerUnavailable, err)
		default:
			s.recorder.RecordAnalysis(sourceImage, "scan_failed")
			return nil, fmt.Errorf("%w: %w", ErrScanFailed, err)
		}
	}

	return s.analyze(sourceImage, text, category)
}

func (s *Service) analyze(source, text, category string) (*Analysis, error) {
	p, err := s.policies.Current()
	if err != nil {
		s.recorder.RecordAnalysis(source, "policy_error")
		return nil, fmt.Errorf("loading policy: %w", err)
	}

	now := s.timeSource.Now()
	rec := extraction.Extract(text)
	violations := policy.Evaluate(rec, category, p, now)

	for _, v := range violations {
		s.recorder.RecordViolation(string(v.Rule))
	}
	s.recorder.RecordItems(len(rec.Items))
	s.recorder.RecordAnalysis(source, "ok")

	analysis := &Analysis{
		ID:         s.idGenerator.Generate(),
		Category:   category,
		Receipt:    newReceipt(rec),
		Violations: policy.Messages(violations),
		AnalyzedAt: now,
	}

	slog.Debug("Analyzed receipt",
		"id", analysis.ID,
		"source", source,
		"category", category,
		"violations", len(violations),
		"items", len(rec.Items),
	)

	return analysis, nil
}

// Policy returns the active expense policy
func (s *Service) Policy() (policy.Policy, error) {
	p, err := s.policies.Current()
	if err != nil {
		return policy.Policy{}, fmt.Errorf("loading policy: %w", err)
	}
	return p, nil
}

// UpdatePolicy validates and stores p as the active policy
func (s *Service) UpdatePolicy(p policy.Policy) error {
	if p.MaxAmounts == nil {
		p.MaxAmounts = map[string]float64{}
	}
	if err := p.Validate(); err != nil {
		return err
	}
	if err := s.policies.Save(p); err != nil {
		return fmt.Errorf("saving policy: %w", err)
	}
	slog.Info("Expense policy updated",
		"categories", len(p.MaxAmounts),
		"required_fields", len(p.RequiredFields),
		"max_days_old", p.MaxDaysOld,
	)
	return nil
}
