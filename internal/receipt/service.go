package receipt

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/zombor/grocery-tracker/internal/archive"
	"github.com/zombor/grocery-tracker/internal/scanning"
)

// ErrArchiveUnreadable is returned when the receipt has no archived file or
// the archive cannot serve it back
var ErrArchiveUnreadable = errors.New("archived file not available")

// IDGenerator generates run ids
type IDGenerator interface {
	Generate() string
}

// TimeSource provides the current time
type TimeSource interface {
	Now() time.Time
}

type uuidGenerator struct{}

func (g *uuidGenerator) Generate() string {
	return uuid.NewString()
}

type defaultTimeSource struct{}

func (t *defaultTimeSource) Now() time.Time {
	return time.Now()
}

// Dependencies are the collaborators shared by every run. They are built
// once at startup and must be safe for concurrent use.
type Dependencies struct {
	Repository Repository
	Extractor  scanning.Extractor
	// Archive may be nil, which disables archiving
	Archive archive.Store
	// Files resolves chat file references; nil disables SubmitFromExternalReference
	Files      ChatFileSource
	Dispatcher *Dispatcher

	IDGenerator IDGenerator
	TimeSource  TimeSource
}

// Service is the entry point for receipt ingestion and lookups
type Service struct {
	repo        Repository
	extractor   scanning.Extractor
	archive     archive.Store
	files       ChatFileSource
	dispatcher  *Dispatcher
	idGenerator IDGenerator
	timeSource  TimeSource
}

// NewService creates a Service, filling in a uuid run id generator and the
// wall clock when deps leaves them unset
func NewService(deps Dependencies) *Service {
	s := &Service{
		repo:        deps.Repository,
		extractor:   deps.Extractor,
		archive:     deps.Archive,
		files:       deps.Files,
		dispatcher:  deps.Dispatcher,
		idGenerator: deps.IDGenerator,
		timeSource:  deps.TimeSource,
	}
	if s.idGenerator == nil {
		s.idGenerator = &uuidGenerator{}
	}
	if s.timeSource == nil {
		s.timeSource = &defaultTimeSource{}
	}
	return s
}

// SubmitFromExternalReference downloads a chat platform file and ingests it.
// suggestedFilename and callerUserID may be empty.
func (s *Service) SubmitFromExternalReference(ctx context.Context, reference, suggestedFilename, callerUserID string) (*Receipt, error) {
	acquirer := &ReferenceAcquirer{Files: s.files, Reference: reference, SuggestedFilename: suggestedFilename}
	if s.files == nil {
		acquirer.Files = unavailableFiles{}
	}
	return s.process(ctx, acquirer, callerUserID)
}

// SubmitFromBytes ingests an uploaded file
func (s *Service) SubmitFromBytes(ctx context.Context, data []byte, filename, callerIdentifier string) (*Receipt, error) {
	return s.process(ctx, &BytesAcquirer{Data: data, Filename: filename}, callerIdentifier)
}

// SubmitFromExternalReferenceAsync is SubmitFromExternalReference on the dispatcher
func (s *Service) SubmitFromExternalReferenceAsync(ctx context.Context, reference, suggestedFilename, callerUserID string) (*Task, error) {
	return s.submitAsync(ctx, func(ctx context.Context) (*Receipt, error) {
		return s.SubmitFromExternalReference(ctx, reference, suggestedFilename, callerUserID)
	})
}

// SubmitFromBytesAsync is SubmitFromBytes on the dispatcher
func (s *Service) SubmitFromBytesAsync(ctx context.Context, data []byte, filename, callerIdentifier string) (*Task, error) {
	return s.submitAsync(ctx, func(ctx context.Context) (*Receipt, error) {
		return s.SubmitFromBytes(ctx, data, filename, callerIdentifier)
	})
}

func (s *Service) submitAsync(ctx context.Context, work func(ctx context.Context) (*Receipt, error)) (*Task, error) {
	if s.dispatcher == nil {
		return nil, errors.New("asynchronous processing is not configured")
	}
	task, err := s.dispatcher.Submit(ctx, work)
	if err != nil {
		return nil, fmt.Errorf("queueing receipt: %w", err)
	}
	return task, nil
}

// Task returns an asynchronous submission by id
func (s *Service) Task(id string) (*Task, bool) {
	if s.dispatcher == nil {
		return nil, false
	}
	return s.dispatcher.Task(id)
}

// GetReceipt retrieves a receipt by ID
func (s *Service) GetReceipt(ctx context.Context, id int64) (*Receipt, error) {
	receipt, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("getting receipt: %w", err)
	}
	return receipt, nil
}

// ListReceipts returns all receipts
func (s *Service) ListReceipts(ctx context.Context) ([]*Receipt, error) {
	receipts, err := s.repo.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing receipts: %w", err)
	}
	return receipts, nil
}

// DeleteReceipt removes a receipt and its entries. The archived file is kept.
func (s *Service) DeleteReceipt(ctx context.Context, id int64) error {
	if err := s.repo.Delete(ctx, id); err != nil {
		return fmt.Errorf("deleting receipt: %w", err)
	}
	return nil
}

// GetReceiptFile reads the archived original back when the archive supports it
func (s *Service) GetReceiptFile(ctx context.Context, id int64) ([]byte, string, error) {
	receipt, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, "", fmt.Errorf("getting receipt: %w", err)
	}

	reader, ok := s.archive.(archive.Reader)
	if !ok || receipt.ArchiveFileID == nil {
		return nil, "", ErrArchiveUnreadable
	}

	data, err := reader.Open(ctx, *receipt.ArchiveFileID)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrArchiveUnreadable, err)
	}

	return data, archive.MIMEType(receipt.ArchiveFilename), nil
}

type unavailableFiles struct{}

func (unavailableFiles) FetchBytes(ctx context.Context, reference string) ([]byte, error) {
	return nil, errors.New("no chat file source configured")
}
