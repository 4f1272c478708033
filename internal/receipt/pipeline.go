package receipt

import (
	"context"
	"errors"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/zombor/grocery-tracker/internal/archive"
	"github.com/zombor/grocery-tracker/internal/filename"
	"github.com/zombor/grocery-tracker/internal/logger"
	"github.com/zombor/grocery-tracker/internal/scanning"
)

// State is a step of an ingestion run
type State int

const (
	Acquiring State = iota
	Extracting
	Composing
	Archiving
	Persisting
	Done
	Failed
)

func (s State) String() string {
	switch s {
	case Acquiring:
		return "acquiring"
	case Extracting:
		return "extracting"
	case Composing:
		return "composing"
	case Archiving:
		return "archiving"
	case Persisting:
		return "persisting"
	case Done:
		return "done"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// run is a single ingestion. Steps execute strictly in order.
type run struct {
	id     string
	caller string
	state  State
	log    zerolog.Logger
}

func (r *run) enter(state State) {
	r.state = state
	r.log.Debug().Stringer("state", state).Msg("Pipeline state changed")
}

func (r *run) fail(err error) error {
	failedIn := r.state
	r.state = Failed
	r.log.Error().Err(err).Stringer("state", failedIn).Msg("Receipt processing failed")
	return &PipelineError{RunID: r.id, State: failedIn, Err: err}
}

// process drives one receipt through acquisition, extraction, naming,
// archiving and persistence. Nothing is written unless every step up to
// persistence succeeded; an archive failure only clears the archive fields.
func (s *Service) process(ctx context.Context, acquirer Acquirer, caller string) (*Receipt, error) {
	r := &run{id: s.idGenerator.Generate(), caller: caller}
	r.log = logger.FromContext(ctx).With().
		Str("run_id", r.id).
		Str("source", acquirer.Source()).
		Str("caller", caller).
		Logger()
	ctx = logger.WithContext(ctx, r.log)

	r.enter(Acquiring)
	file, err := acquirer.Acquire(ctx)
	if err != nil {
		return nil, r.fail(err)
	}
	r.log.Info().Str("filename", file.Filename).Int("size", len(file.Data)).Msg("Receipt file acquired")

	r.enter(Extracting)
	data, err := s.extractor.Extract(ctx, file.Data, file.Filename)
	if err != nil {
		return nil, r.fail(err)
	}
	if data.SkippedItems > 0 {
		r.log.Warn().Int("skipped", data.SkippedItems).Msg("Some items were malformed and skipped")
	}

	r.enter(Composing)
	archiveName := s.composeFilename(r.log, data, file.Filename)

	r.enter(Archiving)
	obj := s.archiveFile(ctx, r.log, file.Data, archiveName, archive.MIMEType(file.Filename))

	r.enter(Persisting)
	if err := ctx.Err(); err != nil {
		return nil, r.fail(&PersistenceError{Err: err})
	}
	header, entries := s.buildAggregate(data, obj, archiveName, caller)
	saved, err := s.repo.Save(ctx, header, entries)
	if err != nil {
		return nil, r.fail(&PersistenceError{Err: err})
	}

	r.enter(Done)
	r.log.Info().
		Int64("receipt_id", saved.ID).
		Int("entries", len(saved.Entries)).
		Str("archive_filename", saved.ArchiveFilename).
		Msg("Receipt stored")

	return saved, nil
}

// composeFilename never fails. A missing purchase date falls back to the
// current time.
func (s *Service) composeFilename(log zerolog.Logger, data *scanning.ReceiptData, effectiveName string) string {
	meta := filename.Metadata{
		Timestamp: purchaseTimestamp(log, data),
		Category:  data.Category,
		Extension: filepath.Ext(effectiveName),
	}
	if data.StoreName != nil {
		meta.StoreName = *data.StoreName
	}

	name, fallback := filename.Compose(meta, s.timeSource.Now())
	if fallback {
		log.Warn().Str("archive_filename", name).Msg("No purchase date, using current time in filename")
	}
	return name
}

// archiveFile returns nil when archiving is disabled or failed
func (s *Service) archiveFile(ctx context.Context, log zerolog.Logger, data []byte, name, mimeType string) *archive.Object {
	if s.archive == nil {
		log.Debug().Msg("Archiving disabled")
		return nil
	}

	obj, err := s.archive.Upload(ctx, data, name, mimeType)
	if err == nil && (obj == nil || obj.ID == "") {
		err = &archive.UploadError{Filename: name, Err: errors.New("archive returned no object")}
	}
	if err != nil {
		log.Warn().Err(err).Str("archive_filename", name).Msg("Archive upload failed, continuing without archive link")
		return nil
	}

	log.Info().Str("archive_id", obj.ID).Msg("Receipt file archived")
	return obj
}

func (s *Service) buildAggregate(data *scanning.ReceiptData, obj *archive.Object, archiveName, caller string) (*Receipt, []ProductEntry) {
	now := s.timeSource.Now()

	header := &Receipt{
		StoreName:       data.StoreName,
		TotalAmount:     data.TotalAmount,
		ArchiveFilename: archiveName,
		SubmittedBy:     caller,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if data.PurchaseDate != nil {
		if d, err := ParseDate(*data.PurchaseDate); err == nil {
			header.PurchaseDate = &d
		}
	}
	if obj != nil {
		id := obj.ID
		header.ArchiveFileID = &id
		if obj.URL != "" {
			url := obj.URL
			header.ArchiveFileURL = &url
		}
	}

	entries := make([]ProductEntry, 0, len(data.Items))
	for _, item := range data.Items {
		entries = append(entries, ProductEntry{
			OriginalName:      item.OriginalName,
			GeneralizedName:   item.GeneralizedName,
			Tags:              normalizeTags(append([]string(nil), item.Tags...)),
			PricePerUnit:      item.PricePerUnit,
			Quantity:          item.Quantity,
			WeightVolumeText:  item.WeightVolumeText,
			ParsedWeightGrams: item.ParsedWeightGrams,
			ParsedVolumeML:    item.ParsedVolumeML,
			CreatedAt:         now,
			UpdatedAt:         now,
		})
	}

	return header, entries
}

// purchaseTimestamp combines purchase date and time. The zero time means no
// usable date; a missing time defaults to midnight.
func purchaseTimestamp(log zerolog.Logger, data *scanning.ReceiptData) time.Time {
	if data.PurchaseDate == nil {
		return time.Time{}
	}

	date, err := time.ParseInLocation(DateLayout, *data.PurchaseDate, time.Local)
	if err != nil {
		log.Warn().Str("purchase_date", *data.PurchaseDate).Msg("Unparseable purchase date")
		return time.Time{}
	}

	if data.PurchaseTime == nil {
		return date
	}
	for _, layout := range []string{"15:04", "15:04:05"} {
		if clock, err := time.Parse(layout, *data.PurchaseTime); err == nil {
			return time.Date(date.Year(), date.Month(), date.Day(), clock.Hour(), clock.Minute(), 0, 0, time.Local)
		}
	}
	log.Warn().Str("purchase_time", *data.PurchaseTime).Msg("Unparseable purchase time, using 00:00")
	return date
}
