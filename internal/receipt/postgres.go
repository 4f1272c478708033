package receipt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const uniqueViolation = "23505"

var schema = []string{
	`CREATE TABLE IF NOT EXISTS receipts (
		id BIGSERIAL PRIMARY KEY,
		store_name TEXT,
		purchase_date DATE,
		total_amount NUMERIC(12, 2),
		gdrive_file_id TEXT UNIQUE,
		gdrive_file_url TEXT,
		archive_filename TEXT NOT NULL,
		submitted_by TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS product_entries (
		id BIGSERIAL PRIMARY KEY,
		receipt_id BIGINT NOT NULL REFERENCES receipts (id) ON DELETE CASCADE,
		original_name TEXT NOT NULL,
		generalized_name TEXT NOT NULL,
		tags JSONB NOT NULL DEFAULT '[]',
		price_per_unit NUMERIC(12, 3) NOT NULL,
		quantity NUMERIC(12, 3) NOT NULL DEFAULT 1.0,
		weight_volume_text TEXT,
		parsed_weight_grams NUMERIC(12, 3),
		parsed_volume_ml NUMERIC(12, 3),
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS product_entries_receipt_id_idx ON product_entries (receipt_id)`,
}

var (
	receiptColumns = []string{
		"id", "store_name", "purchase_date", "total_amount", "gdrive_file_id", "gdrive_file_url",
		"archive_filename", "submitted_by", "created_at", "updated_at",
	}
	entryColumns = []string{
		"id", "receipt_id", "original_name", "generalized_name", "tags", "price_per_unit", "quantity",
		"weight_volume_text", "parsed_weight_grams", "parsed_volume_ml", "created_at", "updated_at",
	}
)

// pgxPool is the subset of *pgxpool.Pool used by PostgresDB
type pgxPool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// PostgresDB implements Repository on a pgx connection pool
type PostgresDB struct {
	pool pgxPool
}

// NewPostgresDB connects to dsn and verifies the connection
func NewPostgresDB(ctx context.Context, dsn string) (*PostgresDB, error) {
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	return &PostgresDB{pool: pool}, nil
}

// EnsureSchema creates the tables if they do not exist
func (p *PostgresDB) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := p.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("creating schema: %w", err)
		}
	}
	return nil
}

// Save inserts the receipt, then its entries, in one transaction. The
// deferred rollback is a no-op once the commit succeeded.
func (p *PostgresDB) Save(ctx context.Context, header *Receipt, entries []ProductEntry) (*Receipt, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	saved := *header
	saved.Entries = make([]ProductEntry, 0, len(entries))

	query, args, err := squirrel.Insert("receipts").
		Columns(receiptColumns[1:]...).
		Values(
			saved.StoreName, dateValue(saved.PurchaseDate), saved.TotalAmount, saved.ArchiveFileID,
			saved.ArchiveFileURL, saved.ArchiveFilename, saved.SubmittedBy, saved.CreatedAt, saved.UpdatedAt,
		).
		Suffix("RETURNING id").
		PlaceholderFormat(squirrel.Dollar).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building receipt insert: %w", err)
	}

	if err := tx.QueryRow(ctx, query, args...).Scan(&saved.ID); err != nil {
		return nil, translateError(fmt.Errorf("inserting receipt: %w", err))
	}

	for _, entry := range entries {
		entry.ReceiptID = saved.ID
		entry.Tags = normalizeTags(entry.Tags)

		tags, err := json.Marshal(entry.Tags)
		if err != nil {
			return nil, fmt.Errorf("marshaling tags: %w", err)
		}

		query, args, err := squirrel.Insert("product_entries").
			Columns(entryColumns[1:]...).
			Values(
				entry.ReceiptID, entry.OriginalName, entry.GeneralizedName, string(tags), entry.PricePerUnit,
				entry.Quantity, entry.WeightVolumeText, entry.ParsedWeightGrams, entry.ParsedVolumeML,
				entry.CreatedAt, entry.UpdatedAt,
			).
			Suffix("RETURNING id").
			PlaceholderFormat(squirrel.Dollar).
			ToSql()
		if err != nil {
			return nil, fmt.Errorf("building entry insert: %w", err)
		}

		if err := tx.QueryRow(ctx, query, args...).Scan(&entry.ID); err != nil {
			return nil, fmt.Errorf("inserting entry: %w", err)
		}
		saved.Entries = append(saved.Entries, entry)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, translateError(fmt.Errorf("committing receipt: %w", err))
	}

	return &saved, nil
}

// Get retrieves a receipt by ID
func (p *PostgresDB) Get(ctx context.Context, id int64) (*Receipt, error) {
	query, args, err := squirrel.Select(receiptColumns...).
		From("receipts").
		Where(squirrel.Eq{"id": id}).
		PlaceholderFormat(squirrel.Dollar).
		ToSql()
	if err != nil {
		return nil, err
	}

	receipt, err := scanReceipt(p.pool.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("getting receipt: %w", err)
	}

	entries, err := p.entries(ctx, squirrel.Eq{"receipt_id": id})
	if err != nil {
		return nil, err
	}
	receipt.Entries = entries[id]
	if receipt.Entries == nil {
		receipt.Entries = []ProductEntry{}
	}
	return receipt, nil
}

// List returns all receipts
func (p *PostgresDB) List(ctx context.Context) ([]*Receipt, error) {
	query, args, err := squirrel.Select(receiptColumns...).
		From("receipts").
		OrderBy("id").
		PlaceholderFormat(squirrel.Dollar).
		ToSql()
	if err != nil {
		return nil, err
	}

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing receipts: %w", err)
	}
	defer rows.Close()

	receipts := make([]*Receipt, 0)
	for rows.Next() {
		receipt, err := scanReceipt(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning receipt: %w", err)
		}
		receipts = append(receipts, receipt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing receipts: %w", err)
	}

	entries, err := p.entries(ctx, nil)
	if err != nil {
		return nil, err
	}
	for _, receipt := range receipts {
		receipt.Entries = entries[receipt.ID]
		if receipt.Entries == nil {
			receipt.Entries = []ProductEntry{}
		}
	}
	return receipts, nil
}

// Delete removes a receipt. Entries go with it through ON DELETE CASCADE.
func (p *PostgresDB) Delete(ctx context.Context, id int64) error {
	query, args, err := squirrel.Delete("receipts").
		Where(squirrel.Eq{"id": id}).
		PlaceholderFormat(squirrel.Dollar).
		ToSql()
	if err != nil {
		return err
	}

	tag, err := p.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("deleting receipt: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	return nil
}

func (p *PostgresDB) Close() error {
	p.pool.Close()
	return nil
}

// entries loads product entries grouped by receipt id. A nil filter loads all.
func (p *PostgresDB) entries(ctx context.Context, filter squirrel.Sqlizer) (map[int64][]ProductEntry, error) {
	builder := squirrel.Select(entryColumns...).
		From("product_entries").
		OrderBy("receipt_id", "id").
		PlaceholderFormat(squirrel.Dollar)
	if filter != nil {
		builder = builder.Where(filter)
	}

	query, args, err := builder.ToSql()
	if err != nil {
		return nil, err
	}

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing entries: %w", err)
	}
	defer rows.Close()

	grouped := make(map[int64][]ProductEntry)
	for rows.Next() {
		var (
			entry ProductEntry
			tags  []byte
		)
		err := rows.Scan(
			&entry.ID, &entry.ReceiptID, &entry.OriginalName, &entry.GeneralizedName, &tags, &entry.PricePerUnit,
			&entry.Quantity, &entry.WeightVolumeText, &entry.ParsedWeightGrams, &entry.ParsedVolumeML,
			&entry.CreatedAt, &entry.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning entry: %w", err)
		}
		if err := json.Unmarshal(tags, &entry.Tags); err != nil {
			return nil, fmt.Errorf("decoding tags: %w", err)
		}
		entry.Tags = normalizeTags(entry.Tags)
		grouped[entry.ReceiptID] = append(grouped[entry.ReceiptID], entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing entries: %w", err)
	}
	return grouped, nil
}

func scanReceipt(row pgx.Row) (*Receipt, error) {
	var (
		receipt      Receipt
		purchaseDate *time.Time
	)
	err := row.Scan(
		&receipt.ID, &receipt.StoreName, &purchaseDate, &receipt.TotalAmount, &receipt.ArchiveFileID,
		&receipt.ArchiveFileURL, &receipt.ArchiveFilename, &receipt.SubmittedBy, &receipt.CreatedAt, &receipt.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if purchaseDate != nil {
		d := NewDate(*purchaseDate)
		receipt.PurchaseDate = &d
	}
	return &receipt, nil
}

func dateValue(d *Date) *time.Time {
	if d == nil {
		return nil
	}
	return &d.Time
}

// translateError maps a unique violation on the archive id to ErrDuplicateArchiveID
func translateError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%w: %s", ErrDuplicateArchiveID, pgErr.Detail)
	}
	return err
}
