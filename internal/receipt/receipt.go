package receipt

import (
	"encoding/json"
	"fmt"
	"time"
)

// DateLayout is the wire and storage form of a purchase date
const DateLayout = "2006-01-02"

// Date is a calendar date without time of day
type Date struct {
	time.Time
}

// NewDate truncates t to its calendar day
func NewDate(t time.Time) Date {
	y, m, d := t.Date()
	return Date{time.Date(y, m, d, 0, 0, 0, 0, time.UTC)}
}

// ParseDate parses a YYYY-MM-DD string
func ParseDate(s string) (Date, error) {
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return Date{}, fmt.Errorf("parsing date %q: %w", s, err)
	}
	return Date{t}, nil
}

func (d Date) String() string {
	return d.Format(DateLayout)
}

func (d Date) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Date) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseDate(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// Receipt is the aggregate root: a purchase receipt and the product entries it owns
type Receipt struct {
	ID           int64    `json:"id"`
	StoreName    *string  `json:"store_name"`
	PurchaseDate *Date    `json:"purchase_date"`
	TotalAmount  *float64 `json:"total_amount"`
	// ArchiveFileID and ArchiveFileURL are both nil when archiving failed or is disabled
	ArchiveFileID   *string        `json:"archive_file_id"`
	ArchiveFileURL  *string        `json:"archive_file_url"`
	ArchiveFilename string         `json:"archive_filename"`
	SubmittedBy     string         `json:"submitted_by,omitempty"`
	Entries         []ProductEntry `json:"product_entries"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// ProductEntry is a single purchased product, owned by one Receipt
type ProductEntry struct {
	ID                int64     `json:"id"`
	ReceiptID         int64     `json:"receipt_id"`
	OriginalName      string    `json:"original_name"`
	GeneralizedName   string    `json:"generalized_name"`
	Tags              []string  `json:"tags"`
	PricePerUnit      float64   `json:"price_per_unit"`
	Quantity          float64   `json:"quantity"`
	WeightVolumeText  *string   `json:"weight_volume_text"`
	ParsedWeightGrams *float64  `json:"parsed_weight_grams"`
	ParsedVolumeML    *float64  `json:"parsed_volume_ml"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// normalizeTags guarantees a non-nil tag list
func normalizeTags(tags []string) []string {
	if tags == nil {
		return []string{}
	}
	return tags
}
