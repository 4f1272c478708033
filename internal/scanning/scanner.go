package scanning

import "context"

// DefaultCategory is used when the model does not classify the receipt
const DefaultCategory = "grocery"

// ReceiptData is the typed, fully defaulted result of an extraction.
// Pointer fields are nil when the model could not determine them.
type ReceiptData struct {
	StoreName    *string  `json:"store_name"`
	PurchaseDate *string  `json:"purchase_date"` // YYYY-MM-DD
	PurchaseTime *string  `json:"purchase_time"` // HH:MM or HH:MM:SS
	TotalAmount  *float64 `json:"total_amount"`
	Category     string   `json:"category"`
	Items        []Item   `json:"items"`
	// SkippedItems counts entries of the raw items array that were dropped as malformed
	SkippedItems int `json:"-"`
}

// Item is a single line on the receipt
type Item struct {
	OriginalName      string   `json:"original_name" validate:"required"`
	GeneralizedName   string   `json:"generalized_name" validate:"required"`
	Quantity          float64  `json:"quantity" validate:"gt=0"`
	PricePerUnit      float64  `json:"price_per_unit"`
	Tags              []string `json:"tags" validate:"required,dive,required"`
	WeightVolumeText  *string  `json:"weight_volume_text"`
	ParsedWeightGrams *float64 `json:"parsed_weight_grams" validate:"omitempty,gte=0"`
	ParsedVolumeML    *float64 `json:"parsed_volume_ml" validate:"omitempty,gte=0"`
}

// Extractor reads a receipt image or PDF and returns its structured contents.
// Failures are reported as *ExtractionError.
type Extractor interface {
	// Extract analyzes the file. filenameHint is used for format detection and logging only.
	Extract(ctx context.Context, imageData []byte, filenameHint string) (*ReceiptData, error)
	// Close releases the underlying client
	Close() error
}
