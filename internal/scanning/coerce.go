package scanning

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/zombor/grocery-tracker/internal/logger"
)

const missingName = "N/A"

var validate = validator.New()

// Layouts accepted for purchase_date, most likely first. Day-first layouts
// match the receipts this reads.
var dateLayouts = []string{
	"2006-01-02",
	"2006/01/02",
	"02/01/2006",
	"02-01-2006",
	"02.01.2006",
}

var timeLayouts = []string{"15:04:05", "15:04"}

// coerceReceipt converts the decoded model output into ReceiptData. It never
// fails: unusable header fields become nil and malformed items are dropped.
func coerceReceipt(ctx context.Context, raw map[string]any) *ReceiptData {
	log := logger.FromContext(ctx)

	data := &ReceiptData{
		StoreName:   optionalString(raw, "store_name"),
		TotalAmount: optionalFloat(raw, "total_amount"),
		Category:    DefaultCategory,
		Items:       []Item{},
	}

	if category := optionalString(raw, "category"); category != nil {
		data.Category = *category
	}

	if date := optionalString(raw, "purchase_date"); date != nil {
		if normalized, ok := normalizeDate(*date); ok {
			data.PurchaseDate = &normalized
		} else {
			log.Warn().Str("purchase_date", *date).Msg("Could not parse purchase date, storing as null")
		}
	}

	if clock := optionalString(raw, "purchase_time"); clock != nil {
		if normalized, ok := normalizeTime(*clock); ok {
			data.PurchaseTime = &normalized
		} else {
			log.Warn().Str("purchase_time", *clock).Msg("Could not parse purchase time, using 00:00")
		}
	}

	rawItems, present := raw["items"]
	list, isList := rawItems.([]any)
	if present && !isList {
		log.Warn().Str("type", fmt.Sprintf("%T", rawItems)).Msg("Items is not a list, defaulting to empty")
	}

	for i, entry := range list {
		item, err := coerceItem(log, entry)
		if err != nil {
			log.Warn().Int("index", i).Err(err).Msg("Skipping malformed item")
			data.SkippedItems++
			continue
		}
		data.Items = append(data.Items, item)
	}

	return data
}

func coerceItem(log zerolog.Logger, entry any) (Item, error) {
	obj, ok := entry.(map[string]any)
	if !ok {
		return Item{}, fmt.Errorf("item is %T, not an object", entry)
	}

	price := optionalFloat(obj, "price_per_unit")
	if price == nil {
		return Item{}, errors.New("price_per_unit is missing or not a number")
	}

	quantity := 1.0
	if q := optionalFloat(obj, "quantity"); q != nil {
		quantity = *q
	}

	item := Item{
		OriginalName:      stringOr(obj, "original_name", missingName),
		GeneralizedName:   strings.ToLower(stringOr(obj, "generalized_name", missingName)),
		Quantity:          quantity,
		PricePerUnit:      *price,
		Tags:              coerceTags(log, obj),
		WeightVolumeText:  optionalString(obj, "weight_volume_text"),
		ParsedWeightGrams: optionalFloat(obj, "parsed_weight_grams"),
		ParsedVolumeML:    optionalFloat(obj, "parsed_volume_ml"),
	}
	if item.GeneralizedName == strings.ToLower(missingName) {
		item.GeneralizedName = missingName
	}

	if err := validate.Struct(item); err != nil {
		return Item{}, fmt.Errorf("validating item %q: %w", item.OriginalName, err)
	}
	return item, nil
}

// coerceTags always returns a non-nil slice of distinct lowercase tags
func coerceTags(log zerolog.Logger, obj map[string]any) []string {
	tags := []string{}

	value, present := obj["tags"]
	if !present || value == nil {
		return tags
	}

	list, ok := value.([]any)
	if !ok {
		log.Warn().Interface("tags", value).Msg("Item tags were not a list, defaulting to empty")
		return tags
	}

	seen := make(map[string]bool, len(list))
	for _, v := range list {
		s, ok := v.(string)
		if !ok {
			continue
		}
		s = strings.ToLower(strings.TrimSpace(s))
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		tags = append(tags, s)
	}
	return tags
}

func optionalString(obj map[string]any, key string) *string {
	s, ok := obj[key].(string)
	if !ok {
		return nil
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}

func stringOr(obj map[string]any, key, fallback string) string {
	if s := optionalString(obj, key); s != nil {
		return *s
	}
	return fallback
}

// optionalFloat accepts JSON numbers and numeric strings such as "1,99" or "2.50€"
func optionalFloat(obj map[string]any, key string) *float64 {
	var f float64
	switch v := obj[key].(type) {
	case float64:
		f = v
	case string:
		s := strings.TrimSpace(strings.Trim(v, " €$"))
		s = strings.ReplaceAll(s, ",", ".")
		parsed, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil
		}
		f = parsed
	default:
		return nil
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	return &f
}

func normalizeDate(s string) (string, bool) {
	for _, layout := range dateLayouts {
		if d, err := time.Parse(layout, s); err == nil {
			return d.Format("2006-01-02"), true
		}
	}
	return "", false
}

// normalizeTime drops fractional seconds and returns HH:MM
func normalizeTime(s string) (string, bool) {
	s, _, _ = strings.Cut(s, ".")
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Format("15:04"), true
		}
	}
	return "", false
}
