package scanning

const (
	temperature     = 0.2
	maxOutputTokens = 2048
)

// extractionPrompt is the shared instruction sent to every provider
const extractionPrompt = `You are an expert at reading grocery receipts. Analyze the receipt image and return ONLY a JSON object with exactly this structure:

{
  "store_name": string or null,
  "purchase_date": "YYYY-MM-DD" or null,
  "purchase_time": "HH:MM" or null,
  "total_amount": number or null,
  "items": [
    {
      "original_name": string,
      "generalized_name": string,
      "quantity": number,
      "price_per_unit": number,
      "tags": [string, ...],
      "weight_volume_text": string or null,
      "parsed_weight_grams": number or null,
      "parsed_volume_ml": number or null
    }
  ]
}

Rules:
1. Dates and time: write purchase_date as YYYY-MM-DD and purchase_time as HH:MM in 24-hour format. If the year is missing or ambiguous, infer it as the current year, or last year when that makes the date recent. Use null when a value is unreadable or absent. If no time is printed, purchase_time must be null.
2. Total: total_amount is the final amount paid. Use null if it cannot be found.
3. Items:
   - original_name is the item text exactly as printed.
   - generalized_name is the item translated to English, lowercased and simplified to a common generic term, without brand names unless the brand is the product (for example "OVOS SOLO CLASSE M" becomes "eggs" and "Leite Mimosa Meio-Gordo" becomes "milk").
   - quantity is the number of units priced at price_per_unit. Two items at 5.00 each is quantity 2 and price_per_unit 5.00. 0.5kg sold at 4.00/kg is quantity 0.5 and price_per_unit 4.00. Use 1.0 when not printed.
   - price_per_unit is the unit price as a number.
   - tags combine attributes from original_name that generalized_name does not capture (brand, size, variant, flavor) with broader categories of generalized_name (for "raspberries": "berries", "fruit"). Tags are English and lowercase, avoid repeating generalized_name, and tags is [] when nothing applies.
   - weight_volume_text is the printed weight or volume such as "200g", "1.5L" or "6 x 330ml", otherwise null.
   - parsed_weight_grams converts weights to grams: "200g" is 200.0, "0.5kg" is 500.0, "1kg" is 1000.0. Use null when there is no weight.
   - parsed_volume_ml converts volumes to milliliters: "1.5L" is 1500.0, "75cl" is 750.0, "330ml" is 330.0. Use null when there is no volume.
4. Any top-level field that cannot be determined is null.
5. items is [] when no item can be identified, never null. Every item has every field, using null where allowed.
6. Output only the JSON object. No explanations and no markdown code fences.`

// userInstruction accompanies the image in the user turn
const userInstruction = "Extract the information from this receipt image following the rules and JSON format above."
