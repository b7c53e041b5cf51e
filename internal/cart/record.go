package cart

import (
	"bytes"
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// maxQuantity caps decoded quantities so sums stay well inside int range.
const maxQuantity = 1_000_000

// Quantity is a non-negative whole item count. Decoding never fails: numbers
// are floored, numeric strings are parsed, and anything else (null, booleans,
// NaN, negatives, garbage) becomes zero.
type Quantity int

func (q *Quantity) UnmarshalJSON(data []byte) error {
	*q = 0
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}

	var number float64
	if err := json.Unmarshal(trimmed, &number); err == nil {
		*q = quantityFromFloat(number)
		return nil
	}

	var text string
	if err := json.Unmarshal(trimmed, &text); err == nil {
		if parsed, err := strconv.ParseFloat(strings.TrimSpace(text), 64); err == nil {
			*q = quantityFromFloat(parsed)
		}
	}
	return nil
}

// Int returns the quantity clamped to zero.
func (q Quantity) Int() int {
	if q < 0 {
		return 0
	}
	return int(q)
}

func quantityFromFloat(v float64) Quantity {
	if math.IsNaN(v) || math.IsInf(v, 0) || v <= 0 {
		return 0
	}
	floored := math.Floor(v)
	if floored > maxQuantity {
		return maxQuantity
	}
	return Quantity(floored)
}

// Line is one entry of a cart record.
type Line struct {
	ID    string           `json:"id"`
	Title string           `json:"title,omitempty"`
	Price *decimal.Decimal `json:"price,omitempty"`
	Image string           `json:"image,omitempty"`
	Qty   Quantity         `json:"qty"`
}

// Product is the descriptive payload used when a line is first created.
type Product struct {
	ID    string           `json:"id" validate:"required,max=128"`
	Title string           `json:"title" validate:"max=512"`
	Price *decimal.Decimal `json:"price"`
	Image string           `json:"image" validate:"max=2048"`
}

// Record maps item id to line. Lines with a zero quantity are never kept.
type Record map[string]Line

// UnmarshalJSON accepts both the object form ({"a":{"id":"a","qty":2}}) and
// the older bare-count form ({"a":2}). Lines that cannot be decoded are dropped.
func (r *Record) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make(Record, len(raw))
	for key, value := range raw {
		trimmed := bytes.TrimSpace(value)
		var line Line
		if len(trimmed) > 0 && trimmed[0] == '{' {
			type plain Line
			var decoded plain
			if err := json.Unmarshal(trimmed, &decoded); err != nil {
				continue
			}
			line = Line(decoded)
		} else {
			var qty Quantity
			_ = qty.UnmarshalJSON(trimmed)
			line = Line{Qty: qty}
		}
		out[key] = line
	}
	*r = out.Normalize()
	return nil
}

// Value stores the record as JSON for the items column.
func (r Record) Value() (driver.Value, error) {
	if r == nil {
		return "{}", nil
	}
	payload, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	return string(payload), nil
}

// Scan reads the JSON items column.
func (r *Record) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*r = Record{}
		return nil
	case []byte:
		return r.UnmarshalJSON(v)
	case string:
		return r.UnmarshalJSON([]byte(v))
	default:
		return fmt.Errorf("cart: cannot scan %T into Record", src)
	}
}

// Normalize returns a copy with blank keys and empty lines removed and every
// line id matching its key.
func (r Record) Normalize() Record {
	out := make(Record, len(r))
	for key, line := range r {
		key = strings.TrimSpace(key)
		if key == "" || line.Qty <= 0 {
			continue
		}
		line.ID = key
		out[key] = line
	}
	return out
}

// Clone returns a shallow copy of the record.
func (r Record) Clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// IDs returns the record keys in sorted order.
func (r Record) IDs() []string {
	ids := make([]string, 0, len(r))
	for id := range r {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// TotalCount sums the quantities of every line.
func TotalCount(r Record) int {
	total := 0
	for _, line := range r {
		total += line.Qty.Int()
	}
	return total
}

// Subtotal sums price*qty over lines that carry a price.
func Subtotal(r Record) decimal.Decimal {
	total := decimal.Zero
	for _, line := range r {
		if line.Price == nil || line.Qty <= 0 {
			continue
		}
		total = total.Add(line.Price.Mul(decimal.NewFromInt(int64(line.Qty))))
	}
	return total
}

// Merge reconciles a server cart with a local one. The server copy is the
// base, quantities of shared keys are summed, and server descriptive fields
// win over local ones. A summed quantity is capped at maxQuantity, so totals
// add up exactly only below the cap. Merge has no side effects.
func Merge(server, local Record) Record {
	merged := make(Record, len(server)+len(local))
	for key, line := range server {
		merged[key] = line
	}
	for key, localLine := range local {
		serverLine, ok := merged[key]
		if !ok {
			merged[key] = localLine
			continue
		}
		sum := serverLine.Qty.Int() + localLine.Qty.Int()
		if sum > maxQuantity {
			sum = maxQuantity
		}
		serverLine.Qty = Quantity(max(0, sum))
		if serverLine.Title == "" {
			serverLine.Title = localLine.Title
		}
		if serverLine.Price == nil {
			serverLine.Price = localLine.Price
		}
		if serverLine.Image == "" {
			serverLine.Image = localLine.Image
		}
		merged[key] = serverLine
	}
	return merged.Normalize()
}
