package domain

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// DateLayout is the wire and storage format of business dates.
const DateLayout = "2006-01-02"

// StockMap holds on-hand quantity per branch. It is stored as a JSON object.
type StockMap map[string]int

func (m StockMap) Value() (driver.Value, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

func (m *StockMap) Scan(src any) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*m = StockMap{}
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("stock map: unsupported type %T", src)
	}
	out := StockMap{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return err
	}
	*m = out
	return nil
}

func (m StockMap) Clone() StockMap {
	out := make(StockMap, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Payments is the payment record list of an order, stored as a JSON array.
type Payments []Payment

func (p Payments) Value() (driver.Value, error) {
	if p == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(p)
}

func (p *Payments) Scan(src any) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*p = Payments{}
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("payments: unsupported type %T", src)
	}
	out := Payments{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return err
	}
	*p = out
	return nil
}

func ParseCostingMethod(raw string) (CostingMethod, error) {
	switch CostingMethod(strings.ToUpper(strings.TrimSpace(raw))) {
	case "", CostingFIFO:
		return CostingFIFO, nil
	case CostingLIFO:
		return CostingLIFO, nil
	default:
		return "", fmt.Errorf("unsupported costing method %q", raw)
	}
}

func ParseDate(raw string) (time.Time, error) {
	return time.Parse(DateLayout, strings.TrimSpace(raw))
}

func FormatDate(t time.Time) string {
	return t.UTC().Format(DateLayout)
}

// NextDate returns the calendar day after date. Invalid input is returned unchanged.
func NextDate(date string) string {
	t, err := ParseDate(date)
	if err != nil {
		return date
	}
	return FormatDate(t.AddDate(0, 0, 1))
}

// HasRole matches the actor's role case-insensitively.
func (a Actor) HasRole(roles ...string) bool {
	role := strings.ToLower(strings.TrimSpace(a.Role))
	for _, allowed := range roles {
		if role == strings.ToLower(allowed) {
			return true
		}
	}
	return false
}
