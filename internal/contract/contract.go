// Package contract resolves instrument ids to their margin schedule: fee
// spec, contract multiplier, and premium rate, keyed by contract prefix.
package contract

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/shopspring/decimal"
)

// ErrUnknownInstrument signals an instrument whose prefix has no row in the
// margin table. At match time this is fatal: it indicates a bad data feed,
// not a rejectable order.
var ErrUnknownInstrument = errors.New("contract: instrument not in margin table")

// Entry is one margin-table row.
type Entry struct {
	// Fee is the commission spec: a percentage of notional when suffixed
	// with '%' ("0.03%"), otherwise a flat amount per lot ("1.2").
	Fee        string
	Multiplier decimal.Decimal
	Premium    decimal.Decimal
}

// Table maps contract prefixes to margin schedule entries.
type Table struct {
	entries map[string]Entry
}

// NewTable builds a table from already-parsed entries.
func NewTable(entries map[string]Entry) *Table {
	return &Table{entries: entries}
}

// rawEntry matches the on-disk JSON, which stores every value as a string:
//
//	{"rb": {"oc": "0.03%", "multiplier": "10", "premium": "0.09"}}
type rawEntry struct {
	OC         string `json:"oc"`
	Multiplier string `json:"multiplier"`
	Premium    string `json:"premium"`
}

// ParseTable decodes the JSON margin table.
func ParseTable(data []byte) (*Table, error) {
	var raw map[string]rawEntry
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("contract: parse margin table: %w", err)
	}

	entries := make(map[string]Entry, len(raw))
	for prefix, r := range raw {
		mult, err := decimal.NewFromString(r.Multiplier)
		if err != nil {
			return nil, fmt.Errorf("contract: bad multiplier for %s: %w", prefix, err)
		}
		prem, err := decimal.NewFromString(r.Premium)
		if err != nil {
			return nil, fmt.Errorf("contract: bad premium for %s: %w", prefix, err)
		}
		entries[prefix] = Entry{Fee: r.OC, Multiplier: mult, Premium: prem}
	}
	return &Table{entries: entries}, nil
}

// LoadTable reads and parses a JSON margin table file.
func LoadTable(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("contract: read margin table: %w", err)
	}
	return ParseTable(data)
}

// Lookup resolves the entry for a full instrument id via its prefix.
func (t *Table) Lookup(instrument string) (Entry, error) {
	entry, ok := t.entries[Prefix(instrument)]
	if !ok {
		return Entry{}, fmt.Errorf("%w: %s (prefix %q)", ErrUnknownInstrument, instrument, Prefix(instrument))
	}
	return entry, nil
}

// Prefix strips the expiry suffix from an instrument id: the last 3
// characters, or the last 4 when the 4th-from-last is itself a digit
// ("rb1610" → "rb", "ag612" → "ag"). The two-width rule selects the margin
// table row and must not be "fixed"; it is known to be fragile for ids that
// do not follow the <letters><3-or-4 digit expiry> format.
func Prefix(instrument string) string {
	if len(instrument) >= 4 && instrument[len(instrument)-4] >= '0' && instrument[len(instrument)-4] <= '9' {
		return instrument[:len(instrument)-4]
	}
	if len(instrument) >= 3 {
		return instrument[:len(instrument)-3]
	}
	return instrument
}
