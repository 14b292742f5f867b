package models

import "time"

// AssetType classifies a transaction by the kind of instrument it trades.
type AssetType string

const (
	AssetStock   AssetType = "stock"
	AssetOption  AssetType = "option"
	AssetCrypto  AssetType = "crypto"
	AssetFutures AssetType = "futures"
	AssetCash    AssetType = "cash"
)

// OptionType is the contract right of an option transaction.
type OptionType string

const (
	OptionCall OptionType = "call"
	OptionPut  OptionType = "put"
)

// OptionDetails carries the option-only fields of a transaction. Stock,
// crypto and cash rows carry a nil pointer, so there is no ambiguity about
// a "zero strike".
type OptionDetails struct {
	Type       OptionType `json:"type"`       // "call" or "put"
	Strike     float64    `json:"strike"`     // strike price per share
	Expiration time.Time  `json:"expiration"` // contract expiration date
	IsOpening  bool       `json:"is_opening"` // true for BTO/STO, false for BTC/STC
}

// FuturesDetails carries the futures-only fields of a transaction.
type FuturesDetails struct {
	InstrumentCode string `json:"instrument_code"` // e.g. "ESH26"
	ContractMonth  string `json:"contract_month"`  // e.g. "2026-03", parsed from the code
}

// Transaction is a single brokerage event as ingested from an export or
// manual entry. It is immutable after creation except for the PositionID
// back-reference: once matched it points at exactly one position, and an
// unmatched transaction has PositionID == "".
type Transaction struct {
	ID           string          `json:"id"`
	UserID       int64           `json:"user_id"`
	ImportID     string          `json:"import_id,omitempty"` // upload batch the row arrived in, if any
	AssetType    AssetType       `json:"asset_type"`
	Symbol       string          `json:"symbol"` // underlying symbol or instrument
	Option       *OptionDetails  `json:"option,omitempty"`
	Futures      *FuturesDetails `json:"futures,omitempty"`
	Quantity     float64         `json:"quantity"` // always positive; direction comes from IsLong/BuySell
	Price        float64         `json:"price"`    // per unit, in account currency
	Amount       float64         `json:"amount"`   // signed gross amount, negative = cash out
	Fees         float64         `json:"fees"`     // always positive
	IsLong       bool            `json:"is_long"`            // direction of the resulting exposure
	BuySell      string          `json:"buy_sell"`           // "BUY" or "SELL" for non-option assets
	SubType      string          `json:"sub_type,omitempty"` // broker event code, e.g. "ASSIGNMENT", "EXERCISE"
	ActivityDate time.Time       `json:"activity_date"`
	PositionID   string          `json:"position_id,omitempty"`
	Description  string          `json:"description,omitempty"`
}

// IsOpening reports whether this transaction opens new exposure. For
// options the broker flag is authoritative; for everything else a BUY
// opens and a SELL closes.
func (t *Transaction) IsOpening() bool {
	if t.AssetType == AssetOption && t.Option != nil {
		return t.Option.IsOpening
	}
	return t.BuySell == "BUY"
}
