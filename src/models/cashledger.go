package models

import "time"

// CashCode labels the kind of cash movement a ledger entry records.
type CashCode string

const (
	CashStockBuy             CashCode = "STOCK_BUY"
	CashStockSell            CashCode = "STOCK_SELL"
	CashCryptoBuy            CashCode = "CRYPTO_BUY"
	CashCryptoSell           CashCode = "CRYPTO_SELL"
	CashOptionDebit          CashCode = "OPTION_DEBIT"
	CashOptionCredit         CashCode = "OPTION_CREDIT"
	CashOptionMultiDebit     CashCode = "OPTION_MULTILEG_DEBIT"
	CashOptionMultiCredit    CashCode = "OPTION_MULTILEG_CREDIT"
	CashFuturesMargin        CashCode = "FUTURES_MARGIN"
	CashFuturesMarginRelease CashCode = "FUTURES_MARGIN_RELEASE"
	CashFuturesPL            CashCode = "FUTURES_PL"
	CashFee                  CashCode = "FEE"
)

// CashLedgerEntry is a derived cash movement. One transaction may fan out
// into several entries (futures margin + fee) and one entry may summarize
// several transactions (a multi-leg option net debit/credit, which links to
// no single transaction id).
type CashLedgerEntry struct {
	ID             string    `json:"id"`
	UserID         int64     `json:"user_id"`
	Code           CashCode  `json:"code"`
	Amount         float64   `json:"amount"` // signed, negative = debit
	TransactionIDs []string  `json:"transaction_ids,omitempty"`
	ActivityDate   time.Time `json:"activity_date"`
	ProcessDate    time.Time `json:"process_date"`
	SettleDate     time.Time `json:"settle_date"`
	Tags           []string  `json:"tags,omitempty"`
}

// ContractSpec describes a futures contract: how a price move translates
// into cash and how much initial margin opening one contract reserves.
type ContractSpec struct {
	Symbol        string  `json:"symbol"`
	Multiplier    float64 `json:"multiplier"`
	TickSize      float64 `json:"tick_size"`
	TickValue     float64 `json:"tick_value"`
	InitialMargin float64 `json:"initial_margin"`
}
