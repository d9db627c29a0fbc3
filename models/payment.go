package models

// Payment is an immutable, signed balance adjustment against one voucher.
// A positive Amount is a redemption and lowers the voucher balance; a
// negative Amount is a credit or correction and raises it.
type Payment struct {
	ID        string  `json:"id"`
	VoucherID string  `json:"voucherId"`
	Amount    float64 `json:"amount"`
	CreatedAt string  `json:"created_at"`
}
