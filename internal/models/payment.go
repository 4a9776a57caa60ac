package models

import "strings"

// Payment is a payment event as delivered by the payservice. The
// upstream reports the same field under several names depending on the
// processor behind it, so the alternates are decoded too and collapsed
// by the accessor methods.
type Payment struct {
	ID         string  `json:"id,omitempty"`
	OrderID    string  `json:"orderId,omitempty"`
	TxnID      string  `json:"txnId,omitempty"`
	Status     string  `json:"status,omitempty"`
	Amount     float64 `json:"amount,omitempty"`
	Product    string  `json:"product,omitempty"`
	Email      string  `json:"email,omitempty"`
	Name       string  `json:"name,omitempty"`
	PaymentURL string  `json:"paymentUrl,omitempty"`

	AltOrderID string  `json:"ORDER_ID,omitempty"`
	AltTxnID   string  `json:"TXNID,omitempty"`
	AltStatus  string  `json:"STATUS,omitempty"`
	AltAmount  float64 `json:"TXN_AMOUNT,omitempty"`
	AltProduct string  `json:"PRODUCT_NAME,omitempty"`
	PName      string  `json:"pname,omitempty"`
	PayURL     string  `json:"payurl,omitempty"`
}

// PaymentID returns the first non-empty payment identifier. This is the
// key used for duplicate-grant detection.
func (p *Payment) PaymentID() string {
	for _, id := range []string{p.ID, p.OrderID, p.TxnID, p.AltOrderID, p.AltTxnID} {
		if id != "" {
			return id
		}
	}
	return ""
}

// EffectiveStatus collapses the status alternates.
func (p *Payment) EffectiveStatus() string {
	if p.Status != "" {
		return p.Status
	}
	return p.AltStatus
}

// Succeeded reports whether the payment completed.
func (p *Payment) Succeeded() bool {
	s := strings.ToUpper(p.EffectiveStatus())
	return s == "TXN_SUCCESS" || s == "SUCCESS"
}

// PaidAmount collapses the amount alternates.
func (p *Payment) PaidAmount() float64 {
	if p.Amount > 0 {
		return p.Amount
	}
	return p.AltAmount
}

// ProductCode collapses the product-name alternates. Expected formats
// are "<packID>_<credits>" or "credits_<n>".
func (p *Payment) ProductCode() string {
	for _, s := range []string{p.Product, p.AltProduct, p.PName} {
		if s != "" {
			return s
		}
	}
	return ""
}
