package models

// Pack is a purchasable credit bundle.
type Pack struct {
	ID       string  `json:"id"`
	Label    string  `json:"label"`
	Credits  int     `json:"credits"`
	Amount   float64 `json:"amount"`
	Currency string  `json:"currency"`
}

// DefaultPack is seeded when the catalog table is empty.
var DefaultPack = Pack{ID: "credit_1", Label: "1 Credit", Credits: 1, Amount: 10, Currency: "INR"}
