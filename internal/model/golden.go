package model

import "time"

// GoldenSetEntry is a human-validated description to NCM/CEST association.
type GoldenSetEntry struct {
	Description string    `json:"description"`
	NCM         string    `json:"ncm"`
	CEST        string    `json:"cest,omitempty"`
	Confidence  float64   `json:"confidence"`
	Source      string    `json:"source"`
	Approver    string    `json:"approver"`
	Active      bool      `json:"active"`
	ApprovedAt  time.Time `json:"approved_at"`
}

// Key is the identity used for idempotent recording.
func (e GoldenSetEntry) Key() string {
	return e.Description + "\x00" + e.NCM + "\x00" + e.CEST
}
