package payment

import (
	"encoding/json"
	"strings"
	"unicode"
)

// Details holds donor contact, attribution and payer instrument fragments
// attached to a transaction. Extra is the open extension map for
// gateway-specific or widget-specific fields.
//
// Details always serializes through its masked projection: card, account
// and phone numbers never leave the process with more than their last four
// digits.
type Details struct {
	DonorName     string
	DonorEmail    string
	DonorPhone    string
	Anonymous     bool
	Comment       string
	Referrer      string
	CardNumber    string
	AccountNumber string
	Extra         map[string]string
}

type detailsJSON struct {
	DonorName     string            `json:"donor_name,omitempty"`
	DonorEmail    string            `json:"donor_email,omitempty"`
	DonorPhone    string            `json:"donor_phone,omitempty"`
	Anonymous     bool              `json:"anonymous,omitempty"`
	Comment       string            `json:"comment,omitempty"`
	Referrer      string            `json:"referrer,omitempty"`
	CardNumber    string            `json:"card_number,omitempty"`
	AccountNumber string            `json:"account_number,omitempty"`
	Extra         map[string]string `json:"extra,omitempty"`
}

// visibleDigits is how many trailing digits survive masking.
const visibleDigits = 4

// sensitiveKeyParts mark Extra keys whose values are account-like.
var sensitiveKeyParts = []string{"card", "pan", "account", "iban", "phone", "wallet", "acct"}

// Masked returns a copy safe to store, log or return to clients.
func (d Details) Masked() Details {
	m := d
	m.DonorPhone = MaskDigits(d.DonorPhone)
	m.CardNumber = MaskDigits(d.CardNumber)
	m.AccountNumber = MaskDigits(d.AccountNumber)
	if d.Extra != nil {
		m.Extra = make(map[string]string, len(d.Extra))
		for k, v := range d.Extra {
			if isSensitiveKey(k) || countDigits(v) > visibleDigits*2 {
				v = MaskDigits(v)
			}
			m.Extra[k] = v
		}
	}
	return m
}

// Merge overlays non-empty fields of other onto d. Used when a gateway
// report adds instrument details (for example a masked PAN) after creation.
func (d Details) Merge(other Details) Details {
	out := d
	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&out.DonorName, other.DonorName)
	set(&out.DonorEmail, other.DonorEmail)
	set(&out.DonorPhone, other.DonorPhone)
	set(&out.Comment, other.Comment)
	set(&out.Referrer, other.Referrer)
	set(&out.CardNumber, other.CardNumber)
	set(&out.AccountNumber, other.AccountNumber)
	if other.Anonymous {
		out.Anonymous = true
	}
	if len(other.Extra) > 0 {
		merged := make(map[string]string, len(d.Extra)+len(other.Extra))
		for k, v := range d.Extra {
			merged[k] = v
		}
		for k, v := range other.Extra {
			merged[k] = v
		}
		out.Extra = merged
	}
	return out
}

// MarshalJSON emits the masked projection.
func (d Details) MarshalJSON() ([]byte, error) {
	m := d.Masked()
	return json.Marshal(detailsJSON{
		DonorName:     m.DonorName,
		DonorEmail:    m.DonorEmail,
		DonorPhone:    m.DonorPhone,
		Anonymous:     m.Anonymous,
		Comment:       m.Comment,
		Referrer:      m.Referrer,
		CardNumber:    m.CardNumber,
		AccountNumber: m.AccountNumber,
		Extra:         m.Extra,
	})
}

// UnmarshalJSON reads the stored form.
func (d *Details) UnmarshalJSON(data []byte) error {
	var v detailsJSON
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*d = Details{
		DonorName:     v.DonorName,
		DonorEmail:    v.DonorEmail,
		DonorPhone:    v.DonorPhone,
		Anonymous:     v.Anonymous,
		Comment:       v.Comment,
		Referrer:      v.Referrer,
		CardNumber:    v.CardNumber,
		AccountNumber: v.AccountNumber,
		Extra:         v.Extra,
	}
	return nil
}

// MaskDigits replaces every digit except the last four with '*', keeping
// separators so "4111 1111 1111 1234" becomes "**** **** **** 1234".
// Values already masked by a gateway ("411111******1234") lose their BIN.
func MaskDigits(s string) string {
	total := countDigits(s)
	if total == 0 {
		return s
	}
	keep := visibleDigits
	if total <= visibleDigits {
		// Short values are masked entirely rather than shown in full.
		keep = 0
	}
	var b strings.Builder
	b.Grow(len(s))
	seen := 0
	for _, r := range s {
		if unicode.IsDigit(r) {
			seen++
			if seen > total-keep {
				b.WriteRune(r)
				continue
			}
			b.WriteByte('*')
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func countDigits(s string) int {
	n := 0
	for _, r := range s {
		if unicode.IsDigit(r) {
			n++
		}
	}
	return n
}

func isSensitiveKey(k string) bool {
	k = strings.ToLower(k)
	for _, part := range sensitiveKeyParts {
		if strings.Contains(k, part) {
			return true
		}
	}
	return false
}
