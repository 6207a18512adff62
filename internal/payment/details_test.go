package payment

import (
	"encoding/json"
	"strings"
	"testing"
	"unicode"
)

func TestMaskDigits(t *testing.T) {
	tests := map[string]string{
		"4111111111111234":    "************1234",
		"4111 1111 1111 1234": "**** **** **** 1234",
		"411111******1234":    "************1234",
		"+7 (900) 123-45-67":  "+* (***) ***-45-67",
		"123":                 "***",
		"1234":                "****",
		"no digits":           "no digits",
		"":                    "",
	}
	for in, want := range tests {
		if got := MaskDigits(in); got != want {
			t.Errorf("MaskDigits(%q) = %q, want %q", in, got, want)
		}
	}
}

// visibleDigitCount counts unmasked digits in a serialized value.
func visibleDigitCount(s string) int {
	n := 0
	for _, r := range s {
		if unicode.IsDigit(r) {
			n++
		}
	}
	return n
}

func TestDetailsMarshalNeverLeaksMoreThanFourDigits(t *testing.T) {
	cases := []Details{
		{CardNumber: "5555555555554444"},
		{AccountNumber: "40817810099910004312"},
		{DonorPhone: "+79001234567"},
		{Extra: map[string]string{"card_pan": "2200 7001 2345 6789"}},
		{Extra: map[string]string{"reference": "40817810099910004312"}},
		{Extra: map[string]string{"payer_wallet": "410011234567"}},
	}

	for _, d := range cases {
		data, err := json.Marshal(d)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		var fields map[string]any
		if err := json.Unmarshal(data, &fields); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		check := func(name, v string) {
			if visibleDigitCount(v) > visibleDigits {
				t.Errorf("%s leaked digits: %q", name, v)
			}
		}
		for k, v := range fields {
			switch val := v.(type) {
			case string:
				check(k, val)
			case map[string]any:
				for ek, ev := range val {
					check(ek, ev.(string))
				}
			}
		}
	}
}

func TestDetailsRoundTripKeepsNonSensitiveFields(t *testing.T) {
	d := Details{
		DonorName:  "Anna",
		DonorEmail: "anna@example.org",
		Comment:    "for the shelter",
		Referrer:   "vk",
		Extra:      map[string]string{"utm_source": "newsletter"},
	}
	data, err := json.Marshal(d)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var back Details
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if back.DonorName != "Anna" || back.DonorEmail != "anna@example.org" || back.Extra["utm_source"] != "newsletter" {
		t.Errorf("unexpected round trip: %+v", back)
	}
	if strings.Contains(string(data), "card_number") {
		t.Errorf("empty fields should be omitted: %s", data)
	}
}

func TestDetailsMerge(t *testing.T) {
	base := Details{DonorName: "Anna", Extra: map[string]string{"a": "1"}}
	merged := base.Merge(Details{CardNumber: "430000******0777", Extra: map[string]string{"b": "2"}})
	if merged.DonorName != "Anna" || merged.CardNumber == "" {
		t.Errorf("unexpected merge: %+v", merged)
	}
	if merged.Extra["a"] != "1" || merged.Extra["b"] != "2" {
		t.Errorf("unexpected extra: %v", merged.Extra)
	}
	if _, ok := base.Extra["b"]; ok {
		t.Error("merge must not mutate the receiver's map")
	}
}
