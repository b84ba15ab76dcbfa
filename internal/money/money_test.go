package money

import "testing"

func TestParse(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"1000", "1000.000000", false},
		{"0.50", "0.500000", false},
		{"0", "0.000000", false},
		{".5", "0.500000", false},
		{"1.2345678", "1.234567", false}, // truncated, not rounded
		{"", "", true},
		{"-5", "", true},
		{"1.2.3", "", true},
		{"abc", "", true},
	}

	for _, tt := range tests {
		got, err := Parse(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("Parse(%q): expected error, got %s", tt.in, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("Parse(%q): unexpected error: %v", tt.in, err)
			continue
		}
		if got.String() != tt.want {
			t.Errorf("Parse(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestIsZero(t *testing.T) {
	if !MustParse("0").IsZero() {
		t.Error("0 should be zero")
	}
	if !MustParse("0.000000").IsZero() {
		t.Error("0.000000 should be zero")
	}
	if MustParse("0.000001").IsZero() {
		t.Error("0.000001 should not be zero")
	}
	if !(Amount{}).IsZero() {
		t.Error("zero value should be zero")
	}
}

func TestPercent(t *testing.T) {
	budget := MustParse("1000")

	m1 := budget.Percent(60)
	if m1.String() != "600.000000" {
		t.Errorf("60%% of 1000 = %s, want 600.000000", m1)
	}

	m2 := budget.Percent(40)
	if sum := m1.Add(m2); sum.Cmp(budget) != 0 {
		t.Errorf("60%% + 40%% = %s, want %s", sum, budget)
	}

	// Truncation: 33% of 0.000100 units
	odd := MustParse("0.000100").Percent(33)
	if odd.String() != "0.000033" {
		t.Errorf("33%% of 0.000100 = %s, want 0.000033", odd)
	}
}

func TestJSONRoundTrip(t *testing.T) {
	a := MustParse("12.50")
	data, err := a.MarshalJSON()
	if err != nil {
		t.Fatalf("MarshalJSON failed: %v", err)
	}
	if string(data) != `"12.500000"` {
		t.Errorf("MarshalJSON = %s", data)
	}

	var b Amount
	if err := b.UnmarshalJSON(data); err != nil {
		t.Fatalf("UnmarshalJSON failed: %v", err)
	}
	if a.Cmp(b) != 0 {
		t.Errorf("round trip mismatch: %s != %s", a, b)
	}
}
