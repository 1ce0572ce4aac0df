package msgid

import "testing"

func TestFromUnixMilliEpoch(t *testing.T) {
	got := FromUnixMilli(0).String()
	want := "170141184475152167957503069145530368000"
	if got != want {
		t.Errorf("FromUnixMilli(0) = %s, want %s", got, want)
	}
}

func TestUnixMilliRoundTrip(t *testing.T) {
	for _, ms := range []int64{1, 999, 1000, 1672531200000, 1700000000123, 1893456000001} {
		if got := FromUnixMilli(ms).UnixMilli(); got != ms {
			t.Errorf("FromUnixMilli(%d).UnixMilli() = %d", ms, got)
		}
	}
}

func TestFromUnixMilliIsMonotonic(t *testing.T) {
	prev := FromUnixMilli(1700000000000)
	for ms := int64(1700000000001); ms < 1700000000050; ms++ {
		next := FromUnixMilli(ms)
		if !prev.Less(next) {
			t.Fatalf("FromUnixMilli(%d) = %s not greater than %s", ms, next, prev)
		}
		prev = next
	}
}

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{"decimal", "12345", "12345", false},
		{"ud", "170.141.184.475", "170141184475", false},
		{"ud short head", "1.000", "1000", false},
		{"small", "7", "7", false},
		{"empty", "", "", true},
		{"negative", "-4", "", true},
		{"letters", "12a", "", true},
		{"bad grouping", "1.23.456", "", true},
		{"trailing dot", "123.", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Parse(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if err == nil && got.String() != tt.want {
				t.Errorf("Parse(%q) = %s, want %s", tt.input, got, tt.want)
			}
		})
	}
}

func TestUd(t *testing.T) {
	tests := map[string]string{
		"7":          "7",
		"123":        "123",
		"1234":       "1.234",
		"123456":     "123.456",
		"1234567890": "1.234.567.890",
	}
	for in, want := range tests {
		if got := MustParse(in).Ud(); got != want {
			t.Errorf("Ud(%s) = %q, want %q", in, got, want)
		}
	}
	if back := MustParse(FromUnixMilli(42).Ud()); !back.Equal(FromUnixMilli(42)) {
		t.Errorf("Ud round trip lost value: %s", back)
	}
}

func TestCmpZero(t *testing.T) {
	var zero ID
	if !zero.IsZero() {
		t.Fatal("zero value should be IsZero")
	}
	if zero.Cmp(New(0)) >= 0 {
		t.Error("zero id should sort before New(0)")
	}
	if !Min(zero, New(3)).Equal(New(3)) {
		t.Error("Min should ignore the zero id")
	}
	if !Max(New(2), New(9)).Equal(New(9)) {
		t.Error("Max(2, 9) != 9")
	}
}

func TestTextMarshaling(t *testing.T) {
	var id ID
	if err := id.UnmarshalText([]byte("170.141.184")); err != nil {
		t.Fatal(err)
	}
	text, _ := id.MarshalText()
	if string(text) != "170141184" {
		t.Errorf("MarshalText = %s, want 170141184", text)
	}
	if err := id.UnmarshalText(nil); err != nil || !id.IsZero() {
		t.Errorf("UnmarshalText(nil) = %v, zero=%v", err, id.IsZero())
	}
}
