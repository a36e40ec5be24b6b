package validation

import "testing"

func TestIsValidOrderNumber(t *testing.T) {
	tests := []struct {
		name   string
		number string
		valid  bool
	}{
		{
			name:   "valid",
			number: "LS20240301100405123456",
			valid:  true,
		},
		{
			name:   "transaction prefix",
			number: "PT20240301100405123456",
			valid:  false,
		},
		{
			name:   "too short",
			number: "LS2024030110040512345",
			valid:  false,
		},
		{
			name:   "contains letters",
			number: "LS2024030110040512345a",
			valid:  false,
		},
		{
			name:   "non-ascii digits",
			number: "LS202403011004051234٥٦",
			valid:  false,
		},
		{
			name:   "empty string",
			number: "",
			valid:  false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := IsValidOrderNumber(tt.number)
			if got != tt.valid {
				t.Fatalf("IsValidOrderNumber(%q) = %v, want %v", tt.number, got, tt.valid)
			}
		})
	}
}

func TestIsValidTransactionNumber(t *testing.T) {
	if !IsValidTransactionNumber("PT20240301100405000001") {
		t.Fatalf("expected transaction number to be valid")
	}
	if IsValidTransactionNumber("LS20240301100405000001") {
		t.Fatalf("order number must not pass as transaction number")
	}
}
