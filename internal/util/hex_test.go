package util

import (
	"testing"
)

func TestHexToUint64(t *testing.T) {
	tests := []struct {
		input   string
		want    uint64
		wantErr bool
	}{
		{"0000000000000001", 1, false},
		{"ffffffffffffffff", ^uint64(0), false},
		{"0x0000000000000010", 16, false},
		{"00000000000000", 0, true},  // too short
		{"000000000000000001", 0, true}, // too long
		{"zzzzzzzzzzzzzzzz", 0, true},
		{"", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := HexToUint64(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("HexToUint64(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("HexToUint64(%q) = %d, want %d", tt.input, got, tt.want)
			}
		})
	}
}

func TestUint64LEHex(t *testing.T) {
	if got := Uint64LEHex(1); got != "0100000000000000" {
		t.Errorf("Uint64LEHex(1) = %q, want 0100000000000000", got)
	}
	if got := Uint64LEHex(0x1122334455667788); got != "8877665544332211" {
		t.Errorf("Uint64LEHex = %q, want 8877665544332211", got)
	}
	if len(Uint64LEHex(0)) != 16 {
		t.Error("Uint64LEHex should always be 16 chars")
	}
}

func TestValidateNonce(t *testing.T) {
	tests := []struct {
		input string
		want  bool
	}{
		{"0000000000000001", true},
		{"0xdeadbeefdeadbeef", true},
		{"deadbeef", false},
		{"xyzzxyzzxyzzxyzz", false},
	}

	for _, tt := range tests {
		if got := ValidateNonce(tt.input); got != tt.want {
			t.Errorf("ValidateNonce(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestValidateHash(t *testing.T) {
	valid := "0000000000000000000000000000000000000000000000000000000000000001"
	if !ValidateHash(valid) {
		t.Error("ValidateHash should accept 64 hex chars")
	}
	if ValidateHash("abcd") {
		t.Error("ValidateHash should reject short strings")
	}
}

func TestReverseBytesCopy(t *testing.T) {
	in := []byte{1, 2, 3, 4}
	out := ReverseBytesCopy(in)
	if out[0] != 4 || out[3] != 1 {
		t.Errorf("ReverseBytesCopy = %v", out)
	}
	if in[0] != 1 {
		t.Error("ReverseBytesCopy must not mutate its input")
	}
}

func TestPadBytes(t *testing.T) {
	padded := PadBytes([]byte{0xab}, 4)
	if len(padded) != 4 || padded[3] != 0xab || padded[0] != 0 {
		t.Errorf("PadBytes = %v", padded)
	}

	same := []byte{1, 2, 3, 4, 5}
	if got := PadBytes(same, 4); len(got) != 5 {
		t.Error("PadBytes must not truncate")
	}
}
