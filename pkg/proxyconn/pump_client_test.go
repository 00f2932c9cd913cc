package proxyconn

import "testing"

func TestExpandFormatCodesAbsentMeansAllText(t *testing.T) {
	codes := expandFormatCodes(nil, 3)
	for i, c := range codes {
		if c != 0 {
			t.Fatalf("param %d: expected text (0), got %d", i, c)
		}
	}
}

func TestExpandFormatCodesSingleCodeAppliesToAll(t *testing.T) {
	codes := expandFormatCodes([]int16{1}, 3)
	for i, c := range codes {
		if c != 1 {
			t.Fatalf("param %d: expected binary (1), got %d", i, c)
		}
	}
}

func TestExpandFormatCodesPerParamPreserved(t *testing.T) {
	codes := expandFormatCodes([]int16{0, 1, 0}, 3)
	want := []int16{0, 1, 0}
	for i := range want {
		if codes[i] != want[i] {
			t.Fatalf("param %d: expected %d, got %d", i, want[i], codes[i])
		}
	}
}
