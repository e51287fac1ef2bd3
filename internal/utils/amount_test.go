package utils

import (
	"math/big"
	"testing"
)

func TestParseAmount(t *testing.T) {
	if _, err := ParseAmount("25000000"); err != nil {
		t.Fatalf("valid amount rejected: %v", err)
	}
	for _, bad := range []string{"", "-1", "1.5", "0x10", "1e6", "abc"} {
		if _, err := ParseAmount(bad); err == nil {
			t.Errorf("expected rejection of %q", bad)
		}
	}
}

func TestScaleAmount(t *testing.T) {
	cases := []struct {
		in       string
		from, to int
		want     string
	}{
		{"25000000", 6, 18, "25000000000000000000"},
		{"25000000000000000000", 18, 6, "25000000"},
		{"25000000000000000001", 18, 6, "25000000"}, // dust truncates
		{"123", 6, 6, "123"},
	}
	for _, c := range cases {
		in, _ := new(big.Int).SetString(c.in, 10)
		got := ScaleAmount(in, c.from, c.to)
		if got.String() != c.want {
			t.Errorf("ScaleAmount(%s, %d, %d) = %s, want %s", c.in, c.from, c.to, got, c.want)
		}
	}
}

func TestApplySlippage(t *testing.T) {
	in := big.NewInt(10000000)
	got := ApplySlippage(in, 0.003)
	if got.String() != "9970000" {
		t.Fatalf("expected 9970000, got %s", got)
	}
	if ApplySlippage(in, 0).Cmp(in) != 0 {
		t.Fatal("zero slippage must be identity")
	}
}

func TestHexValidators(t *testing.T) {
	if !IsBytes32("0x" + "ab" + "cd" + "00" + "11" + "22" + "33" + "44" + "55" + "66" + "77" + "88" + "99" + "aa" + "bb" + "cc" + "dd" + "ee" + "ff" + "00" + "11" + "22" + "33" + "44" + "55" + "66" + "77" + "88" + "99" + "aa" + "bb" + "cc" + "dd") {
		t.Fatal("valid bytes32 rejected")
	}
	if IsBytes32("0x1234") {
		t.Fatal("short bytes32 accepted")
	}
	if !IsAddress("0xAb5801a7D398351b8bE11C439e05C5B3259aeC9B") {
		t.Fatal("valid address rejected")
	}
	if IsAddress("0xAb5801a7D398351b8bE11C439e05C5B3259aeC9") {
		t.Fatal("short address accepted")
	}
	if !IsBytes32(ZeroBytes32) {
		t.Fatal("zero bytes32 must validate")
	}
}
