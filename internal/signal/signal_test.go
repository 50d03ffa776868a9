package signal

import (
	"testing"
	"time"
)

func TestNormalizeSymbol(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"EURUSD", "EURUSD"},
		{"eur/usd", "EURUSD"},
		{"BHD/CNY OTC", "BHDCNY_otc"},
		{"AUD/CAD_otc", "AUDCAD_otc"},
		{"EURUSD_OTC", "EURUSD_otc"},
		{"eurusd_otc", "EURUSD_otc"},
		{"  GBPJPY  ", "GBPJPY"},
	}
	for _, c := range cases {
		got, err := NormalizeSymbol(c.in)
		if err != nil {
			t.Fatalf("NormalizeSymbol(%q): %v", c.in, err)
		}
		if got != c.want {
			t.Errorf("NormalizeSymbol(%q) = %q, want %q", c.in, got, c.want)
		}
	}

	if _, err := NormalizeSymbol("   "); err == nil {
		t.Error("blank symbol should be rejected")
	}
}

func TestNormalizeFillsDefaults(t *testing.T) {
	s := Signal{Symbol: "eur/usd", Direction: "CALL"}
	if err := s.Normalize(60); err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if s.Symbol != "EURUSD" || s.Direction != DirectionCall {
		t.Fatalf("normalized = %q %q", s.Symbol, s.Direction)
	}
	if s.ExpirySeconds != 60 {
		t.Fatalf("expiry = %d, want default 60", s.ExpirySeconds)
	}
	if s.ID == "" || s.ReceivedAt.IsZero() {
		t.Fatal("id and receipt time should be assigned")
	}
}

func TestNormalizeDirectionAliases(t *testing.T) {
	cases := map[string]string{
		"call": DirectionCall, "UP": DirectionCall, "buy": DirectionCall,
		"put": DirectionPut, "down": DirectionPut, "SELL": DirectionPut,
	}
	for in, want := range cases {
		s := Signal{Symbol: "EURUSD", Direction: in}
		if err := s.Normalize(60); err != nil {
			t.Fatalf("Normalize(%q): %v", in, err)
		}
		if s.Direction != want {
			t.Errorf("direction %q = %q, want %q", in, s.Direction, want)
		}
	}

	s := Signal{Symbol: "EURUSD", Direction: "sideways"}
	if err := s.Normalize(60); err == nil {
		t.Error("unknown direction should be rejected")
	}
}

func TestAge(t *testing.T) {
	s := Signal{ReceivedAt: time.Now().Add(-90 * time.Second)}
	if age := s.Age(); age < 89*time.Second || age > 92*time.Second {
		t.Fatalf("age = %v", age)
	}
}
