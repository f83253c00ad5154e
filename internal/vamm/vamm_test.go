package vamm_test

import (
	"testing"

	"PerpEngine/internal/event"
	"PerpEngine/internal/vamm"
)

func TestDirectionForSide(t *testing.T) {
	if d := vamm.DirectionForSide(event.SideBuy); d != vamm.DirectionAddToAmm {
		t.Errorf("buy: got %v, want add_to_amm", d)
	}
	if d := vamm.DirectionForSide(event.SideSell); d != vamm.DirectionRemoveFromAmm {
		t.Errorf("sell: got %v, want remove_from_amm", d)
	}
	if d := vamm.DirectionForSide(event.SideUnknown); d != vamm.DirectionUnknown {
		t.Errorf("unknown side: got %v, want unknown direction", d)
	}
}

func TestDirectionFlip(t *testing.T) {
	if d := vamm.DirectionAddToAmm.Flip(); d != vamm.DirectionRemoveFromAmm {
		t.Errorf("flip add: got %v", d)
	}
	if d := vamm.DirectionRemoveFromAmm.Flip(); d != vamm.DirectionAddToAmm {
		t.Errorf("flip remove: got %v", d)
	}
	if d := vamm.DirectionUnknown.Flip(); d != vamm.DirectionUnknown {
		t.Errorf("flip unknown: got %v", d)
	}
}

func TestConfigValidate(t *testing.T) {
	valid := vamm.Config{
		Owner:      "owner",
		QuoteAsset: "uusd",
		BaseAsset:  "ueth",
		Decimals:   1_000_000_000,
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*vamm.Config)
	}{
		{"missing owner", func(c *vamm.Config) { c.Owner = "" }},
		{"missing quote asset", func(c *vamm.Config) { c.QuoteAsset = "" }},
		{"missing base asset", func(c *vamm.Config) { c.BaseAsset = "" }},
		{"zero decimals", func(c *vamm.Config) { c.Decimals = 0 }},
		{"negative toll ratio", func(c *vamm.Config) { c.TollRatio = -1 }},
		{"negative spread ratio", func(c *vamm.Config) { c.SpreadRatio = -1 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := valid
			tc.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestStateValidate(t *testing.T) {
	if err := (&vamm.State{QuoteReserve: 1, BaseReserve: 1}).Validate(); err != nil {
		t.Fatalf("valid state rejected: %v", err)
	}
	if err := (&vamm.State{QuoteReserve: 0, BaseReserve: 1}).Validate(); err == nil {
		t.Error("zero quote reserve accepted")
	}
	if err := (&vamm.State{QuoteReserve: 1, BaseReserve: -5}).Validate(); err == nil {
		t.Error("negative base reserve accepted")
	}
}

func TestNewMarket_RejectsInvalid(t *testing.T) {
	cfg := vamm.Config{
		Owner:      "owner",
		QuoteAsset: "uusd",
		BaseAsset:  "ueth",
		Decimals:   1_000_000_000,
	}
	st := vamm.State{QuoteReserve: 1_000_000_000_000, BaseReserve: 1_000_000_000_000}

	if _, err := vamm.NewMarket("eth-usd", cfg, st); err != nil {
		t.Fatalf("valid market rejected: %v", err)
	}
	if _, err := vamm.NewMarket("", cfg, st); err == nil {
		t.Error("empty market id accepted")
	}

	bad := cfg
	bad.Decimals = 0
	if _, err := vamm.NewMarket("eth-usd", bad, st); err == nil {
		t.Error("invalid config accepted")
	}
	if _, err := vamm.NewMarket("eth-usd", cfg, vamm.State{}); err == nil {
		t.Error("empty reserves accepted")
	}
}
