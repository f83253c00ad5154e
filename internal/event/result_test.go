package event_test

import (
	"testing"

	"PerpEngine/internal/event"
)

func TestParseSwapResult_RoundTrip(t *testing.T) {
	res := event.NewSwapResult(event.ActionSwapInput, 100_000_000, 99_990_000)

	action, ok := res.Attribute(event.AttrKeyAction)
	if !ok || action != "swap_input" {
		t.Fatalf("action attribute: got %q, want swap_input", action)
	}

	values, err := event.ParseSwapResult([]event.ExecutionResult{*res})
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if values.Input != 100_000_000 {
		t.Errorf("input: got %d, want 100_000_000", values.Input)
	}
	if values.Output != 99_990_000 {
		t.Errorf("output: got %d, want 99_990_000", values.Output)
	}
}

func TestParseSwapResult_SkipsForeignLabels(t *testing.T) {
	results := []event.ExecutionResult{
		{Label: "bank", Attributes: []event.Attribute{{Key: "input", Value: "1"}}},
		*event.NewSwapResult(event.ActionSwapOutput, 7, 9),
	}

	values, err := event.ParseSwapResult(results)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if values.Input != 7 || values.Output != 9 {
		t.Errorf("got (%d, %d), want (7, 9)", values.Input, values.Output)
	}
}

func TestParseSwapResult_NoLabeledResult(t *testing.T) {
	results := []event.ExecutionResult{
		{Label: "bank", Attributes: nil},
	}
	if _, err := event.ParseSwapResult(results); err == nil {
		t.Fatal("expected error when no pricing-engine result present")
	}
}

func TestParseSwapResult_MissingAttribute(t *testing.T) {
	results := []event.ExecutionResult{
		{
			Label: event.ResultLabel,
			Attributes: []event.Attribute{
				{Key: event.AttrKeyInput, Value: "5"},
			},
		},
	}
	if _, err := event.ParseSwapResult(results); err == nil {
		t.Fatal("expected error for missing output attribute")
	}
}

func TestParseSwapResult_MalformedValue(t *testing.T) {
	results := []event.ExecutionResult{
		{
			Label: event.ResultLabel,
			Attributes: []event.Attribute{
				{Key: event.AttrKeyInput, Value: "not-a-number"},
				{Key: event.AttrKeyOutput, Value: "5"},
			},
		},
	}
	if _, err := event.ParseSwapResult(results); err == nil {
		t.Fatal("expected error for non-integer input attribute")
	}
}

func TestParseSwapResult_NegativeValue(t *testing.T) {
	results := []event.ExecutionResult{
		{
			Label: event.ResultLabel,
			Attributes: []event.Attribute{
				{Key: event.AttrKeyInput, Value: "-1"},
				{Key: event.AttrKeyOutput, Value: "5"},
			},
		},
	}
	if _, err := event.ParseSwapResult(results); err == nil {
		t.Fatal("expected error for negative amount")
	}
}

func TestContinuation_Valid(t *testing.T) {
	valid := []event.Continuation{
		event.ContinuationIncrease,
		event.ContinuationDecrease,
		event.ContinuationReverse,
		event.ContinuationClose,
	}
	for _, c := range valid {
		if !c.Valid() {
			t.Errorf("continuation %d should be valid", c)
		}
	}

	for _, c := range []event.Continuation{0, 5, -1} {
		if c.Valid() {
			t.Errorf("continuation %d should be invalid", c)
		}
	}
}

func TestContinuation_String(t *testing.T) {
	cases := map[event.Continuation]string{
		event.ContinuationIncrease: "increase",
		event.ContinuationDecrease: "decrease",
		event.ContinuationReverse:  "reverse",
		event.ContinuationClose:    "close",
	}
	for c, want := range cases {
		if got := c.String(); got != want {
			t.Errorf("got %q, want %q", got, want)
		}
	}
}

func TestSide_Opposite(t *testing.T) {
	if event.SideBuy.Opposite() != event.SideSell {
		t.Error("buy should flip to sell")
	}
	if event.SideSell.Opposite() != event.SideBuy {
		t.Error("sell should flip to buy")
	}
	if event.SideUnknown.Opposite() != event.SideUnknown {
		t.Error("unknown stays unknown")
	}
}
