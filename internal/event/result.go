package event

import (
	"fmt"
	"strconv"
)

// ResultLabel is the fixed label under which the pricing engine reports
// swap outcomes. The resumption handler only inspects results carrying it.
const ResultLabel = "vamm"

const (
	AttrKeyAction       = "action"
	AttrKeyInput        = "input"
	AttrKeyOutput       = "output"
	AttrKeyContinuation = "continuation"

	ActionSwapInput  = "swap_input"
	ActionSwapOutput = "swap_output"
)

// Attribute is one key/value pair of a sub-call execution result.
type Attribute struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// ExecutionResult is the labeled attribute set returned across the
// pricing-engine call boundary.
type ExecutionResult struct {
	Label      string      `json:"label"`
	Attributes []Attribute `json:"attributes"`
}

// NewSwapResult encodes a swap outcome as integer-string attributes.
func NewSwapResult(action string, input, output int64) *ExecutionResult {
	return &ExecutionResult{
		Label: ResultLabel,
		Attributes: []Attribute{
			{Key: AttrKeyAction, Value: action},
			{Key: AttrKeyInput, Value: strconv.FormatInt(input, 10)},
			{Key: AttrKeyOutput, Value: strconv.FormatInt(output, 10)},
		},
	}
}

// Attribute returns the first value for key, if present.
func (r *ExecutionResult) Attribute(key string) (string, bool) {
	for _, a := range r.Attributes {
		if a.Key == key {
			return a.Value, true
		}
	}
	return "", false
}

// SwapValues are the amounts recovered from a swap execution result.
type SwapValues struct {
	Input  int64
	Output int64
}

// ParseSwapResult scans results for the pricing-engine label and decodes
// the input/output attributes. Missing label, missing keys, and
// non-integer values are all malformed-result errors.
func ParseSwapResult(results []ExecutionResult) (SwapValues, error) {
	for i := range results {
		r := &results[i]
		if r.Label != ResultLabel {
			continue
		}

		input, err := parseAmountAttr(r, AttrKeyInput)
		if err != nil {
			return SwapValues{}, err
		}
		output, err := parseAmountAttr(r, AttrKeyOutput)
		if err != nil {
			return SwapValues{}, err
		}
		return SwapValues{Input: input, Output: output}, nil
	}
	return SwapValues{}, fmt.Errorf("no %q result in sub-call response", ResultLabel)
}

func parseAmountAttr(r *ExecutionResult, key string) (int64, error) {
	raw, ok := r.Attribute(key)
	if !ok {
		return 0, fmt.Errorf("swap result missing %q attribute", key)
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("swap result %q attribute %q: %w", key, raw, err)
	}
	if v < 0 {
		return 0, fmt.Errorf("swap result %q attribute negative: %d", key, v)
	}
	return v, nil
}

// Continuation identifies which position flow a sub-call belongs to. The
// resumption handler routes on these ids; an unrecognized id is fatal.
type Continuation int32

const (
	ContinuationIncrease Continuation = 1
	ContinuationDecrease Continuation = 2
	ContinuationReverse  Continuation = 3
	ContinuationClose    Continuation = 4
)

func (c Continuation) Valid() bool {
	return c >= ContinuationIncrease && c <= ContinuationClose
}

func (c Continuation) String() string {
	switch c {
	case ContinuationIncrease:
		return "increase"
	case ContinuationDecrease:
		return "decrease"
	case ContinuationReverse:
		return "reverse"
	case ContinuationClose:
		return "close"
	default:
		return fmt.Sprintf("invalid(%d)", int32(c))
	}
}
