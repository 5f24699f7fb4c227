package usage

import "strings"

// Plan is the subscription tier carried in the session metadata.
type Plan string

const (
	PlanFree  Plan = "free"
	PlanBasic Plan = "basic"
	PlanPro   Plan = "pro"
)

func NormalizePlan(raw string) Plan {
	switch strings.TrimSpace(strings.ToLower(raw)) {
	case "basic":
		return PlanBasic
	case "pro":
		return PlanPro
	default:
		return PlanFree
	}
}

// Quota is a plan's consumption envelope: a monthly token budget and a
// sustained request rate with burst headroom.
type Quota struct {
	MonthlyTokens     int64
	RequestsPerMinute float64
	Burst             int
}

var planQuotas = map[Plan]Quota{
	PlanFree:  {MonthlyTokens: 50_000, RequestsPerMinute: 3, Burst: 3},
	PlanBasic: {MonthlyTokens: 500_000, RequestsPerMinute: 10, Burst: 5},
	PlanPro:   {MonthlyTokens: 5_000_000, RequestsPerMinute: 30, Burst: 10},
}

func QuotaFor(p Plan) Quota {
	if q, ok := planQuotas[p]; ok {
		return q
	}
	return planQuotas[PlanFree]
}

// modelPrice is USD per million tokens.
type modelPrice struct {
	inputPerM  float64
	outputPerM float64
}

var modelPrices = map[string]modelPrice{
	"claude-sonnet-4-5": {inputPerM: 3.00, outputPerM: 15.00},
	"claude-haiku-4-5":  {inputPerM: 1.00, outputPerM: 5.00},
	"claude-opus-4-1":   {inputPerM: 15.00, outputPerM: 75.00},
	"gpt-4o":            {inputPerM: 2.50, outputPerM: 10.00},
	"gpt-4o-mini":       {inputPerM: 0.15, outputPerM: 0.60},
}

// defaultPrice covers models missing from the table; deliberately on the
// high side so unknown models never under-report cost.
var defaultPrice = modelPrice{inputPerM: 5.00, outputPerM: 20.00}

// EstimateCostUSD converts token counts to an approximate USD cost. Prices
// are a static snapshot; the figure is informational, not billing-grade.
func EstimateCostUSD(model string, inputTokens int64, outputTokens int64) float64 {
	p, ok := modelPrices[strings.TrimSpace(strings.ToLower(model))]
	if !ok {
		p = defaultPrice
	}
	return float64(inputTokens)/1e6*p.inputPerM + float64(outputTokens)/1e6*p.outputPerM
}
