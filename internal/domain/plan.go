package domain

// OrderPlan is the exchange-legal rendering of a trade intent. It is built
// once by the planner and consumed exactly once downstream; every price is on
// the tick grid and every quantity on the step grid.
//
// Directional invariant: LONG implies Stop < Entry < TP1, SHORT the reverse.
type OrderPlan struct {
	Symbol     string  `json:"symbol"`
	Side       Side    `json:"side"`
	EntryPrice float64 `json:"entry_price"`
	TotalQty   float64 `json:"total_qty"`
	TP1Price   float64 `json:"tp1_price"`
	TP1Qty     float64 `json:"tp1_qty"`
	StopPrice  float64 `json:"stop_price"`
	RunnerQty  float64 `json:"runner_qty"`
	Leverage   float64 `json:"leverage"`
	PostOnly   bool    `json:"post_only"`
	ReduceOnly bool    `json:"reduce_only"`
}

// OrderedPrices reports whether the directional price invariant holds.
func (p OrderPlan) OrderedPrices() bool {
	switch p.Side {
	case SideLong:
		return p.StopPrice < p.EntryPrice && p.EntryPrice < p.TP1Price
	case SideShort:
		return p.StopPrice > p.EntryPrice && p.EntryPrice > p.TP1Price
	}
	return false
}
