package domain

import "time"

// SymbolFilters carries the exchange trading rules for one contract.
// Quantization snaps every price to TickSize and every quantity to StepSize.
type SymbolFilters struct {
	Symbol      string
	TickSize    float64
	StepSize    float64
	MinPrice    float64
	MaxPrice    float64
	MinQty      float64
	MaxQty      float64
	MinNotional float64
	Status      string
	UpdatedAt   time.Time
}

// Position is an open exchange position, reduced to what admission needs.
type Position struct {
	Symbol     string
	Side       Side
	Size       float64
	EntryPrice float64
	Leverage   float64
	LiqPrice   float64
}

// OpenOrder is a resting exchange order.
type OpenOrder struct {
	Symbol  string
	OrderID string
	Side    Side
	Qty     float64
	Price   float64
}
