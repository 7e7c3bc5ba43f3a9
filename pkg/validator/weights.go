package validator

import (
	"fmt"

	"promptlab/pkg/market"
)

// WeightKeys are the response keys in market.AssetOrder.
var WeightKeys = [market.NumAssets]string{"w_cash", "w_bond", "w_equity", "w_commodity"}

// Weights is an integer percent allocation.
type Weights struct {
	Cash      int `json:"w_cash"`
	Bond      int `json:"w_bond"`
	Equity    int `json:"w_equity"`
	Commodity int `json:"w_commodity"`
}

// Array returns the weights in market.AssetOrder.
func (w Weights) Array() [market.NumAssets]int {
	return [market.NumAssets]int{w.Cash, w.Bond, w.Equity, w.Commodity}
}

// Fractions converts percents to decimal fractions for volatility math.
func (w Weights) Fractions() [market.NumAssets]float64 {
	var out [market.NumAssets]float64
	for i, v := range w.Array() {
		out[i] = float64(v) / 100.0
	}
	return out
}

func (w Weights) Sum() int {
	return w.Cash + w.Bond + w.Equity + w.Commodity
}

// RiskAssets is the combined equity and commodity allocation.
func (w Weights) RiskAssets() int {
	return w.Equity + w.Commodity
}

// WellFormed reports whether every component is in [0,100] and the sum is 100.
func (w Weights) WellFormed() bool {
	for _, v := range w.Array() {
		if v < 0 || v > 100 {
			return false
		}
	}
	return w.Sum() == 100
}

func (w Weights) String() string {
	return fmt.Sprintf("%d/%d/%d/%d", w.Cash, w.Bond, w.Equity, w.Commodity)
}

// WeightsFromArray builds Weights from values in market.AssetOrder.
func WeightsFromArray(a [market.NumAssets]int) Weights {
	return Weights{Cash: a[market.Cash], Bond: a[market.Bond], Equity: a[market.Equity], Commodity: a[market.Commodity]}
}
