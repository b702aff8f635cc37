// Package account tracks positions and profit-and-loss from fills.
//
// The position math lives in Apply, a pure function shared by the live
// accountant, the strategies' shadow books, the risk gate, and the
// backtester, so every layer agrees on entry prices and realized P&L.
// Accountant wraps it in a single-writer goroutine that also persists
// through a TradeStore.
package account

import (
	"github.com/shopspring/decimal"

	"binance-trader/pkg/types"
)

// Apply folds one fill into a position and returns the updated position and
// the realized P&L delta (fees excluded).
//
// For signed size s and signed fill delta d (BUY +qty, SELL −qty):
//   - flat or same sign: volume-weighted entry, nothing realized
//   - opposite sign: r = min(|s|, |d|) closes at (price − entry)·r·sign(s)
//   - crossing zero: the residual opens at the fill price
func Apply(p types.Position, f types.Fill) (types.Position, decimal.Decimal) {
	delta := f.Qty.Mul(f.Side.Sign())
	var realized decimal.Decimal

	switch {
	case p.Size.IsZero():
		p.Size = delta
		p.EntryPrice = f.Price

	case p.Size.Sign() == delta.Sign():
		oldAbs := p.Size.Abs()
		addAbs := delta.Abs()
		p.EntryPrice = p.EntryPrice.Mul(oldAbs).Add(f.Price.Mul(addAbs)).Div(oldAbs.Add(addAbs))
		p.Size = p.Size.Add(delta)

	default:
		sgn := p.Size.Sign()
		closeQty := decimal.Min(p.Size.Abs(), delta.Abs())
		perUnit := f.Price.Sub(p.EntryPrice)
		if sgn < 0 {
			perUnit = perUnit.Neg()
		}
		realized = perUnit.Mul(closeQty)

		p.Size = p.Size.Add(delta)
		switch {
		case p.Size.IsZero():
			p.EntryPrice = decimal.Decimal{}
		case p.Size.Sign() != sgn:
			p.EntryPrice = f.Price
		}
	}

	p.Symbol = f.Symbol
	p.RealizedPnl = p.RealizedPnl.Add(realized)
	p.UpdatedAt = f.Timestamp
	return p, realized
}

// MarkToMarket refreshes MarkPrice and UnrealizedPnl against a new price.
func MarkToMarket(p types.Position, mark decimal.Decimal) types.Position {
	p.MarkPrice = mark
	if p.Size.IsZero() {
		p.UnrealizedPnl = decimal.Decimal{}
		return p
	}
	p.UnrealizedPnl = mark.Sub(p.EntryPrice).Mul(p.Size)
	return p
}
