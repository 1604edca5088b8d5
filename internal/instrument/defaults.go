package instrument

import "propcore/pkg/types"

// Defaults is the built-in contract set. The store overlays rows on top of
// these, so a fresh deployment trades sensibly before any instrument has
// been provisioned. Crypto pairs run around the clock and quote in USD
// terms; XAUUSD settles in rupees through the USDINR mark and keeps the
// spot-desk break; USDINR trades the onshore FX window.
func Defaults() []types.Instrument {
	always := types.TradingHours{} // StartHour == EndHour: open 24h

	return []types.Instrument{
		{
			Symbol:      "BTCUSD",
			Name:        "Bitcoin",
			PriceKey:    "btcusdt",
			TickValue:   1,
			Spread:      5,
			Commission:  50,
			MinQty:      0.01,
			QtyStep:     0.01,
			MaxLots:     map[types.Tier]float64{types.TierEvaluation: 5, types.TierFunded: 10},
			MaxSlippage: 5,
			Hours:       always,
			Active:      true,
			Aliases:     []string{"BTC", "XBT", "BTCINR"},
		},
		{
			Symbol:      "ETHUSD",
			Name:        "Ethereum",
			PriceKey:    "ethusdt",
			TickValue:   1,
			Spread:      0.5,
			Commission:  20,
			MinQty:      0.1,
			QtyStep:     0.1,
			MaxLots:     map[types.Tier]float64{types.TierEvaluation: 25, types.TierFunded: 50},
			MaxSlippage: 2,
			Hours:       always,
			Active:      true,
			Aliases:     []string{"ETH", "ETHINR"},
		},
		{
			Symbol:     "SOLUSD",
			Name:       "Solana",
			PriceKey:   "solusdt",
			TickValue:  1,
			Spread:     0.05,
			Commission: 5,
			MinQty:     1,
			QtyStep:    1,
			MaxLots:    map[types.Tier]float64{types.TierEvaluation: 250, types.TierFunded: 500},
			Hours:      always,
			Active:     true,
			Aliases:    []string{"SOL"},
		},
		{
			Symbol:     "XRPUSD",
			Name:       "Ripple",
			PriceKey:   "xrpusdt",
			TickValue:  1,
			Spread:     0.001,
			Commission: 1,
			MinQty:     10,
			QtyStep:    10,
			MaxLots:    map[types.Tier]float64{types.TierEvaluation: 5000, types.TierFunded: 10000},
			Hours:      always,
			Active:     true,
			Aliases:    []string{"XRP"},
		},
		{
			Symbol:       "XAUUSD",
			Name:         "Gold Spot",
			PriceKey:     "paxgusdt",
			TickValue:    1,
			Spread:       0.8,
			Commission:   30,
			MinQty:       0.1,
			QtyStep:      0.1,
			MaxLots:      map[types.Tier]float64{types.TierEvaluation: 10, types.TierFunded: 20},
			ConvertToINR: true,
			// Daily break 04:00-05:00 IST; the window wraps midnight.
			Hours:   types.TradingHours{StartHour: 5, EndHour: 4, Zone: "Asia/Kolkata"},
			Active:  true,
			Aliases: []string{"GOLD", "XAU", "PAXG"},
		},
		{
			Symbol:     "USDINR",
			Name:       "US Dollar / Indian Rupee",
			PriceKey:   "usdtinr",
			TickValue:  1,
			Spread:     0.02,
			Commission: 1,
			MinQty:     100,
			QtyStep:    100,
			MaxLots:    map[types.Tier]float64{types.TierEvaluation: 10000, types.TierFunded: 20000},
			Hours:      types.TradingHours{StartHour: 9, EndHour: 17, Zone: "Asia/Kolkata"},
			Active:     true,
			Aliases:    []string{"INR", "USDTINR"},
		},
	}
}
