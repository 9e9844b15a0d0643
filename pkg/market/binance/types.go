package market

// Kline is a single candlestick, trimmed to the fields the engine uses.
type Kline struct {
	Symbol    string
	OpenTime  int64 // ms
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
	CloseTime int64 // ms
}

// Ticker holds lightweight price info for streaming.
type Ticker struct {
	Symbol string
	Price  float64
	Time   int64 // event time, ms
}

// LotRule carries the LOT_SIZE filter for one symbol.
type LotRule struct {
	Symbol   string
	MinQty   float64
	StepSize float64
}
