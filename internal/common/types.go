package common

type Side int

const (
	Buy Side = iota
	Sell
)

func (s Side) String() string {
	switch s {
	case Buy:
		return "BUY"
	case Sell:
		return "SELL"
	}
	return "UNKNOWN"
}

// Opposite returns the side a resting counterparty sits on.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

type OrderType int

const (
	// Limit orders are an order to buy or sell a security at a specified
	// price or better. Limit orders may rest on the order book until
	// filled or canceled.
	LimitOrder OrderType = iota
	// Market orders are instructions to buy or sell immediately against
	// whatever liquidity rests in the book. They never rest.
	MarketOrder
)

func (t OrderType) String() string {
	switch t {
	case LimitOrder:
		return "LIMIT"
	case MarketOrder:
		return "MARKET"
	}
	return "UNKNOWN"
}

type Status int

const (
	Pending Status = iota
	Partial
	Executed
	Canceled
)

func (s Status) String() string {
	switch s {
	case Pending:
		return "PENDING"
	case Partial:
		return "PARTIAL"
	case Executed:
		return "EXECUTED"
	case Canceled:
		return "CANCELED"
	}
	return "UNKNOWN"
}

// Terminal reports whether no further fills can happen.
func (s Status) Terminal() bool {
	return s == Executed || s == Canceled
}
