package domain

// MarketMessageKind distinguishes the two market-data payload classes every
// feed reduces to.
type MarketMessageKind int

const (
	MessageSnapshot MarketMessageKind = iota
	MessageDiff
)

func (k MarketMessageKind) String() string {
	if k == MessageSnapshot {
		return "snapshot"
	}
	return "diff"
}

// RawMarketMessage is an exchange payload on its way to the adapter, still in
// the exchange's wire shape. Payload is owned by the receiver.
type RawMarketMessage struct {
	Exchange    string
	TradingPair string
	Kind        MarketMessageKind
	Payload     []byte
}
