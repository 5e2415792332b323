package indexer

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/orderbook-mirror/pkg/book"
	"github.com/uhyunpark/orderbook-mirror/pkg/event"
)

var (
	ErrForeignMarket = errors.New("event for another market")
	ErrUnpricedOrder = errors.New("partial fill of unknown order without price")
)

// Applier maps decoded events onto Store mutations in arrival order.
type Applier struct {
	market common.Hash
	book   book.Book
}

func NewApplier(market common.Hash, b book.Book) *Applier {
	return &Applier{market: market, book: b}
}

// Apply dispatches ev on its kind. A fill's trade is appended even when the
// order update is rejected; both errors are returned joined.
func (a *Applier) Apply(ev event.RawEvent) error {
	if ev.Market != a.market {
		return fmt.Errorf("%w: %s", ErrForeignMarket, ev.Market.Hex())
	}

	switch ev.Kind {
	case event.Open:
		return a.book.Upsert(book.Order{
			ID:        ev.OrderID,
			User:      ev.User,
			Asset:     ev.Asset,
			Amount:    ev.Amount,
			Price:     ev.Price,
			Timestamp: ev.Timestamp,
			Side:      ev.Side,
			Status:    book.Active,
			Block:     ev.Block,
		})

	case event.PartialFill, event.Fill:
		status := book.PartiallyFilled
		if ev.Kind == event.Fill {
			status = book.Filled
		}
		orderErr := a.fill(ev, status)
		tradeErr := a.book.AppendTrade(book.TradeEvent{
			ID:        ev.OrderID,
			Key:       ev.Key(),
			Price:     ev.TradePrice,
			Size:      ev.TradeSize,
			Timestamp: ev.Timestamp,
			Block:     ev.Block,
		})
		return errors.Join(orderErr, tradeErr)

	case event.Cancel:
		return a.book.Close(ev.OrderID, book.Cancelled, ev.Block)

	default:
		return fmt.Errorf("unhandled event kind %s", ev.Kind)
	}
}

func (a *Applier) fill(ev event.RawEvent, status book.Status) error {
	side, price := ev.Side, ev.Price
	if cur, ok := a.book.Order(ev.OrderID); ok {
		if side == 0 {
			side = cur.Side
		}
		price = cur.Price
	} else if side == 0 {
		return fmt.Errorf("%w: %s", book.ErrUnknownOrder, ev.OrderID)
	} else if status.IsOpen() && !price.IsPositive() {
		// would rest on the book at price 0
		return fmt.Errorf("%w: %s", ErrUnpricedOrder, ev.OrderID)
	}

	return a.book.Upsert(book.Order{
		ID:        ev.OrderID,
		User:      ev.User,
		Asset:     ev.Asset,
		Amount:    ev.Amount,
		Price:     price,
		Timestamp: ev.Timestamp,
		Side:      side,
		Status:    status,
		Block:     ev.Block,
	})
}
