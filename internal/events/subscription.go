package events

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/mbd888/btcbridge/internal/metrics"
)

// LogSource supplies chain head and log queries for one ledger.
// *ledger.Client satisfies it.
type LogSource interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
}

// Subscription is a cursor-based poller over one (ledger, event kind) pair.
// The cursor advances monotonically; it only rewinds on an explicit Reset.
type Subscription struct {
	source   LogSource
	contract common.Address
	event    abi.Event
	kind     Kind
	logger   *slog.Logger

	lastBlock uint64
}

// Subscribe creates a poller for kind starting after fromBlock.
// fromBlock 0 means "from the current chain head" (only new events).
func Subscribe(ctx context.Context, source LogSource, contract common.Address, contractABI abi.ABI, kind Kind, fromBlock uint64, logger *slog.Logger) (*Subscription, error) {
	name, err := ContractEventName(kind)
	if err != nil {
		return nil, err
	}
	ev, ok := contractABI.Events[name]
	if !ok {
		return nil, fmt.Errorf("events: contract has no event %q for kind %s", name, kind)
	}

	if fromBlock == 0 {
		head, err := source.BlockNumber(ctx)
		if err != nil {
			return nil, fmt.Errorf("events: failed to get chain head: %w", err)
		}
		fromBlock = head
	}

	return &Subscription{
		source:    source,
		contract:  contract,
		event:     ev,
		kind:      kind,
		logger:    logger,
		lastBlock: fromBlock,
	}, nil
}

// Kind returns the event kind this subscription observes
func (s *Subscription) Kind() Kind {
	return s.kind
}

// Cursor returns the last-seen block boundary
func (s *Subscription) Cursor() uint64 {
	return s.lastBlock
}

// Reset rewinds the cursor for explicit resubscription (0 = genesis)
func (s *Subscription) Reset(fromBlock uint64) {
	s.lastBlock = fromBlock
}

// Poll returns the ordered sequence of newly observed events since the last
// poll. Malformed payloads are logged, counted, and dropped; they never fail
// the poll. A returned error means the ledger could not be reached and the
// cursor did not advance.
func (s *Subscription) Poll(ctx context.Context) ([]Event, error) {
	current, err := s.source.BlockNumber(ctx)
	if err != nil {
		return nil, err
	}

	// Nothing new
	if current <= s.lastBlock {
		return nil, nil
	}

	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(s.lastBlock + 1),
		ToBlock:   new(big.Int).SetUint64(current),
		Addresses: []common.Address{s.contract},
		Topics:    [][]common.Hash{{s.event.ID}},
	}

	logs, err := s.source.FilterLogs(ctx, query)
	if err != nil {
		return nil, err
	}

	out := make([]Event, 0, len(logs))
	for _, l := range logs {
		payload, err := decodeLog(s.kind, s.event, l)
		if err != nil {
			metrics.EventsMalformedTotal.WithLabelValues(string(s.kind)).Inc()
			s.logger.Warn("discarding malformed event",
				"event", s.kind,
				"tx", l.TxHash.Hex(),
				"error", err,
			)
			continue
		}
		out = append(out, Event{
			Kind:    s.kind,
			Block:   l.BlockNumber,
			TxHash:  l.TxHash,
			Payload: payload,
		})
	}

	s.lastBlock = current
	return out, nil
}
