package events

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const supplyABI = `[
	{"anonymous":false,"inputs":[{"indexed":false,"name":"num_buy","type":"uint256[8]"}],"name":"items_bought","type":"event"},
	{"anonymous":false,"inputs":[{"indexed":true,"name":"receipt_number","type":"uint256"},{"indexed":false,"name":"item_id","type":"uint256[]"},{"indexed":false,"name":"prices","type":"uint256[]"}],"name":"items_priced","type":"event"},
	{"anonymous":false,"inputs":[{"indexed":true,"name":"gate","type":"uint8"},{"indexed":true,"name":"pins","type":"uint8"},{"indexed":false,"name":"num_added","type":"uint256"}],"name":"added_products","type":"event"},
	{"anonymous":false,"inputs":[{"indexed":false,"name":"num_defective","type":"uint256[8]"}],"name":"items_defective","type":"event"}
]`

const bridgeABI = `[
	{"anonymous":false,"inputs":[{"indexed":true,"name":"receipt_number","type":"uint256"}],"name":"TransactionCreated","type":"event"},
	{"anonymous":false,"inputs":[{"indexed":true,"name":"receipt_number","type":"uint256"},{"indexed":false,"name":"total","type":"uint256"}],"name":"TransactionUpdated","type":"event"},
	{"anonymous":false,"inputs":[{"indexed":true,"name":"receipt_number","type":"uint256"},{"indexed":false,"name":"total","type":"uint256"}],"name":"SellerOk","type":"event"},
	{"anonymous":false,"inputs":[{"indexed":true,"name":"receipt_number","type":"uint256"},{"indexed":false,"name":"total","type":"uint256"}],"name":"BuyerOk","type":"event"},
	{"anonymous":false,"inputs":[{"indexed":true,"name":"receipt_number","type":"uint256"},{"indexed":false,"name":"total","type":"uint256"}],"name":"PaymentInitiated","type":"event"},
	{"anonymous":false,"inputs":[{"indexed":true,"name":"receipt_number","type":"uint256"},{"indexed":false,"name":"total","type":"uint256"}],"name":"TransactionRefunded","type":"event"}
]`

var testContract = common.HexToAddress("0x1234567890AbcdEF1234567890aBcdef12345678")

func parseABI(t *testing.T, js string) abi.ABI {
	t.Helper()
	parsed, err := abi.JSON(strings.NewReader(js))
	require.NoError(t, err)
	return parsed
}

// packLog builds a types.Log the way the chain would emit it
func packLog(t *testing.T, ev abi.Event, block uint64, indexed []common.Hash, nonIndexed ...interface{}) types.Log {
	t.Helper()

	data, err := ev.Inputs.NonIndexed().Pack(nonIndexed...)
	require.NoError(t, err)

	topics := append([]common.Hash{ev.ID}, indexed...)
	return types.Log{
		Address:     testContract,
		Topics:      topics,
		Data:        data,
		BlockNumber: block,
		TxHash:      common.HexToHash("0xdeadbeef"),
	}
}

func bigArray8(vals ...int64) [8]*big.Int {
	var out [8]*big.Int
	for i := range out {
		out[i] = big.NewInt(0)
	}
	for i, v := range vals {
		out[i] = big.NewInt(v)
	}
	return out
}

func TestDecodeLog_PurchaseRequested(t *testing.T) {
	supply := parseABI(t, supplyABI)
	ev := supply.Events["items_bought"]

	log := packLog(t, ev, 5, nil, bigArray8(1, 0, 0, 2))

	payload, err := decodeLog(KindPurchaseRequested, ev, log)
	require.NoError(t, err)

	pr, ok := payload.(PurchaseRequested)
	require.True(t, ok)
	assert.Equal(t, [8]uint64{1, 0, 0, 2, 0, 0, 0, 0}, pr.Quantities)
}

func TestDecodeLog_ItemsPriced(t *testing.T) {
	supply := parseABI(t, supplyABI)
	ev := supply.Events["items_priced"]

	log := packLog(t, ev, 6,
		[]common.Hash{common.BigToHash(big.NewInt(42))},
		[]*big.Int{big.NewInt(7), big.NewInt(9)},
		[]*big.Int{big.NewInt(500), big.NewInt(250)},
	)

	payload, err := decodeLog(KindItemsPriced, ev, log)
	require.NoError(t, err)

	ip, ok := payload.(ItemsPriced)
	require.True(t, ok)
	assert.Equal(t, uint64(42), ip.Receipt)
	assert.Equal(t, []uint64{7, 9}, ip.ItemIDs)
	assert.Equal(t, []uint64{500, 250}, ip.Prices)
}

func TestDecodeLog_ItemsPriced_CountMismatch(t *testing.T) {
	supply := parseABI(t, supplyABI)
	ev := supply.Events["items_priced"]

	log := packLog(t, ev, 6,
		[]common.Hash{common.BigToHash(big.NewInt(42))},
		[]*big.Int{big.NewInt(7), big.NewInt(9)},
		[]*big.Int{big.NewInt(500)},
	)

	_, err := decodeLog(KindItemsPriced, ev, log)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestDecodeLog_ProductsAdded(t *testing.T) {
	supply := parseABI(t, supplyABI)
	ev := supply.Events["added_products"]

	log := packLog(t, ev, 7,
		[]common.Hash{common.BigToHash(big.NewInt(2)), common.BigToHash(big.NewInt(3))},
		big.NewInt(100),
	)

	payload, err := decodeLog(KindProductsAdded, ev, log)
	require.NoError(t, err)

	pa, ok := payload.(ProductsAdded)
	require.True(t, ok)
	assert.Equal(t, uint8(2), pa.Gate)
	assert.Equal(t, uint8(3), pa.Pins)
	assert.Equal(t, uint64(100), pa.NumAdded)
}

func TestDecodeLog_BridgeEvents(t *testing.T) {
	bridge := parseABI(t, bridgeABI)

	tests := []struct {
		kind  Kind
		event string
	}{
		{KindTransactionUpdated, "TransactionUpdated"},
		{KindSellerConfirmed, "SellerOk"},
		{KindBuyerConfirmed, "BuyerOk"},
		{KindPaymentInitiated, "PaymentInitiated"},
		{KindTransactionRefunded, "TransactionRefunded"},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			ev := bridge.Events[tt.event]
			log := packLog(t, ev, 9,
				[]common.Hash{common.BigToHash(big.NewInt(42))},
				big.NewInt(500),
			)

			payload, err := decodeLog(tt.kind, ev, log)
			require.NoError(t, err)
			assert.Equal(t, tt.kind, payload.payloadKind())
		})
	}
}

func TestDecodeLog_TransactionCreated(t *testing.T) {
	bridge := parseABI(t, bridgeABI)
	ev := bridge.Events["TransactionCreated"]

	log := packLog(t, ev, 9, []common.Hash{common.BigToHash(big.NewInt(42))})

	payload, err := decodeLog(KindTransactionCreated, ev, log)
	require.NoError(t, err)

	tc, ok := payload.(TransactionCreated)
	require.True(t, ok)
	assert.Equal(t, uint64(42), tc.Receipt)
}

func TestDecodeLog_ZeroReceiptRejected(t *testing.T) {
	bridge := parseABI(t, bridgeABI)
	ev := bridge.Events["TransactionCreated"]

	log := packLog(t, ev, 9, []common.Hash{common.BigToHash(big.NewInt(0))})

	_, err := decodeLog(KindTransactionCreated, ev, log)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestDecodeLog_MissingTopics(t *testing.T) {
	bridge := parseABI(t, bridgeABI)
	ev := bridge.Events["SellerOk"]

	log := packLog(t, ev, 9,
		[]common.Hash{common.BigToHash(big.NewInt(42))},
		big.NewInt(500),
	)
	log.Topics = log.Topics[:1] // strip the indexed receipt

	_, err := decodeLog(KindSellerConfirmed, ev, log)
	assert.ErrorIs(t, err, ErrValidation)
}

// ---------------------------------------------------------------------------
// Subscription
// ---------------------------------------------------------------------------

// fakeSource serves canned blocks and logs
type fakeSource struct {
	head     uint64
	headErr  error
	logs     []types.Log
	logsErr  error
	lastFrom uint64
	lastTo   uint64
}

func (f *fakeSource) BlockNumber(context.Context) (uint64, error) {
	return f.head, f.headErr
}

func (f *fakeSource) FilterLogs(_ context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	f.lastFrom = q.FromBlock.Uint64()
	f.lastTo = q.ToBlock.Uint64()
	return f.logs, f.logsErr
}

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func TestSubscribe_FromHead(t *testing.T) {
	source := &fakeSource{head: 100}
	supply := parseABI(t, supplyABI)

	sub, err := Subscribe(context.Background(), source, testContract, supply, KindPurchaseRequested, 0, testLogger())
	require.NoError(t, err)
	assert.Equal(t, uint64(100), sub.Cursor())
}

func TestSubscribe_UnknownEvent(t *testing.T) {
	source := &fakeSource{head: 1}
	bridge := parseABI(t, bridgeABI)

	// Supply-chain kind against the bridge ABI: no such event.
	_, err := Subscribe(context.Background(), source, testContract, bridge, KindPurchaseRequested, 0, testLogger())
	assert.Error(t, err)
}

func TestPoll_NothingNew(t *testing.T) {
	source := &fakeSource{head: 100}
	supply := parseABI(t, supplyABI)

	sub, err := Subscribe(context.Background(), source, testContract, supply, KindPurchaseRequested, 100, testLogger())
	require.NoError(t, err)

	evs, err := sub.Poll(context.Background())
	require.NoError(t, err)
	assert.Empty(t, evs)
	assert.Equal(t, uint64(100), sub.Cursor())
}

func TestPoll_DecodesAndAdvances(t *testing.T) {
	supply := parseABI(t, supplyABI)
	ev := supply.Events["items_bought"]

	source := &fakeSource{
		head: 105,
		logs: []types.Log{
			packLog(t, ev, 101, nil, bigArray8(1)),
			packLog(t, ev, 103, nil, bigArray8(0, 2)),
		},
	}

	sub, err := Subscribe(context.Background(), source, testContract, supply, KindPurchaseRequested, 100, testLogger())
	require.NoError(t, err)

	evs, err := sub.Poll(context.Background())
	require.NoError(t, err)
	require.Len(t, evs, 2)

	// Query window starts one past the cursor
	assert.Equal(t, uint64(101), source.lastFrom)
	assert.Equal(t, uint64(105), source.lastTo)
	assert.Equal(t, uint64(105), sub.Cursor())

	// Ledger log order preserved
	assert.Equal(t, uint64(101), evs[0].Block)
	assert.Equal(t, uint64(103), evs[1].Block)
}

func TestPoll_DropsMalformed(t *testing.T) {
	supply := parseABI(t, supplyABI)
	ev := supply.Events["items_bought"]

	good := packLog(t, ev, 102, nil, bigArray8(1))
	bad := packLog(t, ev, 101, nil, bigArray8(1))
	bad.Data = bad.Data[:8] // truncated payload

	source := &fakeSource{head: 105, logs: []types.Log{bad, good}}

	sub, err := Subscribe(context.Background(), source, testContract, supply, KindPurchaseRequested, 100, testLogger())
	require.NoError(t, err)

	evs, err := sub.Poll(context.Background())
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, uint64(102), evs[0].Block)

	// Cursor still advances past the malformed log
	assert.Equal(t, uint64(105), sub.Cursor())
}

func TestPoll_ErrorKeepsCursor(t *testing.T) {
	supply := parseABI(t, supplyABI)

	source := &fakeSource{head: 105, logsErr: errors.New("connection refused")}

	sub, err := Subscribe(context.Background(), source, testContract, supply, KindPurchaseRequested, 100, testLogger())
	require.NoError(t, err)

	_, err = sub.Poll(context.Background())
	require.Error(t, err)
	assert.Equal(t, uint64(100), sub.Cursor())
}

func TestReset_Rewinds(t *testing.T) {
	supply := parseABI(t, supplyABI)
	source := &fakeSource{head: 50}

	sub, err := Subscribe(context.Background(), source, testContract, supply, KindPurchaseRequested, 0, testLogger())
	require.NoError(t, err)
	require.Equal(t, uint64(50), sub.Cursor())

	sub.Reset(0)
	assert.Equal(t, uint64(0), sub.Cursor())
}

func TestContractEventName(t *testing.T) {
	name, err := ContractEventName(KindSellerConfirmed)
	require.NoError(t, err)
	assert.Equal(t, "SellerOk", name)

	_, err = ContractEventName(Kind("nope"))
	assert.Error(t, err)
}
