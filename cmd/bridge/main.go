// btcbridge - event-driven escrow reconciliation across a supply-chain
// ledger, a transaction-bridge ledger, and a Bitcoin-testnet payment rail
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/mbd888/btcbridge/internal/basket"
	"github.com/mbd888/btcbridge/internal/config"
	"github.com/mbd888/btcbridge/internal/dispatch"
	"github.com/mbd888/btcbridge/internal/escrow"
	"github.com/mbd888/btcbridge/internal/events"
	"github.com/mbd888/btcbridge/internal/ledger"
	"github.com/mbd888/btcbridge/internal/logging"
	"github.com/mbd888/btcbridge/internal/metrics"
	"github.com/mbd888/btcbridge/internal/payrail"
	"github.com/mbd888/btcbridge/internal/server"
	"github.com/mbd888/btcbridge/internal/supply"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var supplyKinds = []events.Kind{
	events.KindPurchaseRequested,
	events.KindItemsPriced,
	events.KindProductsAdded,
	events.KindItemsDefective,
}

var bridgeKinds = []events.Kind{
	events.KindTransactionCreated,
	events.KindTransactionUpdated,
	events.KindSellerConfirmed,
	events.KindBuyerConfirmed,
	events.KindPaymentInitiated,
	events.KindTransactionRefunded,
}

func main() {
	logger := logging.New("info", "text")

	logger.Info("starting btcbridge",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger = logging.New(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	logger.Info("configuration loaded",
		"env", cfg.Env,
		"supply_rpc", cfg.SupplyRPCURL,
		"bridge_rpc", cfg.BridgeRPCURL,
		"rail_currency", cfg.RailCurrency,
		"poll_interval", cfg.PollInterval,
	)

	if err := run(cfg, logger); err != nil {
		logger.Error("daemon error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// One ledger session per chain, each bound to its deployed contract.
	supplyInfo, err := ledger.LoadContractInfo(cfg.SupplyContractInfo)
	if err != nil {
		return err
	}
	bridgeInfo, err := ledger.LoadContractInfo(cfg.BridgeContractInfo)
	if err != nil {
		return err
	}

	supplyLedger, err := ledger.Connect(ledger.Config{
		RPCURL:     cfg.SupplyRPCURL,
		PrivateKey: cfg.PrivateKey,
		ChainID:    cfg.SupplyChainID,
	}, supplyInfo)
	if err != nil {
		return fmt.Errorf("supply ledger: %w", err)
	}
	defer supplyLedger.Close()

	bridgeLedger, err := ledger.Connect(ledger.Config{
		RPCURL:     cfg.BridgeRPCURL,
		PrivateKey: cfg.PrivateKey,
		ChainID:    cfg.BridgeChainID,
	}, bridgeInfo)
	if err != nil {
		return fmt.Errorf("bridge ledger: %w", err)
	}
	defer bridgeLedger.Close()

	logger.Info("ledger sessions open",
		"signer", supplyLedger.Address(),
		"supply_contract", supplyInfo.Address.Hex(),
		"bridge_contract", bridgeInfo.Address.Hex(),
	)

	// Rail accounts for the two parties, from the two-line wallet record.
	buyerKey, sellerKey, err := payrail.LoadWalletInfo(cfg.WalletInfo)
	if err != nil {
		return err
	}
	buyer, err := payrail.NewHTTPAccount(ctx, cfg.RailAPIURL, buyerKey)
	if err != nil {
		return fmt.Errorf("buyer account: %w", err)
	}
	seller, err := payrail.NewHTTPAccount(ctx, cfg.RailAPIURL, sellerKey)
	if err != nil {
		return fmt.Errorf("seller account: %w", err)
	}
	rail, err := payrail.New(buyer, seller, cfg.RailCurrency, logger)
	if err != nil {
		return err
	}
	logger.Info("rail accounts resolved", "buyer", buyer.Address(), "seller", seller.Address())

	store := basket.NewMemoryStore()
	catalog := supply.NewCatalog(supplyLedger, logger)
	orch := escrow.New(store, catalog, bridgeLedger, rail, logger, escrow.Config{})

	// One subscription per (ledger, event kind), all from the current head.
	subs := make([]dispatch.Poller, 0, len(supplyKinds)+len(bridgeKinds))
	for _, kind := range supplyKinds {
		sub, err := events.Subscribe(ctx, supplyLedger, supplyInfo.Address, supplyInfo.ABI, kind, 0, logger)
		if err != nil {
			return err
		}
		subs = append(subs, sub)
	}
	for _, kind := range bridgeKinds {
		sub, err := events.Subscribe(ctx, bridgeLedger, bridgeInfo.Address, bridgeInfo.ABI, kind, 0, logger)
		if err != nil {
			return err
		}
		subs = append(subs, sub)
	}

	go metrics.StartRuntimeCollector(ctx, 15*time.Second)

	dispatcher := dispatch.New(orch.Handle, cfg.PollInterval, cfg.MaxInflight, logger)
	dispatchDone := make(chan struct{})
	go func() {
		dispatcher.Run(ctx, subs...)
		close(dispatchDone)
	}()

	// The ops server owns signal handling; when it returns we stop
	// polling and wait for in-flight handler units to drain.
	srv := server.New(cfg, store, orch, rail, logger)
	srvErr := srv.Run(ctx)

	cancel()
	<-dispatchDone
	logger.Info("dispatcher drained, exiting")

	return srvErr
}
