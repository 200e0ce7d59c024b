package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"

	"dotmarket/internal/chain"
	"dotmarket/internal/config"
	"dotmarket/internal/db"
	"dotmarket/internal/indexer"
	"dotmarket/internal/market"
	"dotmarket/internal/store"
	"dotmarket/internal/worker"
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	pool, err := db.Connect(ctx, cfg.DB.DSN)
	if err != nil {
		log.Fatalf("db connect failed: %v", err)
	}
	defer pool.Close()

	node, err := chain.NewNodeClient(cfg.Chain.WSEndpoints, logger.With("component", "node"))
	if err != nil {
		log.Fatalf("node client failed: %v", err)
	}
	defer node.Close()

	codec, err := buildCodec(ctx, cfg, node)
	if err != nil {
		log.Fatalf("codec setup failed: %v", err)
	}
	keyring, err := chain.NewKeyring(cfg.Market.AccountSeed)
	if err != nil {
		log.Fatalf("keyring failed: %v", err)
	}
	wallet, err := chain.NewWallet(codec, keyring, node)
	if err != nil {
		log.Fatalf("wallet failed: %v", err)
	}

	idx := indexer.New(cfg.Indexer.BaseURL, time.Duration(cfg.Indexer.TimeoutSeconds)*time.Second)
	gateway := chain.NewGateway(node, idx, chain.GatewayConfig{
		FinalityTimeout: time.Duration(cfg.Chain.FinalitySeconds) * time.Second,
		ScanDepth:       cfg.Chain.ScanDepth,
		ScanRetries:     cfg.Chain.ScanRetries,
		RetryInterval:   time.Duration(cfg.Chain.RetrySeconds) * time.Second,
	}, logger.With("component", "gateway"))

	params, err := marketParams(cfg)
	if err != nil {
		log.Fatalf("market params failed: %v", err)
	}
	st := store.New(pool)
	svc := &market.Service{
		Store:    st,
		Gateway:  gateway,
		Wallet:   wallet,
		Balances: idx,
		Codec:    codec,
		Params:   params,
		Log:      logger.With("component", "market"),
	}

	w := &worker.Worker{
		Store:    st,
		Oracle:   idx,
		Relayer:  svc,
		Interval: time.Duration(cfg.Worker.IntervalSeconds) * time.Second,
		Log:      logger.With("component", "worker"),
	}

	logger.Info("worker started", "interval", w.Interval.String())
	w.Run(ctx)
}

func buildCodec(ctx context.Context, cfg *config.Config, node *chain.NodeClient) (*chain.Codec, error) {
	rt := chain.DefaultRuntime()
	rt.SS58Prefix = cfg.Chain.SS58Prefix

	genesis, err := chain.ParseHash(cfg.Chain.GenesisHash)
	if err != nil {
		return nil, err
	}
	rt.GenesisHash = genesis

	rt.SpecVersion = cfg.Chain.SpecVersion
	rt.TxVersion = cfg.Chain.TransactionVersion
	if rt.SpecVersion == 0 || rt.TxVersion == 0 {
		spec, tx, err := node.RuntimeVersion(ctx)
		if err != nil {
			return nil, err
		}
		rt.SpecVersion = spec
		rt.TxVersion = tx
	}
	return &chain.Codec{Runtime: rt, Ticks: cfg.Market.Ticks}, nil
}

func marketParams(cfg *config.Config) (market.Params, error) {
	feeRate, err := decimal.NewFromString(cfg.Market.FeeRate)
	if err != nil {
		return market.Params{}, err
	}
	minPrice, err := decimal.NewFromString(cfg.Market.MinTotalPrice)
	if err != nil {
		return market.Params{}, err
	}
	networkFee := decimal.Zero
	if cfg.Market.NetworkFee != "" {
		if networkFee, err = decimal.NewFromString(cfg.Market.NetworkFee); err != nil {
			return market.Params{}, err
		}
	}
	return market.Params{
		ServiceFeeRate: feeRate,
		MinTotalPrice:  minPrice,
		NetworkFee:     networkFee,
	}, nil
}
