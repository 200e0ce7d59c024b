package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"

	"dotmarket/internal/chain"
	"dotmarket/internal/config"
	"dotmarket/internal/db"
	internalhttp "dotmarket/internal/http"
	"dotmarket/internal/indexer"
	"dotmarket/internal/market"
	"dotmarket/internal/store"
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	ctx := context.Background()
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
	svc := &market.Service{
		Store:    store.New(pool),
		Gateway:  gateway,
		Wallet:   wallet,
		Balances: idx,
		Codec:    codec,
		Params:   params,
		Log:      logger.With("component", "market"),
	}

	h := internalhttp.NewHandler(svc)
	srv := internalhttp.NewServer(h)

	httpServer := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: srv.Router,
	}

	go func() {
		logger.Info("api listening", "addr", cfg.Server.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(ctxShutdown)
}

// buildCodec pins the runtime constants, taking versions from the node when
// the config leaves them zero.
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
