package config

import (
	"errors"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Addr string `yaml:"addr"`
	} `yaml:"server"`
	DB struct {
		DSN string `yaml:"dsn"`
	} `yaml:"db"`
	Chain struct {
		WSEndpoints        []string `yaml:"ws_endpoints"`
		SS58Prefix         uint16   `yaml:"ss58_prefix"`
		GenesisHash        string   `yaml:"genesis_hash"`
		SpecVersion        uint32   `yaml:"spec_version"`
		TransactionVersion uint32   `yaml:"transaction_version"`
		FinalitySeconds    int64    `yaml:"finality_timeout_seconds"`
		ScanDepth          uint64   `yaml:"scan_depth"`
		ScanRetries        int      `yaml:"scan_retries"`
		RetrySeconds       int64    `yaml:"retry_interval_seconds"`
	} `yaml:"chain"`
	Market struct {
		// AccountSeed is the 32-byte hex seed of the escrow account. Only
		// the MARKET_ACCOUNT_SEED env var should set it in production.
		AccountSeed   string            `yaml:"account_seed"`
		FeeRate       string            `yaml:"fee_rate"`
		MinTotalPrice string            `yaml:"min_total_price"`
		NetworkFee    string            `yaml:"network_fee"`
		Ticks         map[string]uint32 `yaml:"ticks"`
	} `yaml:"market"`
	Indexer struct {
		BaseURL        string `yaml:"base_url"`
		TimeoutSeconds int64  `yaml:"timeout_seconds"`
	} `yaml:"indexer"`
	Worker struct {
		IntervalSeconds int64 `yaml:"interval_seconds"`
	} `yaml:"worker"`
}

func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	if path == "" {
		path = "configs/config.yaml"
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	applyEnvOverrides(&cfg)

	if cfg.Server.Addr == "" {
		return nil, errors.New("server.addr is required")
	}
	if cfg.DB.DSN == "" {
		return nil, errors.New("db.dsn is required")
	}
	if len(cfg.Chain.WSEndpoints) == 0 || cfg.Chain.GenesisHash == "" {
		return nil, errors.New("chain config is incomplete")
	}
	if cfg.Market.AccountSeed == "" {
		return nil, errors.New("market.account_seed is required")
	}
	if cfg.Market.FeeRate == "" || cfg.Market.MinTotalPrice == "" {
		return nil, errors.New("market config is incomplete")
	}
	if len(cfg.Market.Ticks) == 0 {
		return nil, errors.New("market.ticks is empty")
	}
	if cfg.Indexer.BaseURL == "" {
		return nil, errors.New("indexer.base_url is required")
	}
	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SERVER_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("DB_DSN"); v != "" {
		cfg.DB.DSN = v
	}
	if v := os.Getenv("WS_ENDPOINTS"); v != "" {
		cfg.Chain.WSEndpoints = splitCommaList(v)
	}
	if v := os.Getenv("SS58_PREFIX"); v != "" {
		cfg.Chain.SS58Prefix = uint16(atoiOr(int(cfg.Chain.SS58Prefix), v))
	}
	if v := os.Getenv("GENESIS_HASH"); v != "" {
		cfg.Chain.GenesisHash = v
	}
	if v := os.Getenv("SPEC_VERSION"); v != "" {
		cfg.Chain.SpecVersion = uint32(atoiOr(int(cfg.Chain.SpecVersion), v))
	}
	if v := os.Getenv("TRANSACTION_VERSION"); v != "" {
		cfg.Chain.TransactionVersion = uint32(atoiOr(int(cfg.Chain.TransactionVersion), v))
	}
	if v := os.Getenv("FINALITY_TIMEOUT_SECONDS"); v != "" {
		cfg.Chain.FinalitySeconds = atoi64Or(cfg.Chain.FinalitySeconds, v)
	}
	if v := os.Getenv("SCAN_DEPTH"); v != "" {
		cfg.Chain.ScanDepth = uint64(atoi64Or(int64(cfg.Chain.ScanDepth), v))
	}
	if v := os.Getenv("SCAN_RETRIES"); v != "" {
		cfg.Chain.ScanRetries = atoiOr(cfg.Chain.ScanRetries, v)
	}
	if v := os.Getenv("RETRY_INTERVAL_SECONDS"); v != "" {
		cfg.Chain.RetrySeconds = atoi64Or(cfg.Chain.RetrySeconds, v)
	}
	if v := os.Getenv("MARKET_ACCOUNT_SEED"); v != "" {
		cfg.Market.AccountSeed = v
	}
	if v := os.Getenv("MARKET_FEE_RATE"); v != "" {
		cfg.Market.FeeRate = v
	}
	if v := os.Getenv("MARKET_MIN_TOTAL_PRICE"); v != "" {
		cfg.Market.MinTotalPrice = v
	}
	if v := os.Getenv("MARKET_NETWORK_FEE"); v != "" {
		cfg.Market.NetworkFee = v
	}
	if v := os.Getenv("INDEXER_BASE_URL"); v != "" {
		cfg.Indexer.BaseURL = v
	}
	if v := os.Getenv("INDEXER_TIMEOUT_SECONDS"); v != "" {
		cfg.Indexer.TimeoutSeconds = atoi64Or(cfg.Indexer.TimeoutSeconds, v)
	}
	if v := os.Getenv("WORKER_INTERVAL_SECONDS"); v != "" {
		cfg.Worker.IntervalSeconds = atoi64Or(cfg.Worker.IntervalSeconds, v)
	}
}

func splitCommaList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}

func atoiOr(fallback int, v string) int {
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func atoi64Or(fallback int64, v string) int64 {
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return i
}
