package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// DispatchResult is the extrinsic-status oracle's view of a transaction.
type DispatchResult struct {
	Finalized bool
	Success   bool
	// Error carries the module error as "section.name", or the raw dispatch
	// error, when Success is false.
	Error string
}

// StatusOracle resolves the dispatch verdict of a finalized extrinsic. The
// on-node system events are not decoded here; the oracle is the authority
// for success/failure once inclusion is proven.
type StatusOracle interface {
	ExtrinsicStatus(ctx context.Context, hash string) (DispatchResult, error)
}

// Node is the subset of the node client the gateway needs.
type Node interface {
	SubmitAndWatch(ctx context.Context, ext []byte) (<-chan SubmissionUpdate, func(), error)
	FinalizedHead(ctx context.Context) (string, error)
	HeaderNumber(ctx context.Context, hash string) (uint64, error)
	BlockHash(ctx context.Context, number uint64) (string, error)
	BlockExtrinsicHashes(ctx context.Context, hash string) ([]string, error)
}

// GatewayConfig bounds the finality wait and the fallback scan.
type GatewayConfig struct {
	// FinalityTimeout is how long the primary watch runs before the
	// historical block scan starts racing it.
	FinalityTimeout time.Duration
	// ScanDepth is how many finalized blocks the fallback walks backward.
	ScanDepth uint64
	// ScanRetries bounds fallback scan attempts and verdict queries.
	ScanRetries int
	// RetryInterval separates scan attempts and verdict queries.
	RetryInterval time.Duration
}

// Gateway submits signed extrinsics and produces exactly one definitive
// outcome per call: empty reason = success, non-empty reason = the chain
// rejected the transaction, error = the outcome could not be determined.
type Gateway struct {
	node   Node
	status StatusOracle
	cfg    GatewayConfig
	log    *slog.Logger
}

// ErrOutcomeUnknown marks a submission whose result neither the watch nor
// any fallback could determine in time. Callers must not treat the
// transaction as failed; the order stays in its pre-terminal chain status.
var ErrOutcomeUnknown = errors.New("chain: submission outcome unknown")

type submitOutcome struct {
	included bool
	reason   string
	err      error
}

func (o submitOutcome) definitive() bool {
	return o.included || o.reason != ""
}

func NewGateway(node Node, status StatusOracle, cfg GatewayConfig, log *slog.Logger) *Gateway {
	if cfg.FinalityTimeout <= 0 {
		cfg.FinalityTimeout = 60 * time.Second
	}
	if cfg.ScanDepth == 0 {
		cfg.ScanDepth = 20
	}
	if cfg.ScanRetries <= 0 {
		cfg.ScanRetries = 10
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 6 * time.Second
	}
	return &Gateway{node: node, status: status, cfg: cfg, log: log}
}

// Submit sends a signed extrinsic and waits for a definitive outcome. The
// primary finality watch races a historical block scan that starts after the
// finality timeout; whichever resolves first wins and the loser's result is
// discarded.
func (g *Gateway) Submit(ctx context.Context, ext *SignedExtrinsic) (string, error) {
	log := g.log.With("hash", ext.Hash, "submission", uuid.NewString())

	raceCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	outcomes := make(chan submitOutcome, 2)
	go func() { outcomes <- g.watch(raceCtx, ext, log) }()
	go func() { outcomes <- g.fallbackScan(raceCtx, ext.Hash, log) }()

	// Hard ceiling on the whole race: the finality wait plus the fallback
	// retry budget, with headroom for the scan calls themselves. A watch
	// subscription that never reports must not block settlement forever.
	limit := g.cfg.FinalityTimeout + 2*time.Duration(g.cfg.ScanRetries)*g.cfg.RetryInterval
	deadline := time.NewTimer(limit)
	defer deadline.Stop()

	var errs []error
	for i := 0; i < 2; i++ {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-deadline.C:
			log.Error("submission unresolved at deadline", "limit", limit.String())
			return "", fmt.Errorf("%w: no outcome within %s", ErrOutcomeUnknown, limit)
		case out := <-outcomes:
			if out.definitive() {
				if out.reason != "" {
					log.Warn("submission rejected", "reason", out.reason)
					return out.reason, nil
				}
				return g.resolveVerdict(ctx, ext.Hash, log)
			}
			if out.err != nil {
				errs = append(errs, out.err)
			}
		}
	}
	return "", fmt.Errorf("%w: %v", ErrOutcomeUnknown, errors.Join(errs...))
}

// watch is the primary path: submit, subscribe, wait for finality.
func (g *Gateway) watch(ctx context.Context, ext *SignedExtrinsic, log *slog.Logger) submitOutcome {
	updates, stop, err := g.node.SubmitAndWatch(ctx, ext.Bytes)
	if err != nil {
		var rpcErr *RPCError
		if errors.As(err, &rpcErr) {
			// The node itself refused the transaction.
			return submitOutcome{reason: rpcErr.Message}
		}
		return submitOutcome{err: err}
	}
	defer stop()

	for {
		select {
		case <-ctx.Done():
			return submitOutcome{err: ctx.Err()}
		case update, ok := <-updates:
			if !ok {
				// Connection dropped; the fallback scan takes over.
				return submitOutcome{err: errNodeClosed}
			}
			switch update.Kind {
			case "finalized":
				log.Info("extrinsic finalized", "block", update.Block)
				return submitOutcome{included: true}
			case "dropped", "invalid", "usurped":
				return submitOutcome{reason: "transaction " + update.Kind}
			case "finalityTimeout":
				// In a block that has not finalized yet; the block scan or
				// the indeterminate path decides, never a rejection.
				return submitOutcome{err: errors.New("finality timeout on watch")}
			}
		}
	}
}

// fallbackScan waits out the finality timeout, then repeatedly walks recent
// finalized blocks looking for the extrinsic hash.
func (g *Gateway) fallbackScan(ctx context.Context, hash string, log *slog.Logger) submitOutcome {
	timer := time.NewTimer(g.cfg.FinalityTimeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return submitOutcome{err: ctx.Err()}
	case <-timer.C:
	}

	var lastErr error
	for attempt := 0; attempt < g.cfg.ScanRetries; attempt++ {
		found, err := g.scanRecentBlocks(ctx, hash)
		if err != nil {
			lastErr = err
			log.Warn("fallback scan attempt failed", "attempt", attempt, "err", err)
		} else if found {
			log.Info("extrinsic recovered by block scan", "attempt", attempt)
			return submitOutcome{included: true}
		}
		select {
		case <-ctx.Done():
			return submitOutcome{err: ctx.Err()}
		case <-time.After(g.cfg.RetryInterval):
		}
	}
	if lastErr == nil {
		lastErr = errors.New("extrinsic not found in recent finalized blocks")
	}
	return submitOutcome{err: lastErr}
}

func (g *Gateway) scanRecentBlocks(ctx context.Context, hash string) (bool, error) {
	head, err := g.node.FinalizedHead(ctx)
	if err != nil {
		return false, err
	}
	number, err := g.node.HeaderNumber(ctx, head)
	if err != nil {
		return false, err
	}

	blockHash := head
	for i := uint64(0); i < g.cfg.ScanDepth; i++ {
		if i > 0 {
			if number < i {
				return false, nil
			}
			blockHash, err = g.node.BlockHash(ctx, number-i)
			if err != nil {
				return false, err
			}
		}
		hashes, err := g.node.BlockExtrinsicHashes(ctx, blockHash)
		if err != nil {
			return false, err
		}
		for _, h := range hashes {
			if h == hash {
				return true, nil
			}
		}
	}
	return false, nil
}

// resolveVerdict asks the status oracle whether the now-finalized extrinsic
// dispatched successfully. Module errors come back as "section.name".
func (g *Gateway) resolveVerdict(ctx context.Context, hash string, log *slog.Logger) (string, error) {
	var lastErr error
	for attempt := 0; attempt < g.cfg.ScanRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(g.cfg.RetryInterval):
			}
		}
		st, err := g.status.ExtrinsicStatus(ctx, hash)
		if err != nil {
			lastErr = err
			continue
		}
		if !st.Finalized {
			lastErr = errors.New("status oracle has not observed the extrinsic")
			continue
		}
		if st.Success {
			return "", nil
		}
		if st.Error != "" {
			return st.Error, nil
		}
		return "dispatch failed", nil
	}
	log.Error("dispatch verdict unresolved", "err", lastErr)
	return "", fmt.Errorf("%w: %v", ErrOutcomeUnknown, lastErr)
}
