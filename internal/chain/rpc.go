package chain

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
)

// NodeClient is a JSON-RPC 2.0 client over websocket to a substrate node.
// One client is constructed at process start and injected wherever chain
// access is needed. Endpoints rotate on connection failure.
type NodeClient struct {
	endpoints []string
	log       *slog.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	index   int
	nextID  uint64
	pending map[uint64]chan rpcResponse
	subs    map[string]chan json.RawMessage
	// early parks notifications that arrive between the subscribe response
	// and the caller registering its channel; the read loop can deliver the
	// first updates before the subscribe call returns.
	early map[string][]json.RawMessage
}

type rpcResponse struct {
	Result json.RawMessage
	Err    error
}

type rpcEnvelope struct {
	ID     *uint64         `json:"id"`
	Result json.RawMessage `json:"result"`
	Method string          `json:"method"`
	Params struct {
		Subscription json.RawMessage `json:"subscription"`
		Result       json.RawMessage `json:"result"`
	} `json:"params"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

var errNodeClosed = errors.New("chain: node connection closed")

// RPCError is an error object returned by the node itself, as opposed to a
// transport fault. A rejected transaction surfaces as one of these.
type RPCError struct {
	Code    int
	Message string
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("chain: rpc error %d: %s", e.Code, e.Message)
}

// NewNodeClient prepares a client for the given websocket endpoints. No
// connection is made until the first call.
func NewNodeClient(endpoints []string, log *slog.Logger) (*NodeClient, error) {
	var list []string
	for _, ep := range endpoints {
		ep = strings.TrimSpace(ep)
		if ep != "" {
			list = append(list, ep)
		}
	}
	if len(list) == 0 {
		return nil, errors.New("chain: ws endpoints is empty")
	}
	return &NodeClient{
		endpoints: list,
		log:       log,
		pending:   map[uint64]chan rpcResponse{},
		subs:      map[string]chan json.RawMessage{},
		early:     map[string][]json.RawMessage{},
	}, nil
}

// Close tears down the current connection, failing all in-flight calls.
func (c *NodeClient) Close() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

func (c *NodeClient) ensureConn(ctx context.Context) (*websocket.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return c.conn, nil
	}

	var lastErr error
	for attempts := 0; attempts < len(c.endpoints); attempts++ {
		ep := c.endpoints[c.index]
		dialer := websocket.Dialer{}
		conn, _, err := dialer.DialContext(ctx, ep, nil)
		if err == nil {
			c.conn = conn
			c.log.Info("node connected", "endpoint", ep)
			go c.readLoop(conn)
			return conn, nil
		}
		lastErr = err
		c.log.Warn("node dial failed", "endpoint", ep, "err", err)
		c.index = (c.index + 1) % len(c.endpoints)
	}
	return nil, fmt.Errorf("chain: all endpoints unreachable: %w", lastErr)
}

func (c *NodeClient) readLoop(conn *websocket.Conn) {
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			c.failAll(conn, err)
			return
		}
		var env rpcEnvelope
		if err := json.Unmarshal(msg, &env); err != nil {
			c.log.Warn("node message unreadable", "err", err)
			continue
		}
		switch {
		case env.ID != nil:
			c.dispatchResponse(env)
		case env.Params.Subscription != nil:
			c.dispatchNotification(env)
		}
	}
}

func (c *NodeClient) dispatchResponse(env rpcEnvelope) {
	c.mu.Lock()
	ch, ok := c.pending[*env.ID]
	delete(c.pending, *env.ID)
	c.mu.Unlock()
	if !ok {
		return
	}
	if env.Error != nil {
		ch <- rpcResponse{Err: &RPCError{Code: env.Error.Code, Message: env.Error.Message}}
		return
	}
	ch <- rpcResponse{Result: env.Result}
}

func (c *NodeClient) dispatchNotification(env rpcEnvelope) {
	key := subscriptionKey(env.Params.Subscription)
	// The send stays under the lock so an unsubscribe cannot close the
	// channel out from under it.
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.subs[key]
	if !ok {
		if len(c.early[key]) < 8 {
			c.early[key] = append(c.early[key], env.Params.Result)
		}
		return
	}
	select {
	case ch <- env.Params.Result:
	default:
		// Slow consumer; drop rather than stall the read loop.
	}
}

// registerSub installs the channel for a subscription id and replays any
// notifications that beat the registration.
func (c *NodeClient) registerSub(key string) chan json.RawMessage {
	ch := make(chan json.RawMessage, 8)
	c.mu.Lock()
	for _, msg := range c.early[key] {
		ch <- msg
	}
	delete(c.early, key)
	c.subs[key] = ch
	c.mu.Unlock()
	return ch
}

func (c *NodeClient) failAll(conn *websocket.Conn, err error) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
		c.index = (c.index + 1) % len(c.endpoints)
	}
	pending := c.pending
	subs := c.subs
	c.pending = map[uint64]chan rpcResponse{}
	c.subs = map[string]chan json.RawMessage{}
	c.early = map[string][]json.RawMessage{}
	c.mu.Unlock()

	for _, ch := range pending {
		ch <- rpcResponse{Err: fmt.Errorf("%w: %v", errNodeClosed, err)}
	}
	for _, ch := range subs {
		close(ch)
	}
	_ = conn.Close()
}

// Call performs a request/response RPC and unmarshals the result into out.
func (c *NodeClient) Call(ctx context.Context, method string, params []any, out any) error {
	raw, err := c.call(ctx, method, params)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(raw, out)
}

func (c *NodeClient) call(ctx context.Context, method string, params []any) (json.RawMessage, error) {
	conn, err := c.ensureConn(ctx)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.nextID++
	id := c.nextID
	ch := make(chan rpcResponse, 1)
	c.pending[id] = ch
	writeErr := conn.WriteJSON(map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"method":  method,
		"params":  params,
	})
	if writeErr != nil {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if writeErr != nil {
		return nil, writeErr
	}

	select {
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, ctx.Err()
	case resp := <-ch:
		return resp.Result, resp.Err
	}
}

// SubmissionUpdate is one author_extrinsicUpdate notification.
type SubmissionUpdate struct {
	Kind  string // ready, broadcast, inBlock, finalized, dropped, invalid, ...
	Block string // set for inBlock/finalized/retracted
}

// SubmitAndWatch submits a signed extrinsic and streams status updates until
// the subscription ends or stop is called. The channel closes if the
// connection drops.
func (c *NodeClient) SubmitAndWatch(ctx context.Context, ext []byte) (<-chan SubmissionUpdate, func(), error) {
	raw, err := c.call(ctx, "author_submitAndWatchExtrinsic", []any{hexEncode(ext)})
	if err != nil {
		return nil, nil, err
	}
	key := subscriptionKey(raw)
	notify := c.registerSub(key)

	updates := make(chan SubmissionUpdate, 8)
	go func() {
		defer close(updates)
		for msg := range notify {
			updates <- parseSubmissionUpdate(msg)
		}
	}()

	stop := func() {
		c.mu.Lock()
		ch, ok := c.subs[key]
		delete(c.subs, key)
		delete(c.early, key)
		c.mu.Unlock()
		if ok {
			close(ch)
		}
		var id json.RawMessage
		if err := json.Unmarshal(raw, &id); err == nil {
			_ = c.Call(context.Background(), "author_unwatchExtrinsic", []any{id}, nil)
		}
	}
	return updates, stop, nil
}

func parseSubmissionUpdate(msg json.RawMessage) SubmissionUpdate {
	var kind string
	if err := json.Unmarshal(msg, &kind); err == nil {
		return SubmissionUpdate{Kind: kind}
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(msg, &obj); err != nil {
		return SubmissionUpdate{Kind: "unknown"}
	}
	for kind, val := range obj {
		var block string
		_ = json.Unmarshal(val, &block)
		return SubmissionUpdate{Kind: kind, Block: block}
	}
	return SubmissionUpdate{Kind: "unknown"}
}

// FinalizedHead returns the hash of the latest finalized block.
func (c *NodeClient) FinalizedHead(ctx context.Context) (string, error) {
	var hash string
	err := c.Call(ctx, "chain_getFinalizedHead", nil, &hash)
	return hash, err
}

// HeaderNumber returns the block number for a block hash.
func (c *NodeClient) HeaderNumber(ctx context.Context, hash string) (uint64, error) {
	var header struct {
		Number string `json:"number"`
	}
	if err := c.Call(ctx, "chain_getHeader", []any{hash}, &header); err != nil {
		return 0, err
	}
	return parseHexUint(header.Number)
}

// BlockHash returns the canonical hash at a height.
func (c *NodeClient) BlockHash(ctx context.Context, number uint64) (string, error) {
	var hash string
	err := c.Call(ctx, "chain_getBlockHash", []any{number}, &hash)
	return hash, err
}

// BlockExtrinsicHashes returns the hash of every extrinsic in a block.
func (c *NodeClient) BlockExtrinsicHashes(ctx context.Context, hash string) ([]string, error) {
	var block struct {
		Block struct {
			Extrinsics []string `json:"extrinsics"`
		} `json:"block"`
	}
	if err := c.Call(ctx, "chain_getBlock", []any{hash}, &block); err != nil {
		return nil, err
	}
	out := make([]string, 0, len(block.Block.Extrinsics))
	for _, extHex := range block.Block.Extrinsics {
		raw, err := hexDecode(extHex)
		if err != nil {
			return nil, err
		}
		out = append(out, ExtrinsicHash(raw))
	}
	return out, nil
}

// RuntimeVersion returns the node's spec and transaction versions.
func (c *NodeClient) RuntimeVersion(ctx context.Context) (uint32, uint32, error) {
	var rv struct {
		SpecVersion        uint32 `json:"specVersion"`
		TransactionVersion uint32 `json:"transactionVersion"`
	}
	if err := c.Call(ctx, "state_getRuntimeVersion", nil, &rv); err != nil {
		return 0, 0, err
	}
	return rv.SpecVersion, rv.TransactionVersion, nil
}

// GenesisHash returns the chain's genesis block hash.
func (c *NodeClient) GenesisHash(ctx context.Context) (string, error) {
	var hash string
	err := c.Call(ctx, "chain_getBlockHash", []any{0}, &hash)
	return hash, err
}

// AccountNextIndex returns the next nonce for an account, including pending
// pool transactions.
func (c *NodeClient) AccountNextIndex(ctx context.Context, addr string) (uint64, error) {
	var nonce uint64
	err := c.Call(ctx, "system_accountNextIndex", []any{addr}, &nonce)
	return nonce, err
}

func subscriptionKey(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

func hexEncode(b []byte) string {
	return "0x" + hex.EncodeToString(b)
}

func hexDecode(s string) ([]byte, error) {
	return hex.DecodeString(strings.TrimPrefix(s, "0x"))
}

func parseHexUint(s string) (uint64, error) {
	return strconv.ParseUint(strings.TrimPrefix(s, "0x"), 16, 64)
}
