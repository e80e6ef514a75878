package golos

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"escrow-service/internal/domain"
)

// rpcClient is a minimal JSON-RPC 2.0 client over a websocket
// connection to a Golos node or cli_wallet. Calls are serialized on
// one connection; the adapter never subscribes, so every read is the
// response to the last write.
type rpcClient struct {
	mu   sync.Mutex
	conn *websocket.Conn
	node string
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      string        `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type rpcResponse struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// dialFirst connects to the first reachable node of the list.
func dialFirst(ctx context.Context, nodes []string) (*rpcClient, error) {
	var lastErr error
	for _, node := range nodes {
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, node, nil)
		if err != nil {
			lastErr = &domain.ConnectionError{Node: node, Err: err}
			continue
		}
		return &rpcClient{conn: conn, node: node}, nil
	}
	if lastErr == nil {
		lastErr = &domain.ConnectionError{Node: "(none configured)", Err: fmt.Errorf("empty node list")}
	}
	return nil, lastErr
}

// call invokes api.method through the node's generic call dispatch
// and decodes the result into out. A nil out discards the result.
func (c *rpcClient) call(ctx context.Context, api, method string, params interface{}, out interface{}) error {
	if params == nil {
		params = []interface{}{}
	}
	return c.send(ctx, rpcRequest{
		JSONRPC: "2.0",
		ID:      uuid.New().String(),
		Method:  "call",
		Params:  []interface{}{api, method, params},
	}, out)
}

// invoke calls a method directly, the framing cli_wallet expects.
func (c *rpcClient) invoke(ctx context.Context, method string, params []interface{}, out interface{}) error {
	return c.send(ctx, rpcRequest{
		JSONRPC: "2.0",
		ID:      uuid.New().String(),
		Method:  method,
		Params:  params,
	}, out)
}

func (c *rpcClient) send(ctx context.Context, req rpcRequest, out interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetWriteDeadline(deadline)
		_ = c.conn.SetReadDeadline(deadline)
	}

	if err := c.conn.WriteJSON(req); err != nil {
		return &domain.ConnectionError{Node: c.node, Err: err}
	}

	var resp rpcResponse
	for {
		if err := c.conn.ReadJSON(&resp); err != nil {
			return &domain.ConnectionError{Node: c.node, Err: err}
		}
		// skip stray frames from earlier timed-out calls
		if resp.ID == req.ID {
			break
		}
	}
	if resp.Error != nil {
		return fmt.Errorf("node %s: %w", c.node, resp.Error)
	}
	if out != nil {
		if err := json.Unmarshal(resp.Result, out); err != nil {
			return fmt.Errorf("failed to decode %s result: %w", req.Method, err)
		}
	}
	return nil
}

func (c *rpcClient) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		_ = c.conn.Close()
	}
}
