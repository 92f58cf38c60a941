package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/btcutil"
)

// DefaultTimeout bounds a single RPC round trip when none is configured.
const DefaultTimeout = 30 * time.Second

// JSONRPCBackend implements Backend against a Bitcoin Core node.
type JSONRPCBackend struct {
	rpcURL     string
	walletURL  string
	rpcUser    string
	rpcPass    string
	timeout    time.Duration
	httpClient *http.Client
	requestID  atomic.Uint64
}

// NewJSONRPCBackend creates a new Bitcoin Core client.
func NewJSONRPCBackend(cfg Config) *JSONRPCBackend {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	base := strings.TrimSuffix(cfg.URL, "/")
	walletURL := base
	if cfg.Wallet != "" {
		walletURL = base + "/wallet/" + url.PathEscape(cfg.Wallet)
	}

	return &JSONRPCBackend{
		rpcURL:    base,
		walletURL: walletURL,
		rpcUser:   cfg.User,
		rpcPass:   cfg.Pass,
		timeout:   timeout,
		httpClient: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        10,
				IdleConnTimeout:     90 * time.Second,
				MaxIdleConnsPerHost: 10,
			},
		},
	}
}

// GetNetworkInfo returns node version and relay fee.
func (j *JSONRPCBackend) GetNetworkInfo(ctx context.Context) (*NetworkInfo, error) {
	var info NetworkInfo
	if err := j.call(ctx, j.rpcURL, "getnetworkinfo", nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// EstimateSmartFee asks for a fee rate targeting confTarget blocks.
// A node-side error object is returned as *RPCError.
func (j *JSONRPCBackend) EstimateSmartFee(ctx context.Context, confTarget int) (*SmartFee, error) {
	var fee SmartFee
	if err := j.call(ctx, j.rpcURL, "estimatesmartfee", []interface{}{confTarget}, &fee); err != nil {
		return nil, err
	}
	return &fee, nil
}

// ScanUTXOs uses scantxoutset for address-based UTXO lookup.
// scantxoutset walks the whole UTXO set; only one scan may run at a time
// on a node.
func (j *JSONRPCBackend) ScanUTXOs(ctx context.Context, address string) ([]UTXO, error) {
	var scan struct {
		Success bool  `json:"success"`
		Height  int64 `json:"height"`
		Unspent []struct {
			TxID         string  `json:"txid"`
			Vout         uint32  `json:"vout"`
			ScriptPubKey string  `json:"scriptPubKey"`
			Amount       float64 `json:"amount"`
			Coinbase     bool    `json:"coinbase"`
			Height       int64   `json:"height"`
		} `json:"unspents"`
	}

	params := []interface{}{"start", []string{"addr(" + address + ")"}}
	if err := j.call(ctx, j.rpcURL, "scantxoutset", params, &scan); err != nil {
		return nil, fmt.Errorf("scantxoutset: %w", err)
	}
	if !scan.Success {
		return nil, fmt.Errorf("%w: scantxoutset did not complete", ErrInvalidResponse)
	}

	utxos := make([]UTXO, 0, len(scan.Unspent))
	for _, u := range scan.Unspent {
		amount, err := btcutil.NewAmount(u.Amount)
		if err != nil || amount <= 0 {
			return nil, fmt.Errorf("%w: bad amount %v for %s:%d", ErrInvalidResponse, u.Amount, u.TxID, u.Vout)
		}
		utxos = append(utxos, UTXO{
			TxID:         u.TxID,
			Vout:         u.Vout,
			Amount:       uint64(amount),
			ScriptPubKey: u.ScriptPubKey,
			BlockHeight:  u.Height,
			Coinbase:     u.Coinbase,
		})
	}

	return utxos, nil
}

// GetBlockCount returns the height of the node's best chain.
func (j *JSONRPCBackend) GetBlockCount(ctx context.Context) (int64, error) {
	var height int64
	if err := j.call(ctx, j.rpcURL, "getblockcount", nil, &height); err != nil {
		return 0, err
	}
	return height, nil
}

// SendRawTransaction submits a signed transaction. It is never retried.
func (j *JSONRPCBackend) SendRawTransaction(ctx context.Context, rawTxHex string) (string, error) {
	var txID string
	err := j.call(ctx, j.rpcURL, "sendrawtransaction", []interface{}{rawTxHex}, &txID)
	if err != nil {
		var rpcErr *RPCError
		if errors.As(err, &rpcErr) {
			return "", fmt.Errorf("%w: %w", ErrBroadcastRejected, rpcErr)
		}
		return "", err
	}
	return txID, nil
}

// GetReceivedByAddress queries the configured node wallet.
func (j *JSONRPCBackend) GetReceivedByAddress(ctx context.Context, address string, minConf int) (btcutil.Amount, error) {
	var btc float64
	if err := j.call(ctx, j.walletURL, "getreceivedbyaddress", []interface{}{address, minConf}, &btc); err != nil {
		return 0, err
	}
	amount, err := btcutil.NewAmount(btc)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	return amount, nil
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      uint64        `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type rpcResponse struct {
	ID     uint64          `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

// call performs one JSON-RPC round trip bounded by the client timeout.
// Bitcoin Core answers RPC errors with HTTP 500 and a JSON body, so the
// body is decoded before the status code is judged.
func (j *JSONRPCBackend) call(ctx context.Context, endpoint, method string, params []interface{}, result interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, j.timeout)
	defer cancel()

	if params == nil {
		params = []interface{}{}
	}
	request := rpcRequest{
		JSONRPC: "1.0",
		ID:      j.requestID.Add(1),
		Method:  method,
		Params:  params,
	}

	data, err := json.Marshal(request)
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("create %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if j.rpcUser != "" {
		req.SetBasicAuth(j.rpcUser, j.rpcPass)
	}

	resp, err := j.httpClient.Do(req)
	if err != nil {
		return transportError(method, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return fmt.Errorf("%w: %s: HTTP %d", ErrConnectionFailed, method, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return transportError(method, err)
	}

	var response rpcResponse
	if err := json.Unmarshal(body, &response); err != nil {
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return fmt.Errorf("%w: %s: HTTP %d: %s", ErrConnectionFailed, method, resp.StatusCode, truncate(body, 256))
		}
		return fmt.Errorf("%w: %s: %v", ErrInvalidResponse, method, err)
	}

	if response.Error != nil {
		return response.Error
	}
	if response.ID != request.ID {
		return fmt.Errorf("%w: %s: response id %d, want %d", ErrInvalidResponse, method, response.ID, request.ID)
	}

	if result != nil {
		if len(response.Result) == 0 || string(response.Result) == "null" {
			return fmt.Errorf("%w: %s: empty result", ErrInvalidResponse, method)
		}
		if err := json.Unmarshal(response.Result, result); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidResponse, method, err)
		}
	}

	return nil
}

func transportError(method string, err error) error {
	if isTimeout(err) {
		return fmt.Errorf("%w: %s: %v", ErrTimeout, method, err)
	}
	return fmt.Errorf("%w: %s: %v", ErrConnectionFailed, method, err)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}

// Ensure JSONRPCBackend implements Backend
var _ Backend = (*JSONRPCBackend)(nil)
