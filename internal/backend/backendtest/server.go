// Package backendtest provides an in-memory Bitcoin Core stand-in for tests.
// It serves the handful of RPCs the custodian uses and keeps a tiny UTXO
// set so broadcast transactions really spend their inputs.
package backendtest

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/coinvault/custodian/internal/backend"
)

// Unspent is an output held by the fake node.
type Unspent struct {
	TxID     string
	Vout     uint32
	Amount   btcutil.Amount
	Height   int64
	Coinbase bool
}

// Server is a fake Bitcoin Core JSON-RPC endpoint.
type Server struct {
	*httptest.Server

	mu         sync.Mutex
	params     *chaincfg.Params
	height     int64
	relayFee   float64
	smartFee   float64
	utxos      map[string][]Unspent // by address
	received   map[string]float64
	broadcasts []*wire.MsgTx
	errors     map[string]*backend.RPCError
	broken     map[string]bool
	delays     map[string]time.Duration
	calls      map[string]int
}

// New starts a fake node for the given network with a 1000 block chain,
// a relay fee of 0.00001 BTC/kvB and no smart fee estimate.
func New(params *chaincfg.Params) *Server {
	s := &Server{
		params:   params,
		height:   1000,
		relayFee: 0.00001,
		utxos:    make(map[string][]Unspent),
		received: make(map[string]float64),
		errors:   make(map[string]*backend.RPCError),
		broken:   make(map[string]bool),
		delays:   make(map[string]time.Duration),
		calls:    make(map[string]int),
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	return s
}

// Client returns a backend pointed at this server.
func (s *Server) Client(timeout time.Duration) *backend.JSONRPCBackend {
	return backend.NewJSONRPCBackend(backend.Config{
		URL:     s.URL,
		User:    "test",
		Pass:    "test",
		Wallet:  "legacy_wallet",
		Timeout: timeout,
	})
}

// SetHeight sets the chain tip.
func (s *Server) SetHeight(h int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.height = h
}

// SetRelayFee sets getnetworkinfo's relayfee in BTC/kvB.
func (s *Server) SetRelayFee(btcPerKvB float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.relayFee = btcPerKvB
}

// SetSmartFee sets estimatesmartfee's feerate in BTC/kvB. Zero means the
// node reports "Insufficient data or no feerate found".
func (s *Server) SetSmartFee(btcPerKvB float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.smartFee = btcPerKvB
}

// SetError makes method answer with a JSON-RPC error object.
func (s *Server) SetError(method string, code int, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errors[method] = &backend.RPCError{Code: code, Message: message}
}

// SetBroken makes method answer 200 with a body that is not JSON.
func (s *Server) SetBroken(method string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.broken[method] = true
}

// SetDelay stalls method before answering.
func (s *Server) SetDelay(method string, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delays[method] = d
}

// SetReceived sets what getreceivedbyaddress reports for address.
func (s *Server) SetReceived(address string, btc float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.received[address] = btc
}

// AddUTXO credits address with an unspent output.
func (s *Server) AddUTXO(address string, u Unspent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.utxos[address] = append(s.utxos[address], u)
}

// UTXOs returns what is currently unspent at address.
func (s *Server) UTXOs(address string) []Unspent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Unspent(nil), s.utxos[address]...)
}

// Broadcasts returns every transaction the node accepted.
func (s *Server) Broadcasts() []*wire.MsgTx {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*wire.MsgTx(nil), s.broadcasts...)
}

// Calls returns how many times method was invoked.
func (s *Server) Calls(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[method]
}

type request struct {
	ID     uint64            `json:"id"`
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	var req request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	s.calls[req.Method]++
	delay := s.delays[req.Method]
	rpcErr := s.errors[req.Method]
	broken := s.broken[req.Method]
	s.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}

	if broken {
		w.Write([]byte("<html>upstream error</html>"))
		return
	}
	if rpcErr != nil {
		writeResponse(w, http.StatusInternalServerError, req.ID, nil, rpcErr)
		return
	}

	result, rpcErr := s.dispatch(req)
	status := http.StatusOK
	if rpcErr != nil {
		status = http.StatusInternalServerError
	}
	writeResponse(w, status, req.ID, result, rpcErr)
}

func (s *Server) dispatch(req request) (interface{}, *backend.RPCError) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch req.Method {
	case "getnetworkinfo":
		return map[string]interface{}{
			"version":     270000,
			"subversion":  "/Satoshi:27.0.0/",
			"connections": 8,
			"relayfee":    s.relayFee,
		}, nil

	case "estimatesmartfee":
		if s.smartFee <= 0 {
			return map[string]interface{}{
				"errors": []string{"Insufficient data or no feerate found"},
				"blocks": 0,
			}, nil
		}
		return map[string]interface{}{"feerate": s.smartFee, "blocks": 6}, nil

	case "getblockcount":
		return s.height, nil

	case "scantxoutset":
		return s.scan(req)

	case "sendrawtransaction":
		return s.send(req)

	case "getreceivedbyaddress":
		var addr string
		if len(req.Params) > 0 {
			json.Unmarshal(req.Params[0], &addr)
		}
		return s.received[addr], nil
	}

	return nil, &backend.RPCError{Code: -32601, Message: "Method not found"}
}

func (s *Server) scan(req request) (interface{}, *backend.RPCError) {
	var descs []string
	if len(req.Params) > 1 {
		json.Unmarshal(req.Params[1], &descs)
	}

	type unspent struct {
		TxID         string  `json:"txid"`
		Vout         uint32  `json:"vout"`
		ScriptPubKey string  `json:"scriptPubKey"`
		Desc         string  `json:"desc"`
		Amount       float64 `json:"amount"`
		Coinbase     bool    `json:"coinbase"`
		Height       int64   `json:"height"`
	}

	unspents := []unspent{}
	var total btcutil.Amount
	for _, desc := range descs {
		var addr string
		if _, err := fmt.Sscanf(desc, "addr(%s", &addr); err != nil || len(addr) == 0 {
			return nil, &backend.RPCError{Code: -5, Message: "Invalid descriptor"}
		}
		addr = addr[:len(addr)-1]

		script, err := s.pkScript(addr)
		if err != nil {
			return nil, &backend.RPCError{Code: -5, Message: err.Error()}
		}

		for _, u := range s.utxos[addr] {
			unspents = append(unspents, unspent{
				TxID:         u.TxID,
				Vout:         u.Vout,
				ScriptPubKey: script,
				Desc:         desc,
				Amount:       u.Amount.ToBTC(),
				Coinbase:     u.Coinbase,
				Height:       u.Height,
			})
			total += u.Amount
		}
	}

	return map[string]interface{}{
		"success":      true,
		"txouts":       len(unspents),
		"height":       s.height,
		"unspents":     unspents,
		"total_amount": total.ToBTC(),
	}, nil
}

func (s *Server) send(req request) (interface{}, *backend.RPCError) {
	var rawHex string
	if len(req.Params) > 0 {
		json.Unmarshal(req.Params[0], &rawHex)
	}
	raw, err := hex.DecodeString(rawHex)
	if err != nil {
		return nil, &backend.RPCError{Code: -22, Message: "TX decode failed"}
	}
	var tx wire.MsgTx
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, &backend.RPCError{Code: -22, Message: "TX decode failed"}
	}

	// Every input must still be unspent.
	type loc struct {
		addr string
		idx  int
	}
	var spends []loc
	for _, in := range tx.TxIn {
		found := false
		for addr, list := range s.utxos {
			for i, u := range list {
				if u.TxID == in.PreviousOutPoint.Hash.String() && u.Vout == in.PreviousOutPoint.Index {
					spends = append(spends, loc{addr, i})
					found = true
				}
			}
		}
		if !found {
			return nil, &backend.RPCError{Code: -25, Message: "bad-txns-inputs-missingorspent"}
		}
	}

	spent := make(map[string]map[int]bool)
	for _, sp := range spends {
		if spent[sp.addr] == nil {
			spent[sp.addr] = make(map[int]bool)
		}
		spent[sp.addr][sp.idx] = true
	}
	for addr, idxs := range spent {
		kept := s.utxos[addr][:0:0]
		for i, u := range s.utxos[addr] {
			if !idxs[i] {
				kept = append(kept, u)
			}
		}
		s.utxos[addr] = kept
	}

	s.broadcasts = append(s.broadcasts, &tx)
	return tx.TxHash().String(), nil
}

func (s *Server) pkScript(address string) (string, error) {
	addr, err := btcutil.DecodeAddress(address, s.params)
	if err != nil {
		return "", err
	}
	script, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(script), nil
}

func writeResponse(w http.ResponseWriter, status int, id uint64, result interface{}, rpcErr *backend.RPCError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"id":     id,
		"result": result,
		"error":  rpcErr,
	})
}
