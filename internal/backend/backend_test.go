package backend_test

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"

	"github.com/coinvault/custodian/internal/backend"
	"github.com/coinvault/custodian/internal/backend/backendtest"
)

// testAddr returns a regtest P2WPKH address for a fixed key.
func testAddr(t *testing.T) string {
	t.Helper()
	priv, _ := btcec.PrivKeyFromBytes(bytes.Repeat([]byte{0x01}, 32))
	addr, err := btcutil.NewAddressWitnessPubKeyHash(
		btcutil.Hash160(priv.PubKey().SerializeCompressed()), &chaincfg.RegressionNetParams)
	if err != nil {
		t.Fatalf("address: %v", err)
	}
	return addr.EncodeAddress()
}

func TestGetNetworkInfo(t *testing.T) {
	node := backendtest.New(&chaincfg.RegressionNetParams)
	defer node.Close()
	node.SetRelayFee(0.00002)

	info, err := node.Client(time.Second).GetNetworkInfo(context.Background())
	if err != nil {
		t.Fatalf("GetNetworkInfo() error = %v", err)
	}
	if info.RelayFee != 0.00002 {
		t.Errorf("RelayFee = %v, want 0.00002", info.RelayFee)
	}
	if info.Version != 270000 {
		t.Errorf("Version = %d, want 270000", info.Version)
	}
}

func TestEstimateSmartFee(t *testing.T) {
	node := backendtest.New(&chaincfg.RegressionNetParams)
	defer node.Close()
	client := node.Client(time.Second)

	fee, err := client.EstimateSmartFee(context.Background(), 6)
	if err != nil {
		t.Fatalf("EstimateSmartFee() error = %v", err)
	}
	if fee.FeeRate != 0 || len(fee.Errors) == 0 {
		t.Errorf("expected no estimate with errors, got %+v", fee)
	}

	node.SetSmartFee(0.0005)
	fee, err = client.EstimateSmartFee(context.Background(), 6)
	if err != nil {
		t.Fatalf("EstimateSmartFee() error = %v", err)
	}
	if fee.FeeRate != 0.0005 {
		t.Errorf("FeeRate = %v, want 0.0005", fee.FeeRate)
	}
}

func TestScanUTXOs(t *testing.T) {
	addr := testAddr(t)
	node := backendtest.New(&chaincfg.RegressionNetParams)
	defer node.Close()

	node.AddUTXO(addr, backendtest.Unspent{
		TxID:   "aa00000000000000000000000000000000000000000000000000000000000001",
		Vout:   1,
		Amount: btcutil.Amount(10_100_000),
		Height: 900,
	})
	node.AddUTXO(addr, backendtest.Unspent{
		TxID:     "aa00000000000000000000000000000000000000000000000000000000000002",
		Amount:   btcutil.Amount(5_000_000_000),
		Height:   990,
		Coinbase: true,
	})

	utxos, err := node.Client(time.Second).ScanUTXOs(context.Background(), addr)
	if err != nil {
		t.Fatalf("ScanUTXOs() error = %v", err)
	}
	if len(utxos) != 2 {
		t.Fatalf("got %d utxos, want 2", len(utxos))
	}
	if utxos[0].Amount != 10_100_000 {
		t.Errorf("Amount = %d, want 10100000 (no float truncation)", utxos[0].Amount)
	}
	if utxos[0].Outpoint() != utxos[0].TxID+":1" {
		t.Errorf("Outpoint() = %s", utxos[0].Outpoint())
	}
	if !utxos[1].Coinbase || utxos[1].BlockHeight != 990 {
		t.Errorf("coinbase utxo decoded as %+v", utxos[1])
	}
	if utxos[0].ScriptPubKey == "" {
		t.Error("ScriptPubKey should be set")
	}
}

func TestGetBlockCount(t *testing.T) {
	node := backendtest.New(&chaincfg.RegressionNetParams)
	defer node.Close()
	node.SetHeight(1234)

	h, err := node.Client(time.Second).GetBlockCount(context.Background())
	if err != nil {
		t.Fatalf("GetBlockCount() error = %v", err)
	}
	if h != 1234 {
		t.Errorf("height = %d, want 1234", h)
	}
}

func TestSendRawTransactionRejected(t *testing.T) {
	node := backendtest.New(&chaincfg.RegressionNetParams)
	defer node.Close()
	node.SetError("sendrawtransaction", -26, "min relay fee not met")

	_, err := node.Client(time.Second).SendRawTransaction(context.Background(), "00")
	if !errors.Is(err, backend.ErrBroadcastRejected) {
		t.Fatalf("expected ErrBroadcastRejected, got %v", err)
	}
	var rpcErr *backend.RPCError
	if !errors.As(err, &rpcErr) || rpcErr.Code != -26 {
		t.Errorf("expected wrapped RPCError -26, got %v", err)
	}
}

func TestGetReceivedByAddress(t *testing.T) {
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		w.Write([]byte(`{"id":1,"result":0.5,"error":null}`))
	}))
	defer srv.Close()

	client := backend.NewJSONRPCBackend(backend.Config{URL: srv.URL, Wallet: "legacy_wallet", Timeout: time.Second})
	amount, err := client.GetReceivedByAddress(context.Background(), testAddr(t), 1)
	if err != nil {
		t.Fatalf("GetReceivedByAddress() error = %v", err)
	}
	if amount != btcutil.Amount(50_000_000) {
		t.Errorf("amount = %v, want 0.5 BTC", amount)
	}
	if path != "/wallet/legacy_wallet" {
		t.Errorf("path = %s, want /wallet/legacy_wallet", path)
	}
}

func TestCallErrors(t *testing.T) {
	t.Run("timeout", func(t *testing.T) {
		node := backendtest.New(&chaincfg.RegressionNetParams)
		defer node.Close()
		node.SetDelay("getblockcount", time.Second)

		_, err := node.Client(50 * time.Millisecond).GetBlockCount(context.Background())
		if !errors.Is(err, backend.ErrTimeout) {
			t.Fatalf("expected ErrTimeout, got %v", err)
		}
	})

	t.Run("malformed", func(t *testing.T) {
		node := backendtest.New(&chaincfg.RegressionNetParams)
		defer node.Close()
		node.SetBroken("getnetworkinfo")

		_, err := node.Client(time.Second).GetNetworkInfo(context.Background())
		if !errors.Is(err, backend.ErrInvalidResponse) {
			t.Fatalf("expected ErrInvalidResponse, got %v", err)
		}
	})

	t.Run("rpc error", func(t *testing.T) {
		node := backendtest.New(&chaincfg.RegressionNetParams)
		defer node.Close()
		node.SetError("estimatesmartfee", -32603, "internal")

		_, err := node.Client(time.Second).EstimateSmartFee(context.Background(), 6)
		var rpcErr *backend.RPCError
		if !errors.As(err, &rpcErr) {
			t.Fatalf("expected *RPCError, got %v", err)
		}
	})

	t.Run("unauthorized", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
		}))
		defer srv.Close()

		client := backend.NewJSONRPCBackend(backend.Config{URL: srv.URL, Timeout: time.Second})
		_, err := client.GetBlockCount(context.Background())
		if !errors.Is(err, backend.ErrConnectionFailed) {
			t.Fatalf("expected ErrConnectionFailed, got %v", err)
		}
	})

	t.Run("unreachable", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		url := srv.URL
		srv.Close()

		client := backend.NewJSONRPCBackend(backend.Config{URL: url, Timeout: time.Second})
		_, err := client.GetBlockCount(context.Background())
		if !errors.Is(err, backend.ErrConnectionFailed) {
			t.Fatalf("expected ErrConnectionFailed, got %v", err)
		}
	})
}

func TestRetry(t *testing.T) {
	backend.RetryBaseInterval = time.Millisecond
	defer func() { backend.RetryBaseInterval = 200 * time.Millisecond }()

	attempts := 0
	got, err := backend.Retry(context.Background(), 2, func(ctx context.Context) (int, error) {
		attempts++
		if attempts < 3 {
			return 0, backend.ErrTimeout
		}
		return 42, nil
	})
	if err != nil || got != 42 {
		t.Fatalf("Retry() = %d, %v; want 42, nil", got, err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}

	attempts = 0
	_, err = backend.Retry(context.Background(), 2, func(ctx context.Context) (int, error) {
		attempts++
		return 0, backend.ErrTimeout
	})
	if !errors.Is(err, backend.ErrTimeout) || attempts != 3 {
		t.Errorf("exhausted Retry: attempts = %d, err = %v", attempts, err)
	}

	attempts = 0
	_, err = backend.Retry(context.Background(), 2, func(ctx context.Context) (int, error) {
		attempts++
		return 0, backend.ErrConnectionFailed
	})
	if attempts != 1 {
		t.Errorf("non-timeout errors must not be retried, attempts = %d", attempts)
	}
	if !errors.Is(err, backend.ErrConnectionFailed) {
		t.Errorf("err = %v", err)
	}
}
