package source

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"
	"github.com/settlement-experiment/offchain/config"
	"github.com/settlement-experiment/offchain/internal/protocol"
)

// newChainStub serves the chain node HTTP interface backed by a DevChain.
func newChainStub(chain *DevChain) *httptest.Server {
	r := mux.NewRouter()
	r.HandleFunc("/call", func(w http.ResponseWriter, req *http.Request) {
		var in callRequest
		if err := json.NewDecoder(req.Body).Decode(&in); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		val, err := chain.ReadOnlyCall(req.Context(), in.Resource, in.Function, in.Args)
		if err != nil {
			json.NewEncoder(w).Encode(callResponse{Success: false, Error: err.Error()})
			return
		}
		json.NewEncoder(w).Encode(callResponse{Success: true, Value: &val})
	}).Methods(http.MethodPost)

	r.HandleFunc("/broadcast", func(w http.ResponseWriter, req *http.Request) {
		var in protocol.Intent
		if err := json.NewDecoder(req.Body).Decode(&in); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		txid, err := chain.Broadcast(req.Context(), &in)
		if err != nil {
			json.NewEncoder(w).Encode(broadcastResponse{Success: false, Error: err.Error()})
			return
		}
		json.NewEncoder(w).Encode(broadcastResponse{Success: true, TxID: txid})
	}).Methods(http.MethodPost)

	r.HandleFunc("/verify", func(w http.ResponseWriter, req *http.Request) {
		var in verifyRequest
		if err := json.NewDecoder(req.Body).Decode(&in); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		valid, err := chain.VerifySignature(req.Context(), in.Signature, in.Sender, in.Digest)
		if err != nil {
			json.NewEncoder(w).Encode(verifyResponse{Success: false, Error: err.Error()})
			return
		}
		json.NewEncoder(w).Encode(verifyResponse{Success: true, Valid: valid})
	}).Methods(http.MethodPost)

	return httptest.NewServer(r)
}

func TestHTTPChainReadOnlyCall(t *testing.T) {
	dev := NewDevChain()
	addr := common.HexToAddress("0xaa")
	dev.SetBalance("token", addr, big.NewInt(77))
	srv := newChainStub(dev)
	defer srv.Close()

	client := NewHTTPChain(srv.URL, config.NetworkConfig{})
	val, err := client.ReadOnlyCall(context.Background(), "token", protocol.OpGetBalance,
		[]protocol.Arg{protocol.AddressArg(addr)})
	if err != nil {
		t.Fatalf("ReadOnlyCall: %v", err)
	}
	if got, _ := val.AsInt(); got.Cmp(big.NewInt(77)) != 0 {
		t.Errorf("balance = %v, want 77", got)
	}
}

func TestHTTPChainBroadcast(t *testing.T) {
	dev := NewDevChain()
	x := common.HexToAddress("0x01")
	dev.SetBalance("token", x, big.NewInt(100))
	srv := newChainStub(dev)
	defer srv.Close()

	client := NewHTTPChain(srv.URL, config.NetworkConfig{})
	in := protocol.NewWrite("token", protocol.OpTransfer, x, 1,
		protocol.AddressArg(common.HexToAddress("0x02")),
		protocol.IntArg(big.NewInt(10)))
	in.Signature = []byte{1}

	txid, err := client.Broadcast(context.Background(), in)
	if err != nil {
		t.Fatalf("Broadcast: %v", err)
	}
	if txid == "" {
		t.Error("empty tx id")
	}
	if dev.PendingTxCount() != 1 {
		t.Errorf("pending = %d, want 1", dev.PendingTxCount())
	}
}

func TestHTTPChainUnreachable(t *testing.T) {
	client := NewHTTPChain("http://127.0.0.1:1", config.NetworkConfig{})
	_, err := client.ReadOnlyCall(context.Background(), "token", protocol.OpGetBalance,
		[]protocol.Arg{protocol.AddressArg(common.HexToAddress("0xaa"))})

	var unavailable *protocol.SourceUnavailableError
	if !errors.As(err, &unavailable) {
		t.Fatalf("expected SourceUnavailableError, got %v", err)
	}
	if unavailable.Source != "chain" {
		t.Errorf("source = %q, want chain", unavailable.Source)
	}
}

func TestChainSourceAdapter(t *testing.T) {
	dev := NewDevChain()
	addr := common.HexToAddress("0xaa")
	dev.SetBalance("token", addr, big.NewInt(5))

	src := NewChainSource(dev)
	if src.Name() != "chain" {
		t.Errorf("name = %q", src.Name())
	}

	val, err := src.Resolve(context.Background(),
		protocol.NewRead("token", protocol.OpGetBalance, protocol.AddressArg(addr)))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got, _ := val.AsInt(); got.Cmp(big.NewInt(5)) != 0 {
		t.Errorf("balance = %v, want 5", got)
	}

	// A write intent misses on Resolve.
	w := protocol.NewWrite("token", protocol.OpDeposit, addr, 1, protocol.IntArg(big.NewInt(1)))
	if _, err := src.Resolve(context.Background(), w); !errors.Is(err, ErrMiss) {
		t.Errorf("expected miss for write resolve, got %v", err)
	}
}
