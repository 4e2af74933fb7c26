// Package node wires the settlement core into an HTTP service: cache-first
// reads through the fallback chain, ledger admission for writes, and a
// background settlement loop.
package node

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gorilla/mux"

	"github.com/settlement-experiment/offchain/config"
	"github.com/settlement-experiment/offchain/internal/events"
	"github.com/settlement-experiment/offchain/internal/fallback"
	"github.com/settlement-experiment/offchain/internal/ledger"
	"github.com/settlement-experiment/offchain/internal/protocol"
	"github.com/settlement-experiment/offchain/internal/source"
)

// settleTimeout bounds one background settlement attempt.
const settleTimeout = 30 * time.Second

// Service exposes the settlement layer for one resource.
type Service struct {
	cfg      *config.Config
	router   *mux.Router
	ledger   *ledger.Ledger
	resolver *fallback.Chain
	emitter  *events.Emitter
	store    *ledger.QueueStore

	done      chan struct{}
	closeOnce sync.Once
}

// NewService builds a service over an injected chain client. The client is
// constructed once per process and shared by the ledger and the fallback
// chain.
func NewService(cfg *config.Config, chain source.ChainClient) (*Service, error) {
	emitter := events.NewEmitter()

	store, err := ledger.NewQueueStore(cfg.StorageDir)
	if err != nil {
		return nil, err
	}

	// Ensure the store is closed if initialization fails midway.
	success := false
	defer func() {
		if !success {
			store.Close()
		}
	}()

	led, err := ledger.New(ledger.Config{
		Resource:     cfg.Resource,
		Chain:        chain,
		Events:       emitter,
		Store:        store,
		MaxBatchSize: cfg.MaxBatchSize,
	})
	if err != nil {
		return nil, err
	}

	// Reads fall back cheapest-first: cache, then the optional off-chain
	// accelerator, then the authoritative chain.
	cache := fallback.NewCache(cfg.CacheTTL(), cfg.CacheMaxEntries)
	sources := []source.Source{}
	if cfg.AcceleratorURL != "" {
		sources = append(sources, source.NewAccelerator(cfg.AcceleratorURL, cfg.Network))
	}
	sources = append(sources, source.NewChainSource(chain))

	s := &Service{
		cfg:      cfg,
		router:   mux.NewRouter(),
		ledger:   led,
		resolver: fallback.NewChain(cache, sources...),
		emitter:  emitter,
		store:    store,
		done:     make(chan struct{}),
	}
	s.setupRoutes()

	if cfg.SettleInterval() > 0 {
		go s.settleLoop()
	}

	success = true
	return s, nil
}

// Start serves the API on the given port, blocking until the listener
// fails.
func (s *Service) Start(port int) error {
	addr := fmt.Sprintf(":%d", port)
	log.Printf("[Node] serving resource %q on %s", s.cfg.Resource, addr)
	return http.ListenAndServe(addr, s.router)
}

// Router returns the HTTP router (also used by tests).
func (s *Service) Router() *mux.Router { return s.router }

// Ledger returns the underlying ledger.
func (s *Service) Ledger() *ledger.Ledger { return s.ledger }

// Events returns the emitter a push transport subscribes on.
func (s *Service) Events() *events.Emitter { return s.emitter }

// Close stops the settlement loop and releases storage. Idempotent.
func (s *Service) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.store.Close()
	})
	return err
}

// settleLoop periodically submits whatever the queue holds, up to the
// configured batch cap.
func (s *Service) settleLoop() {
	ticker := time.NewTicker(s.cfg.SettleInterval())
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), settleTimeout)
			res, err := s.ledger.Settle(ctx, 0)
			cancel()
			if err != nil {
				log.Printf("[Node] periodic settle failed: %v", err)
				continue
			}
			if res != nil {
				s.resolver.InvalidateRead(s.cfg.Resource, protocol.OpGetBalance)
			}
		}
	}
}

func (s *Service) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/balance/{address}", s.handleBalance).Methods(http.MethodGet)
	s.router.HandleFunc("/balance/{address}/virtual", s.handleVirtualBalance).Methods(http.MethodGet)
	s.router.HandleFunc("/pending", s.handlePending).Methods(http.MethodGet)
	s.router.HandleFunc("/transfer", s.handleWrite(protocol.OpTransfer)).Methods(http.MethodPost)
	s.router.HandleFunc("/deposit", s.handleWrite(protocol.OpDeposit)).Methods(http.MethodPost)
	s.router.HandleFunc("/withdraw", s.handleWrite(protocol.OpWithdraw)).Methods(http.MethodPost)
	s.router.HandleFunc("/settle", s.handleSettle).Methods(http.MethodPost)
	s.router.HandleFunc("/refresh", s.handleRefresh).Methods(http.MethodPost)
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "ok",
		"resource": s.cfg.Resource,
		"pending":  s.ledger.PendingCount(),
	})
}

// handleBalance serves the confirmed balance through the fallback chain,
// so repeated reads inside the TTL never touch a source.
func (s *Service) handleBalance(w http.ResponseWriter, r *http.Request) {
	addr := common.HexToAddress(mux.Vars(r)["address"])
	intent := protocol.NewRead(s.cfg.Resource, protocol.OpGetBalance, protocol.AddressArg(addr))

	value, err := s.resolver.Resolve(r.Context(), intent)
	if err != nil {
		writeError(w, err)
		return
	}
	balance, _ := value.AsInt()
	writeJSON(w, http.StatusOK, balanceResponse{Success: true, Address: addr, Balance: balance})
}

func (s *Service) handleVirtualBalance(w http.ResponseWriter, r *http.Request) {
	addr := common.HexToAddress(mux.Vars(r)["address"])
	balance := s.ledger.VirtualBalance(r.Context(), addr)
	writeJSON(w, http.StatusOK, balanceResponse{Success: true, Address: addr, Balance: balance})
}

func (s *Service) handlePending(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":    true,
		"operations": s.ledger.Pending(),
	})
}

// writeRequest is the body of transfer/deposit/withdraw submissions.
type writeRequest struct {
	Sender    common.Address  `json:"sender"`
	To        *common.Address `json:"to,omitempty"`
	Amount    *big.Int        `json:"amount"`
	Nonce     uint64          `json:"nonce"`
	Timestamp int64           `json:"timestamp"`
	Signature hexutil.Bytes   `json:"signature"`
	MaxAmount *big.Int        `json:"max_amount,omitempty"`
}

func (s *Service) handleWrite(operation string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req writeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "malformed request: " + err.Error()})
			return
		}

		var args []protocol.Arg
		if operation == protocol.OpTransfer {
			to := common.Address{}
			if req.To != nil {
				to = *req.To
			}
			args = []protocol.Arg{protocol.AddressArg(to), intArgOrZero(req.Amount)}
		} else {
			args = []protocol.Arg{intArgOrZero(req.Amount)}
		}

		intent := protocol.NewWrite(s.cfg.Resource, operation, req.Sender, req.Nonce, args...)
		intent.Timestamp = req.Timestamp
		intent.Signature = req.Signature
		if req.MaxAmount != nil {
			intent.Constraint = &protocol.Constraint{MaxAmount: req.MaxAmount}
		}

		op, position, err := s.ledger.Admit(r.Context(), intent)
		if err != nil {
			writeError(w, err)
			return
		}

		// The admitted write changes virtual balances; cached reads for the
		// balance operation are now stale.
		s.resolver.InvalidateRead(s.cfg.Resource, protocol.OpGetBalance)

		writeJSON(w, http.StatusOK, map[string]interface{}{
			"success":      true,
			"operation_id": op.ID,
			"position":     position,
		})
	}
}

func (s *Service) handleSettle(w http.ResponseWriter, r *http.Request) {
	var req struct {
		MaxBatch int `json:"max_batch"`
	}
	if r.Body != nil {
		// Body is optional; decode errors mean "use the default cap".
		json.NewDecoder(r.Body).Decode(&req)
	}

	res, err := s.ledger.Settle(r.Context(), req.MaxBatch)
	if err != nil {
		writeError(w, err)
		return
	}
	if res == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "settled": 0})
		return
	}

	s.resolver.InvalidateRead(s.cfg.Resource, protocol.OpGetBalance)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":       true,
		"settled":       res.Count,
		"settlement_id": res.ID,
		"tx_id":         res.TxID,
	})
}

func (s *Service) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Addresses []common.Address `json:"addresses"`
	}
	if r.Body != nil {
		json.NewDecoder(r.Body).Decode(&req)
	}

	if err := s.ledger.RefreshConfirmed(r.Context(), req.Addresses...); err != nil {
		writeError(w, err)
		return
	}
	// Confirmed balances moved; cached reads are stale across the resource.
	s.resolver.InvalidateRead(s.cfg.Resource, protocol.OpGetBalance)
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

type balanceResponse struct {
	Success bool           `json:"success"`
	Address common.Address `json:"address"`
	Balance *big.Int       `json:"balance"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func intArgOrZero(v *big.Int) protocol.Arg {
	if v == nil {
		v = new(big.Int)
	}
	return protocol.IntArg(v)
}

// writeError maps the error taxonomy onto HTTP status codes: caller faults
// are 4xx, upstream faults are 502.
func writeError(w http.ResponseWriter, err error) {
	var (
		valErr    *protocol.ValidationError
		sigErr    *protocol.SignatureError
		balErr    *protocol.InsufficientBalanceError
		srcErr    *protocol.SourceUnavailableError
		settleErr *protocol.SettlementError
	)
	status := http.StatusInternalServerError
	switch {
	case errors.As(err, &valErr):
		status = http.StatusBadRequest
	case errors.As(err, &sigErr):
		status = http.StatusUnauthorized
	case errors.As(err, &balErr):
		status = http.StatusUnprocessableEntity
	case errors.As(err, &srcErr), errors.As(err, &settleErr):
		status = http.StatusBadGateway
	case errors.Is(err, fallback.ErrNoSource):
		status = http.StatusBadGateway
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("[Node] encode response: %v", err)
	}
}
