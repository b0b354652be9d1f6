// Package rpc serves the node's read/write query surface as plain
// JSON-over-HTTP. A gRPC surface with an HTTP/JSON gateway would need
// generated protobuf service definitions; no such generated package exists
// here, so the service is exposed directly
// as a hand-written HTTP mux instead of fabricating the missing generated
// client/server stubs.
package rpc

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/vantor-labs/konsensus/internal/config"
	"github.com/vantor-labs/konsensus/internal/types"
)

// Server hosts the node's JSON/HTTP query surface.
type Server struct {
	httpServer  *http.Server
	nodeService *NodeServiceImpl
	cfg         config.RPCConfig
	logger      *zap.Logger

	lis net.Listener
}

// NewServer creates a new RPC server.
func NewServer(cfg config.RPCConfig, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{cfg: cfg, logger: logger}
}

// RegisterNodeService registers the node service implementation and wires
// its HTTP routes.
func (s *Server) RegisterNodeService(svc *NodeServiceImpl) {
	s.nodeService = svc

	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/tx", s.handleSubmitTx)
	mux.HandleFunc("/block", s.handleGetBlock)
	mux.HandleFunc("/receipt", s.handleGetReceipt)
	mux.HandleFunc("/state", s.handleQueryState)
	mux.HandleFunc("/finalizers", s.handleGetFinalizers)
	mux.HandleFunc("/health", s.handleHealth)

	s.httpServer = &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      RecoveryMiddleware(s.logger)(LoggingMiddleware(s.logger)(mux)),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// Start begins serving HTTP requests.
func (s *Server) Start(ctx context.Context) error {
	var err error
	s.lis, err = net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("rpc: listen on %s: %w", s.cfg.Addr, err)
	}

	s.logger.Info("rpc server starting", zap.String("addr", s.lis.Addr().String()))

	go func() {
		if err := s.httpServer.Serve(s.lis); err != nil && err != http.ErrServerClosed {
			s.logger.Error("rpc server error", zap.Error(err))
		}
	}()

	return nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop() error {
	s.logger.Info("rpc server stopping")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

// Name returns the service name.
func (s *Server) Name() string {
	return "rpc"
}

// Addr returns the actual address the server is listening on. Useful when
// configured with port 0 for tests.
func (s *Server) Addr() string {
	if s.lis != nil {
		return s.lis.Addr().String()
	}
	return s.cfg.Addr
}

// Handler exposes the underlying HTTP handler for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	resp, err := s.nodeService.GetStatus()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSubmitTx(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var body struct {
		Tx string `json:"tx"` // hex-encoded
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	tx, err := hex.DecodeString(body.Tx)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("tx must be hex-encoded: %w", err))
		return
	}

	resp, err := s.nodeService.SubmitTransaction(tx)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetBlock(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if hashStr := r.URL.Query().Get("hash"); hashStr != "" {
		hashBytes, err := hex.DecodeString(hashStr)
		if err != nil || len(hashBytes) != len(types.Hash{}) {
			http.Error(w, "invalid hash parameter", http.StatusBadRequest)
			return
		}
		var hash types.Hash
		copy(hash[:], hashBytes)
		resp, err := s.nodeService.GetBlockByHash(hash)
		if err != nil {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
		return
	}

	heightStr := r.URL.Query().Get("height")
	var height uint64
	if heightStr != "" {
		var err error
		height, err = strconv.ParseUint(heightStr, 10, 64)
		if err != nil {
			http.Error(w, "invalid height parameter", http.StatusBadRequest)
			return
		}
	}

	resp, err := s.nodeService.GetBlock(height)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetReceipt(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	hashStr := r.URL.Query().Get("tx_hash")
	hashBytes, err := hex.DecodeString(hashStr)
	if err != nil || len(hashBytes) != len(types.Hash{}) {
		http.Error(w, "invalid tx_hash parameter", http.StatusBadRequest)
		return
	}
	var txHash types.Hash
	copy(txHash[:], hashBytes)

	resp, err := s.nodeService.GetReceipt(txHash)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleQueryState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	key := r.URL.Query().Get("key")
	if key == "" {
		http.Error(w, "key parameter required", http.StatusBadRequest)
		return
	}
	prove := r.URL.Query().Get("prove") == "true"

	resp, err := s.nodeService.QueryState([]byte(key), prove)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetFinalizers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	resp, err := s.nodeService.GetFinalizers()
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "encoding error", http.StatusInternalServerError)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
