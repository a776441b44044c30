package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	xerrors "AgroTrack-Lite/internal/errors"
	"AgroTrack-Lite/internal/observability/metrics"
	"AgroTrack-Lite/internal/pricing"
	"AgroTrack-Lite/internal/settlement"
	"AgroTrack-Lite/internal/trade"
)

// Server 负责暴露 REST 接口，供外部驱动交易生命周期。
type Server struct {
	addr    string
	service *trade.Service
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, service *trade.Service) *Server {
	return &Server{addr: addr, service: service}
}

// routes 组装全部路由。
func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/trades", s.instrument("submit", s.handleSubmit))
	mux.HandleFunc("GET /api/v1/trades", s.instrument("list", s.handleList))
	mux.HandleFunc("GET /api/v1/trades/stats", s.instrument("stats", s.handleStats))
	mux.HandleFunc("GET /api/v1/trades/{id}", s.instrument("get", s.handleGet))
	mux.HandleFunc("POST /api/v1/trades/{id}/accept", s.instrument("accept", s.handleAccept))
	mux.HandleFunc("POST /api/v1/trades/{id}/delivery", s.instrument("delivery", s.handleDelivery))
	mux.HandleFunc("GET /api/v1/trades/{id}/proof", s.instrument("proof", s.handleProof))
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	// 配置 HTTP 服务器。
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.routes()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	// 启动服务器并监听关闭信号。
	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if s.service == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "交易服务未初始化"))
		return
	}

	var req trade.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, xerrors.New(trade.CodeMalformedRequest, "请求体解析失败"))
		return
	}

	result, err := s.service.Submit(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	if s.service == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "交易服务未初始化"))
		return
	}

	var req struct {
		BuyerID string `json:"buyer_id"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, xerrors.New(trade.CodeMalformedRequest, "请求体解析失败"))
			return
		}
	}

	result, err := s.service.Accept(r.Context(), r.PathValue("id"), req.BuyerID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleDelivery(w http.ResponseWriter, r *http.Request) {
	if s.service == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "交易服务未初始化"))
		return
	}

	var req struct {
		Code     string  `json:"code"`
		WeightKG float64 `json:"weight_kg"`
		Grade    string  `json:"grade"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, xerrors.New(trade.CodeMalformedRequest, "请求体解析失败"))
		return
	}

	result, err := s.service.ConfirmDelivery(r.Context(), r.PathValue("id"), req.Code, req.WeightKG, req.Grade)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	if s.service == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "交易服务未初始化"))
		return
	}
	result, err := s.service.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleProof(w http.ResponseWriter, r *http.Request) {
	if s.service == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "交易服务未初始化"))
		return
	}
	proof, err := s.service.GetProof(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, proof)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	if s.service == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "交易服务未初始化"))
		return
	}

	opts := make([]trade.ListOption, 0, 4)
	query := r.URL.Query()
	if raw := query.Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			opts = append(opts, trade.WithLimit(parsed))
		}
	}
	if raw := query.Get("offset"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			opts = append(opts, trade.WithOffset(parsed))
		}
	}
	if raw := query.Get("status"); raw != "" {
		statuses := make([]trade.Status, 0, 2)
		for _, item := range query["status"] {
			statuses = append(statuses, trade.Status(item))
		}
		opts = append(opts, trade.WithStatuses(statuses...))
	}
	if raw := query.Get("producer_id"); raw != "" {
		opts = append(opts, trade.WithProducer(raw))
	}
	if raw := query.Get("crop"); raw != "" {
		opts = append(opts, trade.WithCrop(raw))
	}

	results, err := s.service.List(r.Context(), opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, results)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if s.service == nil {
		writeError(w, xerrors.New(xerrors.CodeInitializationFailure, "交易服务未初始化"))
		return
	}
	stats, err := s.service.Stats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// instrument 记录请求的状态码与耗时指标。
func (s *Server) instrument(name string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		handler(recorder, r)
		metrics.ObserveHTTPRequest(name, r.Method, recorder.status, time.Since(started))
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

type errorResponse struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
}

func writeError(w http.ResponseWriter, err error) {
	code := xerrors.CodeOf(err)
	resp := errorResponse{Code: string(code), Message: err.Error()}
	if e, ok := xerrors.From(err); ok {
		resp.Message = e.Message()
		resp.Details = e.Metadata()
	}
	writeJSON(w, statusOf(code), resp)
}

// statusOf 将统一错误码映射到 HTTP 状态码。
func statusOf(code xerrors.Code) int {
	switch code {
	case trade.CodeMalformedRequest, xerrors.CodeInvalidArgument,
		pricing.CodeInvalidQuantity, settlement.CodeInvalidExpectedWeight:
		return http.StatusBadRequest
	case trade.CodeTradeNotFound, xerrors.CodeNotFound:
		return http.StatusNotFound
	case trade.CodeTradeConflict, trade.CodeInvalidState, xerrors.CodeConflict:
		return http.StatusConflict
	case trade.CodeRiskRejected, trade.CodeInvalidCode:
		return http.StatusUnprocessableEntity
	case xerrors.CodeOracleUnavailable, xerrors.CodeLedgerUnavailable,
		xerrors.CodeTimeout, xerrors.CodeInitializationFailure:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
