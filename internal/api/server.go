package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"PoF-Vault/internal/allowlist"
	"PoF-Vault/internal/auth"
	xerrors "PoF-Vault/internal/errors"
	"PoF-Vault/internal/observability/metrics"
	"PoF-Vault/internal/vault"
	"PoF-Vault/pkg/logger"
)

const maxBodyBytes = 1 << 20

// Dependencies 汇总 API 服务依赖的组件。
type Dependencies struct {
	Vault      *vault.Vault
	Signers    *allowlist.SignerAllowlist
	Compliance *allowlist.ComplianceAllowlist
	Auth       *auth.Service
	Metrics    *metrics.Collector
}

// Server 负责暴露 REST 接口。
type Server struct {
	addr       string
	vault      *vault.Vault
	signers    *allowlist.SignerAllowlist
	compliance *allowlist.ComplianceAllowlist
	auth       *auth.Service
	metrics    *metrics.Collector
	log        *slog.Logger
}

// NewServer 构造 API 服务实例。未配置认证服务时退化为开发模式，从请求头读取调用方。
func NewServer(addr string, deps Dependencies) *Server {
	log := logger.Named("api")
	authSvc := deps.Auth
	if authSvc == nil {
		log.Warn("未配置身份认证，调用方地址将直接取自请求头", slog.String("header", auth.CallerHeader))
		authSvc, _ = auth.NewService(auth.Config{Mode: auth.ModeDisabled})
	}
	collector := deps.Metrics
	if collector == nil {
		collector = metrics.Default()
	}
	return &Server{
		addr:       addr,
		vault:      deps.Vault,
		signers:    deps.Signers,
		compliance: deps.Compliance,
		auth:       authSvc,
		metrics:    collector,
		log:        log,
	}
}

// Handler 构建路由。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	s.route(mux, "GET /healthz", "healthz", s.handleHealth)
	s.route(mux, "POST /api/v1/auth/token", "auth.token", s.handleToken)

	s.route(mux, "GET /api/v1/domain", "domain", s.handleDomain)
	s.route(mux, "POST /api/v1/digest", "digest", s.handleDigest)
	s.route(mux, "GET /api/v1/accounts/{address}/nonce", "accounts.nonce", s.handleNonce)
	s.route(mux, "GET /api/v1/uniqueness/{key}", "uniqueness.get", s.handleUniqueness)

	s.route(mux, "GET /api/v1/records", "records.list", s.handleListRecords)
	s.route(mux, "GET /api/v1/records/{id}", "records.get", s.handleGetRecord)
	s.route(mux, "GET /api/v1/records/{id}/verify", "records.verify", s.handleVerify)
	s.route(mux, "GET /api/v1/records/{id}/metadata", "records.metadata", s.handleMetadata)
	s.route(mux, "POST /api/v1/records/escrow", "records.mint_escrow", s.handleMintEscrow, auth.PermissionMint)
	s.route(mux, "POST /api/v1/records/attested", "records.mint_attested", s.handleMintAttested, auth.PermissionMint)
	s.route(mux, "DELETE /api/v1/records/{id}", "records.burn", s.handleBurn, auth.PermissionBurn)
	s.route(mux, "POST /api/v1/records/{id}/transfer", "records.transfer", s.handleTransfer, auth.PermissionBurn)
	s.route(mux, "PUT /api/v1/records/{id}/revoked", "records.revoke", s.handleRevoke, auth.PermissionAdmin)

	s.route(mux, "GET /api/v1/vault", "vault.get", s.handleVault)
	s.route(mux, "PUT /api/v1/vault/soulbound", "vault.soulbound", s.handleSoulbound, auth.PermissionAdmin)
	s.route(mux, "PUT /api/v1/vault/owner", "vault.owner", s.handleOwner, auth.PermissionAdmin)

	s.route(mux, "GET /api/v1/allowlist/signers", "allowlist.signers", s.handleListSigners)
	s.route(mux, "PUT /api/v1/allowlist/signers/{address}", "allowlist.set_signer", s.handleSetSigner, auth.PermissionAdmin)
	s.route(mux, "GET /api/v1/allowlist/providers", "allowlist.providers", s.handleListProviders)
	s.route(mux, "PUT /api/v1/allowlist/providers/{address}", "allowlist.set_provider", s.handleSetProvider, auth.PermissionAdmin)
	s.route(mux, "GET /api/v1/allowlist/sanctions", "allowlist.sanctions", s.handleListSanctions)
	s.route(mux, "PUT /api/v1/allowlist/sanctions/{version}", "allowlist.set_sanctions", s.handleSetSanctions, auth.PermissionAdmin)

	return mux
}

// route 注册处理函数；给出权限时要求认证。
func (s *Server) route(mux *http.ServeMux, pattern, name string, h http.HandlerFunc, perms ...string) {
	var handler http.Handler = h
	if len(perms) > 0 {
		handler = s.auth.Middleware(auth.MiddlewareConfig{
			RequiredPermissions: map[string][]string{"*": perms},
			AuditEvent:          name,
		})(handler)
	}
	mux.Handle(pattern, s.instrument(name, handler))
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.log.Info("API 服务已启动", slog.String("addr", s.addr))

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

// instrument 记录请求指标并附加请求 ID。
func (s *Server) instrument(name string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)

		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		defer func() {
			if p := recover(); p != nil {
				s.log.Error("请求处理发生 panic", slog.String("handler", name), slog.Any("panic", p), slog.String("request_id", requestID))
				if !rec.wrote {
					writeError(rec, xerrors.New(xerrors.CodeUnknown, "internal error"))
				}
			}
			s.metrics.ObserveHTTPRequest(name, r.Method, rec.status, time.Since(start))
		}()
		next.ServeHTTP(rec, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	wrote  bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.wrote {
		r.status = code
		r.wrote = true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	r.wrote = true
	return r.ResponseWriter.Write(b)
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

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败"))
		return false
	}
	return true
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	var req auth.TokenRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	pair, err := s.auth.Authenticate(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pair)
}
