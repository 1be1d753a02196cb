package auth

import (
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	xerrors "PoF-Vault/internal/errors"
	loggerpkg "PoF-Vault/pkg/logger"
)

// MiddlewareConfig 配置身份认证中间件的行为。
type MiddlewareConfig struct {
	// RequiredPermissions 定义每个 HTTP 方法所需的权限列表。
	RequiredPermissions map[string][]string
	// AuditEvent 指定记录审计日志时使用的事件名称。
	AuditEvent string
}

// Middleware 返回一个 HTTP 中间件，用于处理身份认证和授权。
// 认证关闭时从 CallerHeader 读取调用方地址，仅用于本地开发。
func (s *Service) Middleware(cfg MiddlewareConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			logger := loggerpkg.Audit()
			if s != nil && s.audit != nil {
				logger = s.audit
			}

			subject, err := s.resolve(r)
			if err != nil {
				status := http.StatusUnauthorized
				if xerrors.CodeOf(err) == xerrors.CodePermissionDenied {
					status = http.StatusForbidden
				}
				http.Error(w, http.StatusText(status), status)
				logger.Warn("access_denied",
					"path", r.URL.Path,
					"method", r.Method,
					"status", status,
					"error", err.Error(),
				)
				return
			}
			// 授权请求。
			perms := cfg.RequiredPermissions[r.Method]
			if len(perms) == 0 {
				perms = cfg.RequiredPermissions["*"]
			}
			if len(perms) > 0 {
				if err := subject.Authorize(perms...); err != nil {
					status := http.StatusForbidden
					http.Error(w, http.StatusText(status), status)
					logger.Warn("permission_denied",
						"path", r.URL.Path,
						"method", r.Method,
						"status", status,
						"error", err.Error(),
						"caller", subject.Address.Hex(),
					)
					return
				}
			}
			// 记录审计日志。
			start := time.Now()
			aw := &auditWriter{ResponseWriter: w, status: http.StatusOK}
			ctx := WithSubject(r.Context(), subject)
			next.ServeHTTP(aw, r.WithContext(ctx))
			event := cfg.AuditEvent
			if event == "" {
				event = r.URL.Path
			}
			logger.Info("api_request",
				"event", event,
				"method", r.Method,
				"path", r.URL.Path,
				"status", aw.status,
				"duration_ms", time.Since(start).Milliseconds(),
				"caller", subject.Address.Hex(),
			)
		})
	}
}

func (s *Service) resolve(r *http.Request) (*Subject, error) {
	if s == nil || s.mode == ModeDisabled {
		raw := strings.TrimSpace(r.Header.Get(CallerHeader))
		if !common.IsHexAddress(raw) {
			return nil, ErrMissingToken
		}
		return &Subject{Address: common.HexToAddress(raw), Permissions: DefaultPermissions}, nil
	}
	return s.AuthenticateRequest(r.Context(), r.Header.Get("Authorization"))
}

// auditWriter 包装 http.ResponseWriter，用于捕获响应状态码。
type auditWriter struct {
	http.ResponseWriter
	status int
}

// WriteHeader 捕获响应状态码并调用底层的 WriteHeader 方法。
func (w *auditWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
