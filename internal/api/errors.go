package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"PoF-Vault/internal/custody"
	xerrors "PoF-Vault/internal/errors"
	"PoF-Vault/internal/signature"
	"PoF-Vault/internal/vault"
	"PoF-Vault/pkg/logger"
)

// errorBody 是错误响应的 JSON 结构，code 与 reason 原样返回给调用方。
type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code     string            `json:"code"`
	Reason   string            `json:"reason,omitempty"`
	Message  string            `json:"message"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

var statusByCode = map[xerrors.Code]int{
	xerrors.CodeInvalidArgument:       http.StatusBadRequest,
	xerrors.CodeNotFound:              http.StatusNotFound,
	xerrors.CodeConflict:              http.StatusConflict,
	xerrors.CodeUnauthenticated:       http.StatusUnauthorized,
	xerrors.CodePermissionDenied:      http.StatusForbidden,
	xerrors.CodeInitializationFailure: http.StatusServiceUnavailable,
	xerrors.CodeStorageFailure:        http.StatusServiceUnavailable,
	xerrors.CodeTimeout:               http.StatusGatewayTimeout,

	vault.CodeInvalidAmount:         http.StatusBadRequest,
	vault.CodeInvalidAttachment:     http.StatusBadRequest,
	vault.CodeComplianceRejected:    http.StatusUnprocessableEntity,
	vault.CodeUniquenessConflict:    http.StatusConflict,
	vault.CodeCustodyTransferFailed: http.StatusUnprocessableEntity,
	vault.CodeInvalidSigner:         http.StatusUnprocessableEntity,
	vault.CodeNotHolder:             http.StatusForbidden,
	vault.CodeNotOwner:              http.StatusForbidden,
	vault.CodeRecordNotFound:        http.StatusNotFound,
	vault.CodeTransferRejected:      http.StatusConflict,
	vault.CodeReentrantCall:         http.StatusConflict,

	signature.CodeInvalidSignature: http.StatusBadRequest,
	signature.CodeInvalidDomain:    http.StatusBadRequest,
	custody.CodeInsufficientFunds:  http.StatusUnprocessableEntity,
	custody.CodeRejected:           http.StatusUnprocessableEntity,
	custody.CodeChainFailure:       http.StatusBadGateway,
	custody.CodeUnconfirmed:        http.StatusGatewayTimeout,
}

// statusOf 将错误码映射为 HTTP 状态码。
func statusOf(code xerrors.Code) int {
	if status, ok := statusByCode[code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	code := xerrors.CodeOf(err)
	status := statusOf(code)
	detail := errorDetail{
		Code:    string(code),
		Reason:  xerrors.ReasonOf(err),
		Message: err.Error(),
	}
	if e, ok := xerrors.From(err); ok {
		detail.Metadata = e.Metadata()
	}
	// 服务端错误的底层原因（驱动、存储、链节点）只写入日志，不返回给调用方。
	if status >= http.StatusInternalServerError {
		detail.Message = xerrors.AttributesOf(code).Message
		logger.L().Error("请求处理失败", slog.String("code", string(code)), slog.Any("error", err))
	}
	writeJSON(w, status, errorBody{Error: detail})
}

func badRequest(w http.ResponseWriter, message string) {
	writeError(w, xerrors.New(xerrors.CodeInvalidArgument, message))
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}
