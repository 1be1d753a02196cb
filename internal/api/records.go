package api

import (
	"math/big"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"PoF-Vault/internal/auth"
	xerrors "PoF-Vault/internal/errors"
	"PoF-Vault/internal/ledger"
	"PoF-Vault/internal/metadata"
	"PoF-Vault/internal/vault"
)

func callerOf(r *http.Request) common.Address {
	if subject := auth.SubjectFromContext(r.Context()); subject != nil {
		return subject.Address
	}
	return common.Address{}
}

func (s *Server) handleMintEscrow(w http.ResponseWriter, r *http.Request) {
	var req EscrowMintRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	asset, err := parseAddress("asset", req.Asset)
	if err != nil {
		writeError(w, err)
		return
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		writeError(w, err)
		return
	}
	id, err := s.vault.MintEscrow(r.Context(), callerOf(r), vault.EscrowMint{
		Asset:      asset,
		Amount:     amount,
		Expiry:     req.Expiry,
		Compliance: req.Compliance,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, MintResponse{ID: id})
}

func (s *Server) handleMintAttested(w http.ResponseWriter, r *http.Request) {
	var req AttestedMintRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	account, err := parseAddress("account", req.Account)
	if err != nil {
		writeError(w, err)
		return
	}
	asset, err := parseAddress("asset", req.Asset)
	if err != nil {
		writeError(w, err)
		return
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		writeError(w, err)
		return
	}
	sig, err := hexutil.Decode(req.Signature)
	if err != nil {
		badRequest(w, "signature 必须是 0x 前缀的十六进制")
		return
	}
	id, err := s.vault.MintAttested(r.Context(), callerOf(r), vault.AttestedMint{
		Account:    account,
		Asset:      asset,
		Amount:     amount,
		Expiry:     req.Expiry,
		Signature:  sig,
		Compliance: req.Compliance,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, MintResponse{ID: id})
}

func (s *Server) handleBurn(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.vault.Burn(r.Context(), callerOf(r), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTransfer(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	var req TransferRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	to, err := parseAddress("to", req.To)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.vault.Transfer(r.Context(), callerOf(r), id, to); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	var req FlagRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.vault.SetRevoked(r.Context(), callerOf(r), id, req.Value); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) recordView(r *http.Request, record *ledger.Record) (RecordView, error) {
	var escrow *big.Int
	if record.Mode == ledger.ModeEscrow {
		var err error
		escrow, err = s.vault.Escrowed(r.Context(), record.ID)
		if err != nil {
			return RecordView{}, err
		}
	}
	return newRecordView(record, escrow), nil
}

func (s *Server) handleGetRecord(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	record, err := s.vault.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	view, err := s.recordView(r, record)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleListRecords(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	var opts []ledger.ListOption
	if raw := query.Get("holder"); raw != "" {
		holder, err := parseAddress("holder", raw)
		if err != nil {
			writeError(w, err)
			return
		}
		opts = append(opts, ledger.WithHolder(holder))
	}
	if raw := query.Get("mode"); raw != "" {
		mode := ledger.Mode(raw)
		if mode != ledger.ModeEscrow && mode != ledger.ModeAttested {
			badRequest(w, "mode 只能是 ESCROW 或 ATTESTED")
			return
		}
		opts = append(opts, ledger.WithMode(mode))
	}
	if raw := query.Get("include_revoked"); raw != "" {
		include, err := strconv.ParseBool(raw)
		if err != nil {
			badRequest(w, "include_revoked 必须是布尔值")
			return
		}
		opts = append(opts, ledger.WithRevoked(include))
	}
	if raw := query.Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			opts = append(opts, ledger.WithLimit(parsed))
		}
	}
	if raw := query.Get("offset"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed >= 0 {
			opts = append(opts, ledger.WithOffset(parsed))
		}
	}

	records, err := s.vault.List(r.Context(), opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	views := make([]RecordView, 0, len(records))
	for _, record := range records {
		view, err := s.recordView(r, record)
		if err != nil {
			writeError(w, err)
			return
		}
		views = append(views, view)
	}
	writeJSON(w, http.StatusOK, views)
}

// VerifyResponse 是校验接口的响应。
type VerifyResponse struct {
	ID     uint64       `json:"id"`
	Valid  bool         `json:"valid"`
	Reason vault.Reason `json:"reason"`
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	query := r.URL.Query()
	asset, err := parseOptionalAddress("asset", query.Get("asset"))
	if err != nil {
		writeError(w, err)
		return
	}
	minAmount := new(big.Int)
	if raw := query.Get("min_amount"); raw != "" {
		if minAmount, err = parseAmount("min_amount", raw); err != nil {
			writeError(w, err)
			return
		}
		if minAmount.Sign() < 0 {
			badRequest(w, "min_amount 不能为负数")
			return
		}
	}
	result, err := s.vault.Verify(r.Context(), id, asset, minAmount)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, VerifyResponse{ID: id, Valid: result.Valid, Reason: result.Reason})
}

func (s *Server) handleMetadata(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	record, err := s.vault.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	result, err := s.vault.Verify(r.Context(), id, common.Address{}, nil)
	if err != nil {
		writeError(w, err)
		return
	}
	doc, err := metadata.Render(record, metadata.Status{Valid: result.Valid, Reason: string(result.Reason)})
	if err != nil {
		writeError(w, xerrors.Wrap(xerrors.CodeUnknown, err, "渲染元数据失败"))
		return
	}
	writeJSON(w, http.StatusOK, doc)
}
