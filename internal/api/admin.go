package api

import (
	"net/http"

	"github.com/ethereum/go-ethereum/common"

	"PoF-Vault/internal/signature"
)

func (s *Server) handleDomain(w http.ResponseWriter, _ *http.Request) {
	domain := s.vault.Domain()
	verifier, err := signature.NewVerifier(domain)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, DomainView{
		Name:              domain.Name,
		Version:           domain.Version,
		ChainID:           domain.ChainID.String(),
		VerifyingContract: domain.VerifyingContract,
		Separator:         verifier.Separator(),
		PrimaryType:       signature.PrimaryType,
	})
}

func (s *Server) handleDigest(w http.ResponseWriter, r *http.Request) {
	var req MessageRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	msg, err := req.message()
	if err != nil {
		writeError(w, err)
		return
	}
	digest, err := s.vault.Digest(msg)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, DigestView{Digest: digest, TypedData: signature.TypedData(s.vault.Domain(), msg)})
}

func (s *Server) handleNonce(w http.ResponseWriter, r *http.Request) {
	account, err := parseAddress("address", r.PathValue("address"))
	if err != nil {
		writeError(w, err)
		return
	}
	nonce, err := s.vault.NonceOf(r.Context(), account)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"account": account, "nonce": nonce})
}

func (s *Server) handleUniqueness(w http.ResponseWriter, r *http.Request) {
	key, err := parseHash("key", r.PathValue("key"))
	if err != nil {
		writeError(w, err)
		return
	}
	active, err := s.vault.IsUniquenessActive(r.Context(), key)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"key": key, "active": active})
}

func (s *Server) handleVault(w http.ResponseWriter, r *http.Request) {
	owner, err := s.vault.Owner(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	soulbound, err := s.vault.Soulbound(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, VaultView{Owner: owner, Soulbound: soulbound})
}

func (s *Server) handleSoulbound(w http.ResponseWriter, r *http.Request) {
	var req FlagRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.vault.SetSoulbound(r.Context(), callerOf(r), req.Value); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleOwner(w http.ResponseWriter, r *http.Request) {
	var req OwnerRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	owner, err := parseAddress("owner", req.Owner)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.vault.TransferOwnership(r.Context(), callerOf(r), owner); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// AllowlistView 列出名单成员与管理员。
type AllowlistView struct {
	Owner   common.Address `json:"owner"`
	Members []string       `json:"members"`
}

func addressStrings(addrs []common.Address) []string {
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, a.Hex())
	}
	return out
}

func (s *Server) handleListSigners(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, AllowlistView{Owner: s.signers.Owner(), Members: addressStrings(s.signers.Signers())})
}

func (s *Server) handleSetSigner(w http.ResponseWriter, r *http.Request) {
	signer, err := parseAddress("address", r.PathValue("address"))
	if err != nil {
		writeError(w, err)
		return
	}
	var req FlagRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.signers.SetSigner(r.Context(), callerOf(r), signer, req.Value); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListProviders(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, AllowlistView{Owner: s.compliance.Owner(), Members: addressStrings(s.compliance.Providers())})
}

func (s *Server) handleSetProvider(w http.ResponseWriter, r *http.Request) {
	provider, err := parseAddress("address", r.PathValue("address"))
	if err != nil {
		writeError(w, err)
		return
	}
	var req FlagRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.compliance.SetProvider(r.Context(), callerOf(r), provider, req.Value); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListSanctions(w http.ResponseWriter, _ *http.Request) {
	versions := s.compliance.SanctionsVersions()
	members := make([]string, 0, len(versions))
	for _, v := range versions {
		members = append(members, v.Hex())
	}
	writeJSON(w, http.StatusOK, AllowlistView{Owner: s.compliance.Owner(), Members: members})
}

func (s *Server) handleSetSanctions(w http.ResponseWriter, r *http.Request) {
	version, err := parseHash("version", r.PathValue("version"))
	if err != nil {
		writeError(w, err)
		return
	}
	var req FlagRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.compliance.SetSanctionsVersion(r.Context(), callerOf(r), version, req.Value); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
