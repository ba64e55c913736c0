package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/malbeclabs/incentives/signing/pkg/request"
)

const maxUseCaseIDs = 100

// decodeSigned reads a SignedRequest and enforces the accepted kinds and the
// per-signer rate limit. It writes the error response itself.
func (s *Server) decodeSigned(w http.ResponseWriter, r *http.Request, kinds ...request.Kind) (*request.SignedRequest, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeStatusError(w, http.StatusRequestEntityTooLarge, "RequestTooLarge", err.Error())
			return nil, false
		}
		s.writeStatusError(w, http.StatusBadRequest, "InvalidRequest", "failed to read body")
		return nil, false
	}
	req, err := request.Decode(body)
	if err != nil {
		s.writeError(w, r, err)
		return nil, false
	}
	accepted := false
	for _, k := range kinds {
		if req.Kind() == k {
			accepted = true
		}
	}
	if !accepted {
		s.writeStatusError(w, http.StatusBadRequest, "InvalidRequest", "kind "+string(req.Kind())+" is not accepted on "+r.URL.Path)
		return nil, false
	}
	if s.signers != nil && req.SignerID != "" {
		if allowed, retryAfter := s.signers.AllowWithRetry(req.SignerID); !allowed {
			writeRateLimited(w, retryAfter)
			return nil, false
		}
	}
	return req, true
}

// handleDistribute handles POST /distribute for deposits and token rewards.
// The response echoes the payload fields next to the transaction id.
func (s *Server) handleDistribute(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeSigned(w, r, request.KindUseCaseDeposit, request.KindTokenReward)
	if !ok {
		return
	}
	res, err := s.cfg.Gate.Handle(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	data := map[string]any{}
	if raw, err := json.Marshal(req.Payload); err == nil {
		_ = json.Unmarshal(raw, &data)
	}
	data["kind"] = req.Kind()
	data["signerId"] = req.SignerID
	data["nonce"] = req.Nonce
	data["transactionId"] = res.TransactionID
	if res.Duplicate {
		data["duplicate"] = true
	}
	if res.Receipt != nil {
		data["amount"] = amount(res.Receipt.Amount)
		data["timestamp"] = res.Receipt.Timestamp
	}
	s.writeJSON(w, http.StatusOK, data)
}

// handleDistributeBatch handles POST /distribute/batch and answers once the
// batch is queued for the relay.
func (s *Server) handleDistributeBatch(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeSigned(w, r, request.KindDistributionBatch)
	if !ok {
		return
	}
	res, err := s.cfg.Gate.Handle(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	batch := req.Payload.(*request.DistributionBatchRequest)
	data := map[string]any{
		"messageId":  res.MessageID,
		"contractId": batch.ContractID,
		"entries":    len(batch.Distribution),
	}
	if res.Metadata != nil {
		data["nonce"] = res.Metadata.Nonce
		data["hash"] = res.Metadata.Hash
	}
	s.writeJSON(w, http.StatusAccepted, data)
}

// handleGetUseCases handles GET /use-cases?ids=a,b.
func (s *Server) handleGetUseCases(w http.ResponseWriter, r *http.Request) {
	var ids []string
	for _, id := range strings.Split(r.URL.Query().Get("ids"), ",") {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		s.writeStatusError(w, http.StatusBadRequest, "InvalidRequest", "ids is required")
		return
	}
	if len(ids) > maxUseCaseIDs {
		s.writeStatusError(w, http.StatusBadRequest, "InvalidRequest", "too many ids")
		return
	}
	infos, err := s.cfg.Ledger.GetMultipleUseCaseInfo(r.Context(), ids)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]useCaseView, 0, len(infos))
	for _, info := range infos {
		out = append(out, newUseCaseView(info))
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetUseCase(w http.ResponseWriter, r *http.Request) {
	info, err := s.cfg.Ledger.GetUseCaseInfo(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, newUseCaseView(info))
}

func (s *Server) handleGetParticipant(w http.ResponseWriter, r *http.Request) {
	addr, ok := s.addressParam(w, r)
	if !ok {
		return
	}
	info, err := s.cfg.Ledger.GetParticipantInfo(r.Context(), chi.URLParam(r, "id"), addr)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, newParticipantView(info))
}

func (s *Server) handleGetTotalShares(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	total, err := s.cfg.Ledger.TotalRewardShares(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"useCaseId": id, "totalRewardShares": total})
}

func (s *Server) handleGetBalance(w http.ResponseWriter, r *http.Request) {
	addr, ok := s.addressParam(w, r)
	if !ok {
		return
	}
	bal, err := s.cfg.Ledger.BalanceOf(r.Context(), addr)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"address": addr.Hex(), "balance": amount(bal)})
}

// handleGetHistory handles GET /history/{address}?start=&end= with RFC3339
// bounds. Missing bounds are open.
func (s *Server) handleGetHistory(w http.ResponseWriter, r *http.Request) {
	addr, ok := s.addressParam(w, r)
	if !ok {
		return
	}
	var start, end time.Time
	for name, dst := range map[string]*time.Time{"start": &start, "end": &end} {
		v := r.URL.Query().Get(name)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			s.writeStatusError(w, http.StatusBadRequest, "InvalidRequest", name+" must be RFC3339")
			return
		}
		*dst = t
	}
	if !start.IsZero() && !end.IsZero() && !start.Before(end) {
		s.writeStatusError(w, http.StatusBadRequest, "InvalidRequest", "start must be before end")
		return
	}
	transfers, err := s.cfg.Ledger.ListTransfers(r.Context(), addr, start, end)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]transferView, 0, len(transfers))
	for _, t := range transfers {
		out = append(out, newTransferView(t))
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) addressParam(w http.ResponseWriter, r *http.Request) (common.Address, bool) {
	raw := chi.URLParam(r, "address")
	if !common.IsHexAddress(raw) {
		s.writeStatusError(w, http.StatusBadRequest, "InvalidAddress", "address must be a hex address")
		return common.Address{}, false
	}
	return common.HexToAddress(raw), true
}
