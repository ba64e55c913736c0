package server

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"time"

	"github.com/malbeclabs/incentives/gate/pkg/authz"
	"github.com/malbeclabs/incentives/ledger/pkg/ledger"
	"github.com/malbeclabs/incentives/signing/pkg/request"
	"github.com/malbeclabs/incentives/utils/pkg/dberror"
	"github.com/malbeclabs/incentives/utils/pkg/errreport"
)

type envelope struct {
	Success bool       `json:"success"`
	Data    any        `json:"data,omitempty"`
	Error   *errorBody `json:"error,omitempty"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(envelope{Success: true, Data: data}); err != nil {
		s.log.Error("server: failed to encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := classify(err)
	msg := err.Error()
	if status >= http.StatusInternalServerError {
		s.log.Error("server: request failed", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
		errreport.Capture(err, map[string]string{"path": r.URL.Path, "code": code})
		if status == http.StatusServiceUnavailable {
			msg = dberror.UserMessage(err)
		}
	}
	s.writeStatusError(w, status, code, msg)
}

func (s *Server) writeStatusError(w http.ResponseWriter, status int, code, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(envelope{Error: &errorBody{Code: code, Message: msg}}); err != nil {
		s.log.Error("server: failed to encode error response", "error", err)
	}
}

// classify maps gate and ledger errors to an HTTP status and error code.
// Anything unrecognized is treated as a transient downstream failure.
func classify(err error) (int, string) {
	switch authz.KindOf(err) {
	case authz.KindValidation:
		return http.StatusBadRequest, authz.CodeOf(err)
	case authz.KindAuth:
		return http.StatusUnauthorized, authz.CodeOf(err)
	case authz.KindForbidden:
		return http.StatusForbidden, authz.CodeOf(err)
	case authz.KindReplay:
		return http.StatusConflict, authz.CodeOf(err)
	case authz.KindConfig:
		return http.StatusInternalServerError, authz.CodeOf(err)
	}
	if request.IsValidationError(err) {
		return http.StatusBadRequest, "InvalidRequest"
	}
	switch ledger.KindOf(err) {
	case ledger.KindValidation:
		return http.StatusBadRequest, ledger.CodeOf(err)
	case ledger.KindNotFound:
		return http.StatusNotFound, ledger.CodeOf(err)
	case ledger.KindState:
		return http.StatusConflict, ledger.CodeOf(err)
	case ledger.KindAuth:
		if errors.Is(err, ledger.ErrInvalidSignature) {
			return http.StatusUnauthorized, ledger.CodeOf(err)
		}
		return http.StatusForbidden, ledger.CodeOf(err)
	}
	if errors.Is(err, context.Canceled) {
		return 499, "Canceled"
	}
	return http.StatusServiceUnavailable, "Unavailable"
}

// Amounts are rendered as decimal strings so clients never round them.

func amount(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

type useCaseView struct {
	ID                  string     `json:"id"`
	Owner               string     `json:"owner"`
	State               string     `json:"state"`
	TotalRewardPool     string     `json:"totalRewardPool"`
	RemainingRewardPool string     `json:"remainingRewardPool"`
	ReservedRewards     string     `json:"reservedRewards"`
	ShareBase           string     `json:"shareBase"`
	LockupPeriodSeconds int64      `json:"lockupPeriodSeconds"`
	LockTime            *time.Time `json:"lockTime,omitempty"`
	UnlockTime          *time.Time `json:"unlockTime,omitempty"`
	RewardsLocked       bool       `json:"rewardsLocked"`
	TotalRewardShares   uint32     `json:"totalRewardShares"`
	ParticipantCount    int        `json:"participantCount"`
	RecordCount         int        `json:"recordCount"`
}

func newUseCaseView(info *ledger.UseCaseInfo) useCaseView {
	return useCaseView{
		ID:                  info.ID,
		Owner:               info.Owner.Hex(),
		State:               string(info.State),
		TotalRewardPool:     amount(info.TotalRewardPool),
		RemainingRewardPool: amount(info.RemainingRewardPool),
		ReservedRewards:     amount(info.ReservedRewards),
		ShareBase:           amount(info.ShareBase),
		LockupPeriodSeconds: info.LockupPeriodSeconds,
		LockTime:            info.LockTime,
		UnlockTime:          info.UnlockTime,
		RewardsLocked:       info.RewardsLocked,
		TotalRewardShares:   info.TotalRewardShares,
		ParticipantCount:    info.ParticipantCount,
		RecordCount:         info.RecordCount,
	}
}

type recordView struct {
	Index      int        `json:"index"`
	Amount     string     `json:"amount"`
	EventType  string     `json:"eventType"`
	Source     string     `json:"source,omitempty"`
	UnlockTime *time.Time `json:"unlockTime,omitempty"`
	Claimed    bool       `json:"claimed"`
	Rejected   bool       `json:"rejected"`
	CreatedAt  time.Time  `json:"createdAt"`
}

type participantView struct {
	UseCaseID      string       `json:"useCaseId"`
	Address        string       `json:"address"`
	RewardShareBps uint32       `json:"rewardShareBps"`
	FixedReward    string       `json:"fixedReward"`
	Entitlement    string       `json:"entitlement"`
	PendingAmount  string       `json:"pendingAmount"`
	Claimable      string       `json:"claimable"`
	ClaimedAmount  string       `json:"claimedAmount"`
	Records        []recordView `json:"records"`
}

func newParticipantView(info *ledger.ParticipantInfo) participantView {
	v := participantView{
		UseCaseID:      info.UseCaseID,
		Address:        info.Address.Hex(),
		RewardShareBps: info.RewardShareBps,
		FixedReward:    amount(info.FixedReward),
		Entitlement:    amount(info.Entitlement),
		PendingAmount:  amount(info.PendingAmount),
		Claimable:      amount(info.Claimable),
		ClaimedAmount:  amount(info.ClaimedAmount),
		Records:        make([]recordView, 0, len(info.Records)),
	}
	for _, rec := range info.Records {
		rv := recordView{
			Index:     rec.Index,
			Amount:    amount(rec.Amount),
			EventType: rec.EventType,
			Source:    rec.Source,
			Claimed:   rec.Claimed,
			Rejected:  rec.Rejected,
			CreatedAt: rec.CreatedAt,
		}
		if !rec.UnlockTime.IsZero() {
			t := rec.UnlockTime
			rv.UnlockTime = &t
		}
		v.Records = append(v.Records, rv)
	}
	return v
}

type transferView struct {
	ID            string    `json:"id"`
	TransactionID string    `json:"transactionId"`
	UseCaseID     string    `json:"useCaseId,omitempty"`
	Kind          string    `json:"kind"`
	From          string    `json:"from"`
	To            string    `json:"to"`
	Amount        string    `json:"amount"`
	CreatedAt     time.Time `json:"createdAt"`
}

func newTransferView(t ledger.Transfer) transferView {
	return transferView{
		ID:            t.ID,
		TransactionID: t.TransactionID,
		UseCaseID:     t.UseCaseID,
		Kind:          t.Kind,
		From:          t.From.Hex(),
		To:            t.To.Hex(),
		Amount:        amount(t.Amount),
		CreatedAt:     t.CreatedAt,
	}
}
