package ledger

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// BpsDenominator is the basis-point scale of reward shares.
const BpsDenominator = 10000

// Record event types written by the ledger itself.
const (
	EventAllocation   = "allocation"
	EventDistribution = "distribution"
)

// Transfer kinds in the journal.
const (
	TransferMint     = "mint"
	TransferDeposit  = "deposit"
	TransferClaim    = "claim"
	TransferWithdraw = "withdraw"
)

// UseCaseState is derived from RewardsLocked and the lock window; it is never stored.
type UseCaseState string

const (
	StateOpen      UseCaseState = "open"
	StateLocked    UseCaseState = "locked"
	StateClaimable UseCaseState = "claimable"
)

type Participant struct {
	Address        common.Address
	RewardShareBps uint32
	FixedReward    *big.Int
}

// RewardRecord is one claimable entitlement. UnlockTime is zero until the use
// case is locked.
type RewardRecord struct {
	Index       int            `json:"index"`
	Participant common.Address `json:"participant"`
	Amount      *big.Int       `json:"amount"`
	UnlockTime  time.Time      `json:"unlockTime"`
	EventType   string         `json:"eventType"`
	Source      string         `json:"source,omitempty"`
	OperationID string         `json:"operationId,omitempty"`
	Claimed     bool           `json:"claimed"`
	Rejected    bool           `json:"rejected"`
	CreatedAt   time.Time      `json:"createdAt"`
}

// Pending reports whether the record still reserves part of the pool.
func (r *RewardRecord) Pending() bool {
	return !r.Claimed && !r.Rejected
}

func (r *RewardRecord) unlocked(now time.Time) bool {
	return !r.UnlockTime.IsZero() && !now.Before(r.UnlockTime)
}

// UseCase is a reward program. ShareBase is the pool snapshot that bps shares
// are computed against; it is zero until the use case is locked.
type UseCase struct {
	ID                  string
	Owner               common.Address
	TotalRewardPool     *big.Int
	RemainingRewardPool *big.Int
	ShareBase           *big.Int
	LockupPeriod        time.Duration
	LockTime            time.Time
	RewardsLocked       bool
	Participants        []Participant
	Records             []RewardRecord
	EventRewards        map[string]*big.Int
	Notifiers           []common.Address
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

func newUseCase(id string, owner common.Address, now time.Time) *UseCase {
	return &UseCase{
		ID:                  id,
		Owner:               owner,
		TotalRewardPool:     new(big.Int),
		RemainingRewardPool: new(big.Int),
		ShareBase:           new(big.Int),
		EventRewards:        map[string]*big.Int{},
		CreatedAt:           now,
		UpdatedAt:           now,
	}
}

// Clone returns a deep copy so that a failed operation never leaks partial
// mutations into stored state.
func (u *UseCase) Clone() *UseCase {
	c := *u
	c.TotalRewardPool = cloneInt(u.TotalRewardPool)
	c.RemainingRewardPool = cloneInt(u.RemainingRewardPool)
	c.ShareBase = cloneInt(u.ShareBase)
	c.Participants = make([]Participant, len(u.Participants))
	for i, p := range u.Participants {
		p.FixedReward = cloneInt(p.FixedReward)
		c.Participants[i] = p
	}
	c.Records = make([]RewardRecord, len(u.Records))
	for i, r := range u.Records {
		r.Amount = cloneInt(r.Amount)
		c.Records[i] = r
	}
	c.EventRewards = make(map[string]*big.Int, len(u.EventRewards))
	for k, v := range u.EventRewards {
		c.EventRewards[k] = cloneInt(v)
	}
	c.Notifiers = append([]common.Address(nil), u.Notifiers...)
	return &c
}

// UnlockAt is the end of the lockup window, or zero when not locked.
func (u *UseCase) UnlockAt() time.Time {
	if !u.RewardsLocked {
		return time.Time{}
	}
	return u.LockTime.Add(u.LockupPeriod)
}

func (u *UseCase) State(now time.Time) UseCaseState {
	switch {
	case !u.RewardsLocked:
		return StateOpen
	case now.Before(u.UnlockAt()):
		return StateLocked
	default:
		return StateClaimable
	}
}

func (u *UseCase) participant(addr common.Address) (int, bool) {
	for i := range u.Participants {
		if u.Participants[i].Address == addr {
			return i, true
		}
	}
	return -1, false
}

func (u *UseCase) TotalShares() uint32 {
	var total uint32
	for _, p := range u.Participants {
		total += p.RewardShareBps
	}
	return total
}

func (u *UseCase) TotalFixed() *big.Int {
	total := new(big.Int)
	for _, p := range u.Participants {
		total.Add(total, p.FixedReward)
	}
	return total
}

// Reserved is the sum of pending reward records.
func (u *UseCase) Reserved() *big.Int {
	total := new(big.Int)
	for i := range u.Records {
		if u.Records[i].Pending() {
			total.Add(total, u.Records[i].Amount)
		}
	}
	return total
}

// Unreserved is the part of the remaining pool not backing a pending record.
func (u *UseCase) Unreserved() *big.Int {
	free := new(big.Int).Sub(u.RemainingRewardPool, u.Reserved())
	if free.Sign() < 0 {
		return new(big.Int)
	}
	return free
}

func (u *UseCase) isNotifier(addr common.Address) bool {
	if addr == u.Owner {
		return true
	}
	for _, n := range u.Notifiers {
		if n == addr {
			return true
		}
	}
	return false
}

func (u *UseCase) appendRecord(r RewardRecord) *RewardRecord {
	r.Index = len(u.Records)
	if u.RewardsLocked {
		r.UnlockTime = u.UnlockAt()
	}
	u.Records = append(u.Records, r)
	return &u.Records[len(u.Records)-1]
}

type Account struct {
	Address     common.Address
	Balance     *big.Int
	PermitNonce uint64
}

type Transfer struct {
	ID            string
	TransactionID string
	UseCaseID     string
	Kind          string
	From          common.Address
	To            common.Address
	Amount        *big.Int
	CreatedAt     time.Time
}

// TransferFilter selects journal entries touching Address in [Start, End).
// Zero bounds are open.
type TransferFilter struct {
	Address common.Address
	Start   time.Time
	End     time.Time
	Limit   int
}

// Receipt is returned by every mutating ledger operation.
type Receipt struct {
	TransactionID string    `json:"transactionId"`
	Operation     string    `json:"operation"`
	UseCaseID     string    `json:"useCaseId,omitempty"`
	Amount        *big.Int  `json:"amount,omitempty"`
	Duplicate     bool      `json:"duplicate,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// UseCaseInfo is the read view of a use case.
type UseCaseInfo struct {
	ID                  string         `json:"id"`
	Owner               common.Address `json:"owner"`
	State               UseCaseState   `json:"state"`
	TotalRewardPool     *big.Int       `json:"totalRewardPool"`
	RemainingRewardPool *big.Int       `json:"remainingRewardPool"`
	ReservedRewards     *big.Int       `json:"reservedRewards"`
	ShareBase           *big.Int       `json:"shareBase"`
	LockupPeriodSeconds int64          `json:"lockupPeriodSeconds"`
	LockTime            *time.Time     `json:"lockTime,omitempty"`
	UnlockTime          *time.Time     `json:"unlockTime,omitempty"`
	RewardsLocked       bool           `json:"rewardsLocked"`
	TotalRewardShares   uint32         `json:"totalRewardShares"`
	ParticipantCount    int            `json:"participantCount"`
	RecordCount         int            `json:"recordCount"`
}

// ParticipantInfo is the read view of one participant. Entitlement is
// fixed + shareBase*bps/10000, computed against the unreserved pool while open
// and against the lock snapshot afterwards.
type ParticipantInfo struct {
	UseCaseID      string         `json:"useCaseId"`
	Address        common.Address `json:"address"`
	RewardShareBps uint32         `json:"rewardShareBps"`
	FixedReward    *big.Int       `json:"fixedReward"`
	Entitlement    *big.Int       `json:"entitlement"`
	PendingAmount  *big.Int       `json:"pendingAmount"`
	Claimable      *big.Int       `json:"claimable"`
	ClaimedAmount  *big.Int       `json:"claimedAmount"`
	Records        []RewardRecord `json:"records"`
}

func cloneInt(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}

// shareOf returns floor(base * bps / 10000).
func shareOf(base *big.Int, bps uint32) *big.Int {
	out := new(big.Int).Mul(base, big.NewInt(int64(bps)))
	return out.Quo(out, big.NewInt(BpsDenominator))
}
