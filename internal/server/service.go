package server

import (
	"RaffleLedger/internal/core"
	"RaffleLedger/internal/ingestion"
	"RaffleLedger/internal/math"
	"RaffleLedger/internal/payout"
	"RaffleLedger/internal/query"
	"RaffleLedger/internal/state"
	"context"
	"fmt"
	"time"
)

// StateReader is the read side of the sequencer.
type StateReader interface {
	View(ctx context.Context) (core.RaffleView, error)
	TicketRange(ctx context.Context, index int) (state.TicketRange, bool, error)
	CheckUpkeep(ctx context.Context, now time.Time) (core.UpkeepStatus, error)
}

// RaffleService implements every API operation once. The gRPC handlers and
// the HTTP routes both call into it.
type RaffleService struct {
	gateway *ingestion.CommandGateway
	reader  StateReader
	queries *query.QueryService // nil when the service runs without Postgres
	admin   AdminStore
	now     func() time.Time
}

func NewRaffleService(gateway *ingestion.CommandGateway, reader StateReader, queries *query.QueryService) *RaffleService {
	return &RaffleService{
		gateway: gateway,
		reader:  reader,
		queries: queries,
		now:     time.Now,
	}
}

type principalKey struct{}

// WithPrincipal attaches the authenticated caller to ctx.
func WithPrincipal(ctx context.Context, p state.Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFrom returns the authenticated caller, or "" for anonymous reads.
func PrincipalFrom(ctx context.Context) state.Principal {
	p, _ := ctx.Value(principalKey{}).(state.Principal)
	return p
}

// --- Requests and responses ---

type Empty struct{}

// EnterRequest carries the treasury's receipt for the payment; entries
// without one are refused.
type EnterRequest struct {
	EntryID string                 `json:"entry_id"`
	Payment string                 `json:"payment"` // Decimal, e.g. "0.75"
	Receipt *payout.DepositReceipt `json:"receipt"`
}

type EnterResponse struct {
	Sequence    int64  `json:"sequence"`
	RoundID     int64  `json:"round_id"`
	FirstTicket int64  `json:"first_ticket"`
	LastTicket  int64  `json:"last_ticket"`
	TicketCount int64  `json:"ticket_count"`
	Refund      string `json:"refund"`
}

type CheckUpkeepResponse struct {
	Needed         bool    `json:"needed"`
	Balance        string  `json:"balance"`
	Players        int64   `json:"players"`
	State          string  `json:"state"`
	ElapsedSeconds float64 `json:"elapsed_seconds"`
}

type UpkeepRequest struct {
	UpkeepID string `json:"upkeep_id"`
}

type UpkeepResponse struct {
	RequestID string `json:"request_id"`
}

type WithdrawRequest struct {
	WithdrawalID string `json:"withdrawal_id"`
}

type WithdrawResponse struct {
	Amount string `json:"amount"`
}

type CancelRequest struct {
	CancelID string `json:"cancel_id"`
}

type CancelResponse struct {
	RequestID string `json:"request_id"`
}

type PendingRequest struct {
	RequestID   string    `json:"request_id"`
	RequestedAt time.Time `json:"requested_at"`
}

type RaffleStateResponse struct {
	Sequence        int64           `json:"sequence"`
	RoundID         int64           `json:"round_id"`
	State           string          `json:"state"`
	EntranceFee     string          `json:"entrance_fee"`
	TicketPrice     string          `json:"ticket_price"`
	IntervalSeconds int64           `json:"interval_seconds"`
	LastTimestamp   time.Time       `json:"last_timestamp"`
	LastWinner      string          `json:"last_winner,omitempty"`
	TotalTickets    int64           `json:"total_tickets"`
	TotalPlayers    int64           `json:"total_players"`
	RangeCount      int             `json:"range_count"`
	AccumulatedFees string          `json:"accumulated_fees"`
	HeldBalance     string          `json:"held_balance"`
	Operator        string          `json:"operator"`
	Pending         *PendingRequest `json:"pending,omitempty"`
	StateHash       string          `json:"state_hash"`
}

type TicketRangeRequest struct {
	Index int `json:"index"`
}

type TicketRangeResponse struct {
	Index int    `json:"index"`
	Start int64  `json:"start"`
	End   int64  `json:"end"`
	Owner string `json:"owner"`
}

type ListRoundsRequest struct {
	Limit       int    `json:"limit"`
	BeforeRound *int64 `json:"before_round,omitempty"`
}

type PlayerEntriesRequest struct {
	Player         string `json:"player"`
	Limit          int    `json:"limit"`
	BeforeSequence *int64 `json:"before_sequence,omitempty"`
}

func formatAmount(v int64) string {
	return math.FormatDecimal(v, math.AmountConfig)
}

// --- Commands ---

// Enter requires a caller-chosen entry ID so a replayed request is rejected
// as a duplicate instead of buying more tickets.
func (s *RaffleService) Enter(ctx context.Context, req *EnterRequest) (*EnterResponse, error) {
	if req.EntryID == "" {
		return nil, fmt.Errorf("%w: entry_id is required", core.ErrInvalidCommand)
	}
	payment, err := math.ParseDecimal(req.Payment, math.AmountConfig)
	if err != nil {
		return nil, fmt.Errorf("%w: payment: %v", core.ErrInvalidCommand, err)
	}
	if payment < 0 {
		return nil, fmt.Errorf("%w: negative payment", core.ErrInvalidCommand)
	}

	receipt, err := s.gateway.Enter(ctx, core.EnterCommand{
		EntryID: req.EntryID,
		Player:  PrincipalFrom(ctx),
		Payment: payment,
	}, req.Receipt)
	if err != nil {
		return nil, err
	}

	return &EnterResponse{
		Sequence:    receipt.Sequence,
		RoundID:     receipt.RoundID,
		FirstTicket: receipt.Range.Start,
		LastTicket:  receipt.Range.End,
		TicketCount: receipt.TicketCount,
		Refund:      formatAmount(receipt.Refund),
	}, nil
}

func (s *RaffleService) CheckUpkeep(ctx context.Context, _ *Empty) (*CheckUpkeepResponse, error) {
	status, err := s.reader.CheckUpkeep(ctx, s.now())
	if err != nil {
		return nil, err
	}
	return &CheckUpkeepResponse{
		Needed:         status.Needed,
		Balance:        formatAmount(status.Balance),
		Players:        status.Players,
		State:          status.State.String(),
		ElapsedSeconds: status.Elapsed.Seconds(),
	}, nil
}

// PerformUpkeep is open to any caller. Whether it does anything is decided
// by the upkeep predicate alone.
func (s *RaffleService) PerformUpkeep(ctx context.Context, req *UpkeepRequest) (*UpkeepResponse, error) {
	requestID, err := s.gateway.PerformUpkeep(ctx, req.UpkeepID)
	if err != nil {
		return nil, err
	}
	return &UpkeepResponse{RequestID: requestID}, nil
}

func (s *RaffleService) WithdrawFees(ctx context.Context, req *WithdrawRequest) (*WithdrawResponse, error) {
	amount, err := s.gateway.WithdrawFees(ctx, PrincipalFrom(ctx), req.WithdrawalID)
	if err != nil {
		return nil, err
	}
	return &WithdrawResponse{Amount: formatAmount(amount)}, nil
}

func (s *RaffleService) CancelRequest(ctx context.Context, req *CancelRequest) (*CancelResponse, error) {
	requestID, err := s.gateway.CancelRequest(ctx, PrincipalFrom(ctx), req.CancelID)
	if err != nil {
		return nil, err
	}
	return &CancelResponse{RequestID: requestID}, nil
}

// --- Reads ---

func (s *RaffleService) GetRaffleState(ctx context.Context, _ *Empty) (*RaffleStateResponse, error) {
	v, err := s.reader.View(ctx)
	if err != nil {
		return nil, err
	}

	resp := &RaffleStateResponse{
		Sequence:        v.Sequence,
		RoundID:         v.RoundID,
		State:           v.State.String(),
		EntranceFee:     formatAmount(v.EntranceFee),
		TicketPrice:     formatAmount(v.TicketPrice),
		IntervalSeconds: int64(v.Interval / time.Second),
		LastTimestamp:   v.LastTimestamp,
		LastWinner:      string(v.LastWinner),
		TotalTickets:    v.TotalTickets,
		TotalPlayers:    v.TotalPlayers,
		RangeCount:      v.RangeCount,
		AccumulatedFees: formatAmount(v.AccumulatedFees),
		HeldBalance:     formatAmount(v.HeldBalance),
		Operator:        string(v.Operator),
		StateHash:       fmt.Sprintf("%x", v.StateHash),
	}
	if v.Pending != nil {
		resp.Pending = &PendingRequest{
			RequestID:   v.Pending.RequestID,
			RequestedAt: v.Pending.RequestedAt,
		}
	}
	return resp, nil
}

func (s *RaffleService) GetTicketRange(ctx context.Context, req *TicketRangeRequest) (*TicketRangeResponse, error) {
	r, ok, err := s.reader.TicketRange(ctx, req.Index)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: no ticket range at index %d", errNotFound, req.Index)
	}
	return &TicketRangeResponse{
		Index: req.Index,
		Start: r.Start,
		End:   r.End,
		Owner: string(r.Owner),
	}, nil
}

func (s *RaffleService) ListRounds(ctx context.Context, req *ListRoundsRequest) (*query.Page[query.RoundResponse], error) {
	if s.queries == nil {
		return nil, errNoQueries
	}
	return s.queries.ListRounds(ctx, req.Limit, req.BeforeRound)
}

func (s *RaffleService) GetPlayerEntries(ctx context.Context, req *PlayerEntriesRequest) (*query.Page[query.EntryResponse], error) {
	if s.queries == nil {
		return nil, errNoQueries
	}
	if req.Player == "" {
		return nil, fmt.Errorf("%w: player is required", core.ErrInvalidCommand)
	}
	return s.queries.GetPlayerEntries(ctx, req.Player, req.Limit, req.BeforeSequence)
}

func (s *RaffleService) GetBalances(ctx context.Context, _ *Empty) (*query.Page[query.BalanceResponse], error) {
	if s.queries == nil {
		return nil, errNoQueries
	}
	return s.queries.GetBalances(ctx)
}

func (s *RaffleService) VerifyIntegrity(ctx context.Context, _ *Empty) (*query.IntegrityReport, error) {
	if s.queries == nil {
		return nil, errNoQueries
	}
	return s.queries.VerifyIntegrity(ctx)
}

// --- Admin ---

type EventLogInfoResponse struct {
	CoreSequence      int64 `json:"core_sequence"`
	PersistedSequence int64 `json:"persisted_sequence"`
}

type RebuildResponse struct {
	Rebuilt bool `json:"rebuilt"`
}

// AdminStore backs the admin operations.
type AdminStore interface {
	LatestSequence(ctx context.Context) (int64, error)
	RebuildProjections(ctx context.Context) error
}

// WithAdmin enables the admin operations.
func (s *RaffleService) WithAdmin(store AdminStore) *RaffleService {
	s.admin = store
	return s
}

func (s *RaffleService) GetEventLogInfo(ctx context.Context, _ *Empty) (*EventLogInfoResponse, error) {
	if s.admin == nil {
		return nil, errNoQueries
	}
	v, err := s.reader.View(ctx)
	if err != nil {
		return nil, err
	}
	persisted, err := s.admin.LatestSequence(ctx)
	if err != nil {
		return nil, fmt.Errorf("latest sequence: %w", err)
	}
	return &EventLogInfoResponse{CoreSequence: v.Sequence, PersistedSequence: persisted}, nil
}

// RebuildProjections truncates and replays the projection tables. Only the
// operator may call it.
func (s *RaffleService) RebuildProjections(ctx context.Context, _ *Empty) (*RebuildResponse, error) {
	if s.admin == nil {
		return nil, errNoQueries
	}
	v, err := s.reader.View(ctx)
	if err != nil {
		return nil, err
	}
	if caller := PrincipalFrom(ctx); caller.IsZero() || caller != v.Operator {
		return nil, fmt.Errorf("%w: rebuild is operator only", core.ErrUnauthorized)
	}
	if err := s.admin.RebuildProjections(ctx); err != nil {
		return nil, fmt.Errorf("rebuild projections: %w", err)
	}
	return &RebuildResponse{Rebuilt: true}, nil
}
