package didpay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Message types of the request protocol
const (
	TypePresentationRequest        = "PresentationRequest"
	TypeChallenge                  = "Challenge"
	TypeAskForService              = "AskForService"
	TypeServiceRequestConfirmation = "ServiceRequestConfirmation"
	TypeError                      = "Error"
)

// Machine-readable error codes carried by rejection responses
const (
	CodeVerificationFailed = "verification_failed"
	CodeInvalidDelegation  = "invalid_delegation"
	CodeRedemptionFailed   = "redemption_failed"
	CodeUnsupportedType    = "unsupported_type"
	CodeInvalidRequest     = "invalid_request"
	CodeInternal           = "internal_error"
)

type State string

const (
	StateIdle            State = "Idle"
	StateChallengeIssued State = "ChallengeIssued"
	StateVerifying       State = "Verifying"
	StateRedeeming       State = "Redeeming"
	StateConfirmed       State = "Confirmed"
	StateRejected        State = "Rejected"
)

var allowedTransitions = map[State][]State{
	StateIdle:            {StateChallengeIssued},
	StateChallengeIssued: {StateVerifying, StateRejected},
	StateVerifying:       {StateRedeeming, StateRejected},
	StateRedeeming:       {StateConfirmed, StateRejected},
}

type Transition struct {
	From   State     `json:"from"`
	To     State     `json:"to"`
	At     time.Time `json:"at"`
	Reason string    `json:"reason,omitempty"`
}

// Session records the state transitions of a single request/response exchange.
type Session struct {
	ID          string       `json:"id"`
	Sender      string       `json:"sender,omitempty"`
	State       State        `json:"state"`
	Transitions []Transition `json:"transitions"`

	lock sync.Mutex
}

func newSession(sender string, initial State) *Session {
	return &Session{ID: uuid.NewString(), Sender: sender, State: initial}
}

func (s *Session) transition(to State, reason string) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	for _, allowed := range allowedTransitions[s.State] {
		if allowed == to {
			s.Transitions = append(s.Transitions, Transition{From: s.State, To: to, At: time.Now(), Reason: reason})
			s.State = to
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.State, to)
}

func (s *Session) Current() State {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.State
}

// Message is an inbound protocol message.
type Message struct {
	ID      string          `json:"id,omitempty"`
	Type    string          `json:"type"`
	Sender  string          `json:"sender,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type askPayload struct {
	Presentation *Presentation `json:"presentation"`
}

type Service struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Endpoint    string `json:"endpoint,omitempty"`
}

// Response is the reply to a Message. Status is the HTTP-class outcome.
type Response struct {
	Status          int       `json:"-"`
	Type            string    `json:"type"`
	ThreadID        string    `json:"thid,omitempty"`
	Challenge       string    `json:"challenge,omitempty"`
	Address         string    `json:"address,omitempty"`
	Services        []Service `json:"services,omitempty"`
	TransactionHash string    `json:"transactionHash,omitempty"`
	UserOpHash      string    `json:"userOpHash,omitempty"`
	Code            string    `json:"code,omitempty"`
	Message         string    `json:"message,omitempty"`

	Session *Session `json:"-"`
}

// Verifier and Redeemer are the collaborators the handler orchestrates.
type Verifier interface {
	Verify(ctx context.Context, vp *Presentation) (bool, error)
}

type Redeemer interface {
	Redeem(ctx context.Context, vp *Presentation) (*Receipt, error)
}

type HandlerConfig struct {
	// provider account identifier returned with challenges
	Address string
	// offered on confirmation; DefaultService when empty
	Services []Service
}

// DefaultService is confirmed when no services are configured.
var DefaultService = Service{ID: "service", Name: "Paid service"}

// Handler runs the two-message request protocol. It keeps no state between
// requests beyond the challenge registry.
type Handler struct {
	verifier   Verifier
	redeemer   Redeemer
	challenges *ChallengeRegistry
	config     HandlerConfig
	logger     *slog.Logger
}

// NewHandler builds a Handler. A nil challenges gets a private registry with
// DefaultChallengeTTL.
func NewHandler(verifier Verifier, redeemer Redeemer, challenges *ChallengeRegistry, config HandlerConfig, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if challenges == nil {
		challenges = NewChallengeRegistry(0)
	}
	if len(config.Services) == 0 {
		config.Services = []Service{DefaultService}
	}
	return &Handler{
		verifier:   verifier,
		redeemer:   redeemer,
		challenges: challenges,
		config:     config,
		logger:     logger.With("component", "protocol"),
	}
}

func (h *Handler) reject(sess *Session, msg *Message, status int, code string, err error) *Response {
	if sess != nil && sess.Current() != StateIdle {
		if terr := sess.transition(StateRejected, code); terr != nil {
			h.logger.Error("session transition", "session", sess.ID, "err", terr)
		}
	}
	return &Response{
		Status:   status,
		Type:     TypeError,
		ThreadID: msg.ID,
		Code:     code,
		Message:  err.Error(),
		Session:  sess,
	}
}

// Handle processes one message. It never returns nil.
func (h *Handler) Handle(ctx context.Context, msg *Message) *Response {
	switch msg.Type {
	case TypePresentationRequest:
		return h.handlePresentationRequest(msg)
	case TypeAskForService:
		return h.handleAskForService(ctx, msg)
	}
	h.logger.Info("unsupported message type", "type", msg.Type, "sender", msg.Sender)
	return &Response{
		Status:   http.StatusBadRequest,
		Type:     TypeError,
		ThreadID: msg.ID,
		Code:     CodeUnsupportedType,
		Message:  fmt.Sprintf("unsupported request type: %q", msg.Type),
	}
}

func (h *Handler) handlePresentationRequest(msg *Message) *Response {
	sess := newSession(msg.Sender, StateIdle)
	challenge, err := h.challenges.Issue(msg.Sender)
	if err != nil {
		return h.reject(sess, msg, http.StatusInternalServerError, CodeInternal, err)
	}
	if err := sess.transition(StateChallengeIssued, ""); err != nil {
		return h.reject(sess, msg, http.StatusInternalServerError, CodeInternal, err)
	}
	h.logger.Info("challenge issued", "session", sess.ID, "sender", msg.Sender)
	return &Response{
		Status:    http.StatusOK,
		Type:      TypeChallenge,
		ThreadID:  msg.ID,
		Challenge: challenge,
		Address:   h.config.Address,
		Session:   sess,
	}
}

func (h *Handler) handleAskForService(ctx context.Context, msg *Message) *Response {
	sess := newSession(msg.Sender, StateChallengeIssued)
	logger := h.logger.With("session", sess.ID, "sender", msg.Sender)

	if err := sess.transition(StateVerifying, ""); err != nil {
		return h.reject(sess, msg, http.StatusInternalServerError, CodeInternal, err)
	}
	var payload askPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil || payload.Presentation == nil {
		return h.reject(sess, msg, http.StatusBadRequest, CodeVerificationFailed,
			fmt.Errorf("%w: payload.presentation missing or malformed", ErrVerificationFailed))
	}
	vp := payload.Presentation

	ok, err := h.verifier.Verify(ctx, vp)
	if err == nil && !ok {
		err = ErrVerificationFailed
	}
	if err != nil {
		logger.Info("presentation rejected", "err", err)
		return h.reject(sess, msg, http.StatusBadRequest, CodeVerificationFailed, err)
	}

	if err := sess.transition(StateRedeeming, ""); err != nil {
		return h.reject(sess, msg, http.StatusInternalServerError, CodeInternal, err)
	}
	receipt, err := h.redeemer.Redeem(ctx, vp)
	if err != nil {
		if errors.Is(err, ErrInvalidSigningInput) {
			logger.Info("delegation rejected", "err", err)
			return h.reject(sess, msg, http.StatusBadRequest, CodeInvalidDelegation, err)
		}
		logger.Error("redemption failed", "err", err)
		return h.reject(sess, msg, http.StatusInternalServerError, CodeRedemptionFailed, err)
	}

	if err := sess.transition(StateConfirmed, ""); err != nil {
		return h.reject(sess, msg, http.StatusInternalServerError, CodeInternal, err)
	}
	logger.Info("service confirmed", "tx", receipt.Receipt.TransactionHash)
	return &Response{
		Status:          http.StatusOK,
		Type:            TypeServiceRequestConfirmation,
		ThreadID:        msg.ID,
		Services:        h.config.Services,
		TransactionHash: receipt.Receipt.TransactionHash.Hex(),
		UserOpHash:      receipt.UserOpHash.Hex(),
		Session:         sess,
	}
}
