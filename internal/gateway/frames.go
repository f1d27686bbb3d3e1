/**
 * @description
 * This file defines the wire frames of the push channel and the dispatch of
 * inbound action frames into the engines. Server-to-client frames carry the
 * four event types plus an `error` type; client-to-server frames mirror the
 * REST operations, so a client may drive the whole exchange flow over the
 * socket.
 *
 * Engine results are not echoed directly back to the caller: the committed
 * state change fans out as an event to every session of both participants,
 * the caller's included. Only failures produce a direct error frame.
 */

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/campusthrift/exchange-service/internal/app"
	"github.com/campusthrift/exchange-service/internal/domain"
	"github.com/campusthrift/exchange-service/internal/store"
)

// Client action types accepted over the socket.
const (
	ActionPropose             = "propose"
	ActionAcceptRequest       = "accept_request"
	ActionRejectRequest       = "reject_request"
	ActionCancelRequest       = "cancel_request"
	ActionSetMeetup           = "set_meetup"
	ActionConfirmCompletion   = "confirm_completion"
	ActionConfirmCancellation = "confirm_cancellation"
)

// clientFrame is a client-to-server message.
type clientFrame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// serverFrame is a server-to-client message.
type serverFrame struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// errorPayload reports a rejected action back to the session that sent it.
type errorPayload struct {
	Action string `json:"action,omitempty"`
	Error  string `json:"error"`
}

// requestRef addresses a buy request.
type requestRef struct {
	RequestID uuid.UUID `json:"request_id"`
}

// transactionRef addresses a transaction.
type transactionRef struct {
	TransactionID uuid.UUID `json:"transaction_id"`
}

// setMeetupFrame addresses a transaction and carries the meetup edits.
type setMeetupFrame struct {
	TransactionID uuid.UUID `json:"transaction_id"`
	domain.UpdateMeetupPayload
}

const actionTimeout = 30 * time.Second

func (s *session) handleFrame(raw []byte) {
	var frame clientFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		s.sendError("", "malformed frame: expected {type, data}")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
	defer cancel()

	var err error
	switch frame.Type {
	case ActionPropose:
		var payload domain.CreateBuyRequestPayload
		if err = json.Unmarshal(frame.Data, &payload); err == nil {
			_, err = s.gateway.service.Propose(ctx, s.userID, payload)
		}
	case ActionAcceptRequest:
		var ref requestRef
		if err = json.Unmarshal(frame.Data, &ref); err == nil {
			_, err = s.gateway.service.Accept(ctx, ref.RequestID, s.userID)
		}
	case ActionRejectRequest:
		var ref requestRef
		if err = json.Unmarshal(frame.Data, &ref); err == nil {
			_, err = s.gateway.service.Reject(ctx, ref.RequestID, s.userID)
		}
	case ActionCancelRequest:
		var ref requestRef
		if err = json.Unmarshal(frame.Data, &ref); err == nil {
			_, err = s.gateway.service.CancelRequest(ctx, ref.RequestID, s.userID)
		}
	case ActionSetMeetup:
		var payload setMeetupFrame
		if err = json.Unmarshal(frame.Data, &payload); err == nil {
			_, err = s.gateway.service.SetMeetup(ctx, payload.TransactionID, s.userID, payload.UpdateMeetupPayload)
		}
	case ActionConfirmCompletion:
		var ref transactionRef
		if err = json.Unmarshal(frame.Data, &ref); err == nil {
			_, err = s.gateway.service.ConfirmCompletion(ctx, ref.TransactionID, s.userID)
		}
	case ActionConfirmCancellation:
		var ref transactionRef
		if err = json.Unmarshal(frame.Data, &ref); err == nil {
			_, err = s.gateway.service.ConfirmCancellation(ctx, ref.TransactionID, s.userID)
		}
	default:
		s.sendError(frame.Type, "unknown action type")
		return
	}

	if err != nil {
		if !expectedActionError(err) {
			log.Printf("level=error component=gateway msg=\"action failed\" user_id=%s action=%s err=%v", s.userID, frame.Type, err)
		}
		s.sendError(frame.Type, err.Error())
	}
}

// expectedActionError reports whether err is part of the protocol's normal
// vocabulary (a race the client resolves by re-fetching) rather than a
// server-side fault worth an error-level log.
func expectedActionError(err error) bool {
	return errors.Is(err, app.ErrNotSeller) ||
		errors.Is(err, app.ErrNotBuyer) ||
		errors.Is(err, app.ErrNotParticipant) ||
		errors.Is(err, app.ErrOwnItem) ||
		errors.Is(err, app.ErrRequestNotPending) ||
		errors.Is(err, app.ErrTransactionTerminal) ||
		errors.Is(err, app.ErrActiveRequestExists) ||
		errors.Is(err, app.ErrRateLimited) ||
		errors.Is(err, store.ErrBuyRequestNotFound) ||
		errors.Is(err, store.ErrTransactionNotFound) ||
		errors.Is(err, store.ErrDuplicateLiveTransaction)
}

// sendError queues an error frame for the write pump. If the control queue is
// full the frame is dropped; the client finds out on its next read anyway.
func (s *session) sendError(action, message string) {
	frame := serverFrame{Type: "error", Data: errorPayload{Action: action, Error: message}}
	select {
	case s.out <- frame:
	default:
	}
}
