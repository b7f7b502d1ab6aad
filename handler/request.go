package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"assistant-relay/internal/domain"
)

const (
	actionAsk     = "ask"
	actionRate    = "rate"
	actionReset   = "reset"
	actionHistory = "history"
)

var errBadEnvelope = errors.New("handler: bad request envelope")

type envelope struct {
	Action string          `json:"action"`
	Token  string          `json:"token"`
	Data   json.RawMessage `json:"data"`
}

// Request is one decoded inbound action. The set of variants is closed to
// this package.
type Request interface {
	isRequest()
}

type AskRequest struct {
	Token  string
	Prompt string
}

type RateRequest struct {
	Token     string
	MessageID string
	Rating    domain.Rating
}

type ResetRequest struct {
	Token string
}

type HistoryRequest struct {
	Token     string
	MessageID string
	Messages  []domain.HistoryMessage
}

// UnknownRequest carries an action this service does not handle. It is
// still authorized before being acknowledged.
type UnknownRequest struct {
	Token  string
	Action string
}

func (AskRequest) isRequest()     {}
func (RateRequest) isRequest()    {}
func (ResetRequest) isRequest()   {}
func (HistoryRequest) isRequest() {}
func (UnknownRequest) isRequest() {}

type ratePayload struct {
	MessageID string `json:"messageId"`
	Rating    string `json:"rating"`
}

type historyPayload struct {
	MessageID string                  `json:"messageId"`
	Messages  []domain.HistoryMessage `json:"messages"`
}

// decodeRequest parses body into its action variant. routeAction, when set,
// overrides the body's action field.
func decodeRequest(body, routeAction string) (Request, error) {
	var env envelope
	if strings.TrimSpace(body) == "" {
		return nil, fmt.Errorf("%w: empty body", errBadEnvelope)
	}
	if err := json.Unmarshal([]byte(body), &env); err != nil {
		return nil, fmt.Errorf("%w: %v", errBadEnvelope, err)
	}
	action := env.Action
	if routeAction != "" {
		action = routeAction
	}

	switch action {
	case actionAsk:
		var prompt string
		if err := decodeData(env.Data, &prompt); err != nil {
			return nil, err
		}
		return AskRequest{Token: env.Token, Prompt: prompt}, nil
	case actionRate:
		var p ratePayload
		if err := decodeData(env.Data, &p); err != nil {
			return nil, err
		}
		return RateRequest{Token: env.Token, MessageID: p.MessageID, Rating: domain.Rating(p.Rating)}, nil
	case actionReset:
		return ResetRequest{Token: env.Token}, nil
	case actionHistory:
		var p historyPayload
		if err := decodeData(env.Data, &p); err != nil {
			return nil, err
		}
		return HistoryRequest{Token: env.Token, MessageID: p.MessageID, Messages: p.Messages}, nil
	default:
		return UnknownRequest{Token: env.Token, Action: action}, nil
	}
}

// decodeData leaves out untouched when data is absent or null.
func decodeData(data json.RawMessage, out any) error {
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: data: %v", errBadEnvelope, err)
	}
	return nil
}
