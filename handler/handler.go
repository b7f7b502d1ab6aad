package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"

	"assistant-relay/internal/usecase"
)

const (
	routeConnect    = "$connect"
	routeDisconnect = "$disconnect"
	routeAsk        = "ask"
)

type UseCase interface {
	Authorize(ctx context.Context, token string) (string, error)
	Ask(ctx context.Context, in usecase.AskInput) (usecase.AskOutput, error)
	Rate(ctx context.Context, in usecase.RateInput) error
	Reset(ctx context.Context, token string) error
	SaveHistory(ctx context.Context, in usecase.HistoryInput) error
}

type Handler struct {
	uc     UseCase
	logger *slog.Logger
}

type messageResponse struct {
	Message string `json:"message"`
}

func NewHandler(uc UseCase, logger *slog.Logger) (*Handler, error) {
	if uc == nil {
		return nil, errors.New("handler: use case must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{uc: uc, logger: logger}, nil
}

// Handle serves one WebSocket route invocation.
func (h *Handler) Handle(ctx context.Context, event events.APIGatewayWebsocketProxyRequest) (events.APIGatewayProxyResponse, error) {
	rc := event.RequestContext
	requestID := rc.RequestID
	if requestID == "" {
		requestID = uuid.NewString()
	}
	logger := h.logger.With("requestId", requestID, "connectionId", rc.ConnectionID, "routeKey", rc.RouteKey)

	switch rc.RouteKey {
	case routeConnect, routeDisconnect:
		logger.InfoContext(ctx, "connection event")
		return okResponse(), nil
	}

	routeAction := ""
	if rc.RouteKey == routeAsk {
		routeAction = actionAsk
	}
	req, err := decodeRequest(event.Body, routeAction)
	if err != nil {
		logger.WarnContext(ctx, "rejected request", "reason", "bad_envelope", "err", err)
		return messageJSON(http.StatusBadRequest, "Bad Request"), nil
	}

	switch r := req.(type) {
	case AskRequest:
		out, err := h.uc.Ask(ctx, usecase.AskInput{Token: r.Token, ConnectionID: rc.ConnectionID, Prompt: r.Prompt})
		if err != nil {
			return h.errorResponse(ctx, logger, actionAsk, err), nil
		}
		logger.InfoContext(ctx, "ask completed", "subject", out.Subject, "threadId", out.ThreadID, "fragments", out.Fragments)
	case RateRequest:
		if err := h.uc.Rate(ctx, usecase.RateInput{Token: r.Token, MessageID: r.MessageID, Rating: r.Rating}); err != nil {
			return h.errorResponse(ctx, logger, actionRate, err), nil
		}
	case ResetRequest:
		if err := h.uc.Reset(ctx, r.Token); err != nil {
			return h.errorResponse(ctx, logger, actionReset, err), nil
		}
	case HistoryRequest:
		if err := h.uc.SaveHistory(ctx, usecase.HistoryInput{Token: r.Token, MessageID: r.MessageID, Messages: r.Messages}); err != nil {
			return h.errorResponse(ctx, logger, actionHistory, err), nil
		}
	case UnknownRequest:
		subject, err := h.uc.Authorize(ctx, r.Token)
		if err != nil {
			return h.errorResponse(ctx, logger, r.Action, err), nil
		}
		logger.InfoContext(ctx, "ignored unknown action", "action", r.Action, "subject", subject)
	}
	return okResponse(), nil
}

func (h *Handler) errorResponse(ctx context.Context, logger *slog.Logger, action string, err error) events.APIGatewayProxyResponse {
	var usecaseErr *usecase.Error
	if !errors.As(err, &usecaseErr) {
		logger.ErrorContext(ctx, "request failed", "action", action, "err", err)
		return messageJSON(http.StatusInternalServerError, "Internal Server Error")
	}

	logger.InfoContext(ctx, "request failed", "action", action, "code", usecaseErr.Code, "reason", usecaseErr.Reason)
	switch usecaseErr.Code {
	case usecase.ErrorUnauthorized:
		return messageJSON(http.StatusUnauthorized, "Unauthorized")
	case usecase.ErrorInvalidInput:
		return messageJSON(http.StatusBadRequest, "Bad Request")
	default:
		return messageJSON(http.StatusInternalServerError, "Internal Server Error")
	}
}

func okResponse() events.APIGatewayProxyResponse {
	return jsonResponse(http.StatusOK, struct{}{})
}

func messageJSON(status int, message string) events.APIGatewayProxyResponse {
	return jsonResponse(status, messageResponse{Message: message})
}

func jsonResponse(status int, body any) events.APIGatewayProxyResponse {
	b, err := json.Marshal(body)
	if err != nil {
		status = http.StatusInternalServerError
		b = []byte(`{"message":"Internal Server Error"}`)
	}
	return events.APIGatewayProxyResponse{
		StatusCode: status,
		Headers: map[string]string{
			"Content-Type":                "application/json",
			"Access-Control-Allow-Origin": "*",
		},
		Body: string(b),
	}
}
