package handler

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"

	"teams-file-bot/internal/botframework"
	"teams-file-bot/internal/domain"
	"teams-file-bot/internal/usecase"
)

const (
	pathMessages      = "/api/messages"
	pathNotify        = "/api/notify"
	correlationHeader = "X-Correlation-Id"
	maxBodyBytes      = 1 << 20
	notifySentText    = "Messages have been sent"
)

// Adapter turns an inbound activity into a bot turn.
type Adapter interface {
	ProcessInbound(ctx context.Context, body []byte, authHeader string, bot botframework.Bot) (*domain.InvokeResponse, error)
}

// Notifier sends the proactive report offer to every known conversation.
type Notifier interface {
	NotifyAll(ctx context.Context) (usecase.BroadcastReport, error)
}

type Handler struct {
	adapter  Adapter
	bot      botframework.Bot
	notifier Notifier
	logger   *slog.Logger
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

type Option func(*Handler)

func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.logger = l
		}
	}
}

func NewHandler(adapter Adapter, bot botframework.Bot, notifier Notifier, opts ...Option) (*Handler, error) {
	if adapter == nil {
		return nil, errors.New("handler: adapter must not be nil")
	}
	if bot == nil {
		return nil, errors.New("handler: bot must not be nil")
	}
	if notifier == nil {
		return nil, errors.New("handler: notifier must not be nil")
	}
	h := &Handler{adapter: adapter, bot: bot, notifier: notifier, logger: slog.Default()}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.With("component", "handler")
	return h, nil
}

type request struct {
	method string
	path   string
	header func(name string) string
	body   []byte
}

type response struct {
	status  int
	headers map[string]string
	body    []byte
}

// Handle serves API Gateway proxy events.
func (h *Handler) Handle(ctx context.Context, event events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	body := []byte(event.Body)
	if event.IsBase64Encoded {
		decoded, err := base64.StdEncoding.DecodeString(event.Body)
		if err != nil {
			resp := errorJSON(http.StatusBadRequest, usecase.ErrorInvalidInput, "body is not valid base64")
			resp.headers[correlationHeader] = correlationID(headerLookup(event.Headers, event.MultiValueHeaders))
			return toProxyResponse(resp), nil
		}
		body = decoded
	}

	resp := h.serve(ctx, request{
		method: event.HTTPMethod,
		path:   event.Path,
		header: headerLookup(event.Headers, event.MultiValueHeaders),
		body:   body,
	})
	return toProxyResponse(resp), nil
}

// ServeHTTP serves the same routes to a plain HTTP listener.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	var resp response
	switch {
	case err != nil:
		resp = errorJSON(http.StatusBadRequest, usecase.ErrorInvalidInput, "could not read body")
		resp.headers[correlationHeader] = correlationID(r.Header.Get)
	case len(body) > maxBodyBytes:
		resp = errorJSON(http.StatusRequestEntityTooLarge, usecase.ErrorInvalidInput, "body too large")
		resp.headers[correlationHeader] = correlationID(r.Header.Get)
	default:
		resp = h.serve(r.Context(), request{method: r.Method, path: r.URL.Path, header: r.Header.Get, body: body})
	}

	for k, v := range resp.headers {
		w.Header().Set(k, v)
	}
	w.WriteHeader(resp.status)
	if len(resp.body) > 0 {
		_, _ = w.Write(resp.body)
	}
}

func (h *Handler) serve(ctx context.Context, req request) response {
	corrID := correlationID(req.header)
	logger := h.logger.With("correlation_id", corrID, "method", req.method, "path", req.path)

	var resp response
	switch strings.TrimSuffix(req.path, "/") {
	case pathMessages:
		if req.method != http.MethodPost {
			resp = methodNotAllowed(http.MethodPost)
			break
		}
		resp = h.messages(ctx, logger, req)
	case pathNotify:
		if req.method != http.MethodGet {
			resp = methodNotAllowed(http.MethodGet)
			break
		}
		resp = h.notify(ctx, logger)
	default:
		resp = errorJSON(http.StatusNotFound, usecase.ErrorInvalidInput, "not found")
	}

	resp.headers[correlationHeader] = corrID
	logger.Info("request served", "status", resp.status)
	return resp
}

func (h *Handler) messages(ctx context.Context, logger *slog.Logger, req request) response {
	if !strings.Contains(strings.ToLower(req.header("Content-Type")), "application/json") {
		return response{status: http.StatusUnsupportedMediaType, headers: map[string]string{}}
	}

	invoke, err := h.adapter.ProcessInbound(ctx, req.body, req.header("Authorization"), h.bot)
	switch {
	case errors.Is(err, botframework.ErrUnauthorized):
		logger.Warn("inbound activity rejected", "err", err)
		return errorJSON(http.StatusUnauthorized, usecase.ErrorUnauthorized, "")
	case errors.Is(err, botframework.ErrBadActivity):
		logger.Warn("inbound activity malformed", "err", err)
		return errorJSON(http.StatusBadRequest, usecase.ErrorInvalidInput, "malformed activity")
	case err != nil:
		logger.Error("inbound activity failed", "err", err)
		return errorJSON(statusFor(err), codeFor(err), "")
	}

	if invoke == nil {
		return response{status: http.StatusOK, headers: map[string]string{}}
	}
	resp := response{status: invoke.Status, headers: map[string]string{}}
	if invoke.Body != nil {
		raw, err := json.Marshal(invoke.Body)
		if err != nil {
			logger.Error("failed to encode invoke response", "err", err)
			return errorJSON(http.StatusInternalServerError, usecase.ErrorInternal, "")
		}
		resp.headers["Content-Type"] = "application/json"
		resp.body = raw
	}
	return resp
}

func (h *Handler) notify(ctx context.Context, logger *slog.Logger) response {
	report, err := h.notifier.NotifyAll(ctx)
	if err != nil {
		logger.Error("notify interrupted", "err", err, "attempted", report.Attempted, "delivered", report.Delivered)
		return errorJSON(statusFor(err), codeFor(err), "")
	}
	logger.Info("notify completed", "attempted", report.Attempted, "delivered", report.Delivered, "failed", report.Failed)
	return response{
		status:  http.StatusOK,
		headers: map[string]string{"Content-Type": "text/plain; charset=utf-8"},
		body:    []byte(notifySentText),
	}
}

func methodNotAllowed(allow string) response {
	resp := errorJSON(http.StatusMethodNotAllowed, usecase.ErrorInvalidInput, "method not allowed")
	resp.headers["Allow"] = allow
	return resp
}

func errorJSON(status int, code usecase.ErrorCode, message string) response {
	raw, _ := json.Marshal(errorResponse{Error: string(code), Message: message})
	return response{
		status:  status,
		headers: map[string]string{"Content-Type": "application/json"},
		body:    raw,
	}
}

func statusFor(err error) int {
	var ue *usecase.Error
	if errors.As(err, &ue) {
		switch ue.Code {
		case usecase.ErrorInvalidInput:
			return http.StatusBadRequest
		case usecase.ErrorUnauthorized:
			return http.StatusUnauthorized
		case usecase.ErrorUpstream:
			return http.StatusBadGateway
		}
		return http.StatusInternalServerError
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func codeFor(err error) usecase.ErrorCode {
	var ue *usecase.Error
	if errors.As(err, &ue) && ue.Code != "" {
		return ue.Code
	}
	return usecase.ErrorInternal
}

func correlationID(header func(string) string) string {
	if id := strings.TrimSpace(header(correlationHeader)); id != "" {
		return id
	}
	return uuid.NewString()
}

// headerLookup matches header names case-insensitively, as API Gateway
// forwards them as the client sent them.
func headerLookup(single map[string]string, multi map[string][]string) func(string) string {
	return func(name string) string {
		for k, v := range single {
			if strings.EqualFold(k, name) {
				return v
			}
		}
		for k, v := range multi {
			if strings.EqualFold(k, name) && len(v) > 0 {
				return v[0]
			}
		}
		return ""
	}
}

func toProxyResponse(resp response) events.APIGatewayProxyResponse {
	return events.APIGatewayProxyResponse{
		StatusCode: resp.status,
		Headers:    resp.headers,
		Body:       string(resp.body),
	}
}
