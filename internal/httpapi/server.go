// Package httpapi exposes the inbound webhook and the operator-facing
// registration endpoints.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/edgard/signalbot/internal/normalizer"
	"github.com/edgard/signalbot/internal/queue"
	"github.com/edgard/signalbot/internal/registration"
	"github.com/edgard/signalbot/internal/router"
)

const maxBodyBytes = 64 * 1024

// Server is the HTTP surface of the bot.
type Server struct {
	httpServer      *http.Server
	publisher       router.Publisher
	machine         *registration.Machine
	deadLetters     DeadLetterLister
	validate        *validator.Validate
	logger          *slog.Logger
	shutdownTimeout time.Duration
}

// DeadLetterLister exposes dead letters for operator inspection.
type DeadLetterLister interface {
	ListDeadLetters(ctx context.Context, limit int) ([]queue.DeadLetter, error)
}

// NewServer creates the HTTP server and registers all routes.
func NewServer(addr string, shutdownTimeout time.Duration, publisher router.Publisher, machine *registration.Machine, deadLetters DeadLetterLister, logger *slog.Logger) *Server {
	s := &Server{
		publisher:       publisher,
		machine:         machine,
		deadLetters:     deadLetters,
		validate:        validator.New(),
		logger:          logger.With("component", "httpapi"),
		shutdownTimeout: shutdownTimeout,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleWebhook)
	mux.HandleFunc("/register", s.handleRegister)
	mux.HandleFunc("/verify", s.handleVerify)
	mux.HandleFunc("/registration", s.handleRegistrationStatus)
	mux.HandleFunc("/dead-letters", s.handleDeadLetters)
	mux.HandleFunc("/health", s.handleHealth)

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Run serves until the context is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http server shutdown failed: %w", err)
	}
	s.logger.Info("HTTP server stopped gracefully.")
	return nil
}

// handleWebhook ingests one messaging-platform envelope: normalize, then
// enqueue the canonical Message keyed by its idempotency ID.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "failed to read body"})
		return
	}

	msg, err := normalizer.Normalize(body)
	switch {
	case errors.Is(err, normalizer.ErrNotTextMessage):
		writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		return
	case errors.Is(err, normalizer.ErrMalformedPayload):
		s.logger.WarnContext(r.Context(), "Rejected malformed webhook payload", "error", err)
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	case err != nil:
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	if err := s.publisher.Publish(r.Context(), queue.InboundMessages, msg.MessageID, payload); err != nil {
		s.logger.ErrorContext(r.Context(), "Failed to enqueue inbound message",
			"message_id", msg.MessageID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to accept message"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":     "accepted",
		"message_id": msg.MessageID,
	})
}

type registerRequest struct {
	PhoneNumber  string `json:"phone_number"  validate:"required,e164"`
	CaptchaToken string `json:"captcha_token"`
}

// handleRegister starts registration of a phone number. When a captcha
// token is included, it is submitted in the same call.
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}

	var req registerRequest
	if !s.decodeAndValidate(w, r, &req) {
		return
	}

	status, err := s.machine.Request(r.Context(), req.PhoneNumber)
	if err != nil {
		s.writeRegistrationError(w, r, err)
		return
	}

	if req.CaptchaToken != "" {
		status, err = s.machine.SubmitCaptcha(r.Context(), req.PhoneNumber, req.CaptchaToken)
		if err != nil {
			s.writeRegistrationError(w, r, err)
			return
		}
	}

	writeJSON(w, http.StatusOK, status)
}

type verifyRequest struct {
	PhoneNumber string `json:"phone_number" validate:"required,e164"`
	SmsCode     string `json:"sms_code"     validate:"required"`
}

// handleVerify submits the SMS verification code for a pending attempt.
func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}

	var req verifyRequest
	if !s.decodeAndValidate(w, r, &req) {
		return
	}

	status, err := s.machine.VerifyCode(r.Context(), req.PhoneNumber, req.SmsCode)
	if err != nil {
		s.writeRegistrationError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, status)
}

// handleRegistrationStatus reports the current phase of a phone number.
func (s *Server) handleRegistrationStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}

	phoneNumber := r.URL.Query().Get("phone_number")
	if phoneNumber == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "phone_number query parameter is required"})
		return
	}

	status, err := s.machine.Current(r.Context(), phoneNumber)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// handleDeadLetters lists dead-lettered messages for manual inspection.
func (s *Server) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}

	letters, err := s.deadLetters.ListDeadLetters(r.Context(), 100)
	if err != nil {
		s.logger.ErrorContext(r.Context(), "Failed to list dead letters", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}

	type deadLetterView struct {
		Queue         string    `json:"queue"`
		DedupKey      string    `json:"dedup_key"`
		Payload       string    `json:"payload"`
		DeliveryCount int       `json:"delivery_count"`
		LastError     string    `json:"last_error"`
		DeadAt        time.Time `json:"dead_at"`
	}
	views := make([]deadLetterView, 0, len(letters))
	for _, l := range letters {
		views = append(views, deadLetterView{
			Queue:         l.Queue,
			DedupKey:      l.DedupKey,
			Payload:       string(l.Payload),
			DeliveryCount: l.DeliveryCount,
			LastError:     l.LastError,
			DeadAt:        l.DeadAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"dead_letters": views})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy", "service": "signalbot"})
}

// decodeAndValidate reads a JSON request body into dst and validates it.
// Writes the error response itself and returns false on failure.
func (s *Server) decodeAndValidate(w http.ResponseWriter, r *http.Request, dst any) bool {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "failed to read body"})
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return false
	}
	if err := s.validate.Struct(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return false
	}
	return true
}

// writeRegistrationError maps registration errors to HTTP responses,
// surfacing the retry_after hint when a rate limit is active.
func (s *Server) writeRegistrationError(w http.ResponseWriter, r *http.Request, err error) {
	if regErr, ok := registration.AsError(err); ok {
		switch regErr.Code {
		case registration.CodeRateLimitActive:
			writeJSON(w, http.StatusTooManyRequests, map[string]any{
				"error":       "rate limit active",
				"phase":       regErr.Phase,
				"retry_after": regErr.RetryAfter.Format(time.RFC3339),
			})
		case registration.CodeInvalidTransition:
			writeJSON(w, http.StatusConflict, map[string]any{
				"error": regErr.Error(),
				"phase": regErr.Phase,
			})
		case registration.CodeInvalidCode:
			writeJSON(w, http.StatusBadRequest, map[string]any{
				"error": regErr.Error(),
				"phase": regErr.Phase,
			})
		default:
			writeJSON(w, http.StatusBadGateway, map[string]any{
				"error": regErr.Error(),
				"phase": regErr.Phase,
			})
		}
		return
	}

	s.logger.ErrorContext(r.Context(), "Registration operation failed", "error", err)
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Error("Failed to encode JSON response", "error", err)
	}
}
