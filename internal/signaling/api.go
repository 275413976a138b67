package signaling

import (
	"errors"
	"net"
	"net/http"

	"github.com/Wahee-aljabir/meet/internal/httpserver"
	"github.com/Wahee-aljabir/meet/internal/metrics"
	"github.com/Wahee-aljabir/meet/internal/registry"
)

type createMeetingResponse struct {
	MeetingCode string `json:"meetingCode"`
}

type validateCodeResponse struct {
	IsValid bool   `json:"isValid"`
	Error   string `json:"error,omitempty"`
}

type httpErrorResponse struct {
	Error     string `json:"error"`
	Retryable bool   `json:"retryable,omitempty"`
}

func (s *Server) handleCreateMeeting(w http.ResponseWriter, r *http.Request) {
	if s.createLimiter != nil && !s.createLimiter.Allow(clientIP(r)) {
		s.metrics.Inc(metrics.DropReasonCreateRateLimited)
		w.Header().Set("Retry-After", "1")
		httpserver.WriteJSON(w, http.StatusTooManyRequests, httpErrorResponse{
			Error:     "Too many meetings created. Please try again shortly.",
			Retryable: true,
		})
		return
	}

	code, err := s.registry.CreateRoom(r.Context())
	switch {
	case errors.Is(err, registry.ErrCodeCollisionExhausted):
		s.log.Error("failed to allocate a unique meeting code", "err", err)
		httpserver.WriteJSON(w, http.StatusServiceUnavailable, httpErrorResponse{
			Error:     "Failed to create meeting due to code collision. Please try again.",
			Retryable: true,
		})
		return
	case err != nil:
		s.log.Error("failed to create meeting", "err", err)
		httpserver.WriteJSON(w, http.StatusInternalServerError, httpErrorResponse{
			Error: "Failed to create meeting due to database error.",
		})
		return
	}

	s.log.Info("meeting created", "room_code", code)
	httpserver.WriteJSON(w, http.StatusOK, createMeetingResponse{MeetingCode: code})
}

func (s *Server) handleValidateCode(w http.ResponseWriter, r *http.Request) {
	code := r.URL.Query().Get("code")
	if code == "" {
		httpserver.WriteJSON(w, http.StatusBadRequest, validateCodeResponse{Error: "Meeting code is required.", IsValid: false})
		return
	}

	ok, err := s.registry.RoomExists(r.Context(), code)
	if err != nil {
		s.log.Error("failed to validate meeting code", "room_code", code, "err", err)
		httpserver.WriteJSON(w, http.StatusInternalServerError, validateCodeResponse{Error: "Internal server error validating meeting code", IsValid: false})
		return
	}
	s.log.Debug("meeting code validated", "room_code", code, "valid", ok)
	httpserver.WriteJSON(w, http.StatusOK, validateCodeResponse{IsValid: ok})
}

// clientIP keys the create limiter. Forwarded headers are not trusted.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
