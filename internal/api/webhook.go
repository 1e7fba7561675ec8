package api

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/gigradar/scrape-orchestrator/internal/metrics"
	"github.com/gigradar/scrape-orchestrator/internal/scrape"
)

// webhookPayload is the completion callback the provider delivers. The
// result pointer has moved between field names across provider versions;
// all are accepted in preference order.
type webhookPayload struct {
	ID              string `json:"id"`
	Status          string `json:"status"`
	ResultCount     int    `json:"result_count"`
	QualityCount    int    `json:"quality_count"`
	ResultsLocation string `json:"results_location"`
	ResultURL       string `json:"result_url"`
	DownloadURL     string `json:"download_url"`
	Error           string `json:"error"`
}

// handleWebhook processes a provider completion callback.
//
// Order matters: authentication first (no state touched, no job existence
// leaked), then payload validation, then the idempotent application. An
// unknown correlation id and a duplicate delivery are both acknowledged with
// success so the provider stops retrying a legitimately finished exchange.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if !s.authenticateWebhook(r) {
		metrics.ObserveWebhook("unauthenticated")
		s.writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var payload webhookPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		metrics.ObserveWebhook("malformed")
		s.logger.Warn("webhook body failed to parse", zap.Error(err))
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if payload.ID == "" || payload.Status == "" {
		metrics.ObserveWebhook("malformed")
		s.logger.Warn("webhook missing required fields",
			zap.String("provider_request_id", payload.ID),
			zap.String("status", payload.Status),
		)
		s.writeError(w, http.StatusBadRequest, "id and status are required")
		return
	}
	status, ok := scrape.MapProviderStatus(payload.Status)
	if !ok {
		metrics.ObserveWebhook("malformed")
		s.logger.Warn("webhook carried unrecognized status",
			zap.String("provider_request_id", payload.ID),
			zap.String("status", payload.Status),
		)
		s.writeError(w, http.StatusBadRequest, "unrecognized status")
		return
	}

	job, err := s.jobStore.GetJobByProviderRequestID(r.Context(), payload.ID)
	if errors.Is(err, scrape.ErrJobNotFound) {
		// The provider may resend callbacks for jobs we do not track, e.g.
		// from a different environment. Acknowledge so it stops retrying.
		metrics.ObserveWebhook("ignored")
		s.logger.Info("webhook for untracked provider request",
			zap.String("provider_request_id", payload.ID),
		)
		s.writeJSON(w, http.StatusOK, map[string]string{"result": "ignored"})
		return
	}
	if err != nil {
		metrics.ObserveWebhook("error")
		s.logger.Error("webhook job lookup failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}

	if status == scrape.StatusProcessing {
		// Progress ping, not a terminal report.
		if err := s.jobStore.MarkProcessing(r.Context(), job.ID); err != nil {
			metrics.ObserveWebhook("error")
			s.writeError(w, http.StatusInternalServerError, "update failed")
			return
		}
		metrics.ObserveWebhook("acknowledged")
		s.writeJSON(w, http.StatusOK, map[string]string{"result": "acknowledged"})
		return
	}

	res, err := s.reconciler.Reconcile(r.Context(), job, scrape.Outcome{
		Status:          status,
		ResultCount:     payload.ResultCount,
		QualityCount:    payload.QualityCount,
		ResultsLocation: scrape.PreferredLocation(payload.ResultsLocation, payload.ResultURL, payload.DownloadURL),
		ErrorMessage:    payload.Error,
	})
	if err != nil {
		// Storage failure: reject so the provider retries the delivery.
		metrics.ObserveWebhook("error")
		s.logger.Error("webhook reconciliation failed",
			zap.Int64("job_id", job.ID),
			zap.Error(err),
		)
		s.writeError(w, http.StatusInternalServerError, "reconciliation failed")
		return
	}
	if !res.Applied {
		metrics.ObserveWebhook("duplicate")
		s.writeJSON(w, http.StatusOK, map[string]string{"result": "duplicate"})
		return
	}
	metrics.ObserveWebhook("applied")
	s.writeJSON(w, http.StatusOK, map[string]any{"result": "applied", "job_id": res.Job.ID})
}

// authenticateWebhook accepts the shared secret from either the token query
// parameter or a bearer Authorization header. The provider has delivered it
// in both locations depending on configuration, so both paths are checked
// explicitly; comparison is constant-time either way.
func (s *Server) authenticateWebhook(r *http.Request) bool {
	secret := []byte(s.cfg.Auth.WebhookSecret)
	if token := r.URL.Query().Get("token"); token != "" &&
		subtle.ConstantTimeCompare([]byte(token), secret) == 1 {
		return true
	}
	if token := bearerToken(r); token != "" &&
		subtle.ConstantTimeCompare([]byte(token), secret) == 1 {
		return true
	}
	return false
}
