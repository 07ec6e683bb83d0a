package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/caretrust-systems/securecore/internal/keyring"
	"github.com/caretrust-systems/securecore/internal/ledger"
	"github.com/caretrust-systems/securecore/internal/logging"
	"github.com/caretrust-systems/securecore/internal/mfa"
	"github.com/caretrust-systems/securecore/internal/models"
	"github.com/caretrust-systems/securecore/internal/orchestrator"
)

type Handler struct {
	orch     *orchestrator.Orchestrator
	ledger   *ledger.Ledger
	registry *keyring.Registry
	mfa      *mfa.Service
	logger   *logging.Logger
}

func NewHandler(orch *orchestrator.Orchestrator, auditLedger *ledger.Ledger, registry *keyring.Registry, mfaService *mfa.Service, logger *logging.Logger) *Handler {
	return &Handler{
		orch:     orch,
		ledger:   auditLedger,
		registry: registry,
		mfa:      mfaService,
		logger:   logger,
	}
}

func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Authorize handles POST /api/v1/authorize.
func (h *Handler) Authorize(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req orchestrator.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.ActorID == "" || req.ResourceType == "" || req.Action == "" {
		http.Error(w, "actor_id, resource_type and action are required", http.StatusBadRequest)
		return
	}
	if req.Context.IPAddress == "" {
		req.Context.IPAddress = clientIP(r)
	}

	decision, err := h.orch.AuthorizeAndRecord(r.Context(), req)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "authorization failed", "error", err)
		http.Error(w, "Authorization failed", http.StatusInternalServerError)
		return
	}

	status := http.StatusOK
	if decision.Kind == orchestrator.DecisionDeny {
		status = http.StatusForbidden
	}
	writeJSON(w, status, decision)
}

// AbandonChallenge handles POST /api/v1/authorize/abandon.
func (h *Handler) AbandonChallenge(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		ActorID string             `json:"actor_id"`
		Context models.AuthContext `json:"context"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ActorID == "" {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Context.IPAddress == "" {
		req.Context.IPAddress = clientIP(r)
	}

	if err := h.orch.AbandonChallenge(r.Context(), req.ActorID, req.Context); err != nil {
		h.logger.ErrorContext(r.Context(), "failed to record abandoned challenge", "error", err)
		http.Error(w, "Failed to record abandonment", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// VerifyIntegrity handles GET /api/v1/audit/verify.
func (h *Handler) VerifyIntegrity(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	report, err := h.ledger.VerifyIntegrity(r.Context())
	if err != nil {
		h.logger.ErrorContext(r.Context(), "integrity verification failed", "error", err)
		http.Error(w, "Verification failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// ComplianceReport handles GET /api/v1/audit/report?start=...&end=...
func (h *Handler) ComplianceReport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	start, err := parseTimeParam(r, "start", time.Now().UTC().AddDate(0, -1, 0))
	if err != nil {
		http.Error(w, "Invalid start parameter", http.StatusBadRequest)
		return
	}
	end, err := parseTimeParam(r, "end", time.Now().UTC())
	if err != nil {
		http.Error(w, "Invalid end parameter", http.StatusBadRequest)
		return
	}

	report, err := h.ledger.ComplianceReport(r.Context(), start, end)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "compliance report failed", "error", err)
		http.Error(w, "Report generation failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// RotateKey handles POST /api/v1/keys/rotate.
func (h *Handler) RotateKey(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	version, err := h.registry.RotateKey(r.Context(), req.Name)
	if err != nil {
		if errors.Is(err, keyring.ErrKeyNotFound) {
			http.Error(w, "Key not found", http.StatusNotFound)
			return
		}
		h.logger.ErrorContext(r.Context(), "key rotation failed", "key_name", req.Name, "error", err)
		http.Error(w, "Rotation failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"name": req.Name, "version": version})
}

// EnrollMFA handles POST /api/v1/mfa/enroll.
func (h *Handler) EnrollMFA(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		ActorID      string           `json:"actor_id"`
		Method       models.MFAMethod `json:"method"`
		CredentialID string           `json:"credential_id,omitempty"`
		PublicKey    []byte           `json:"public_key,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ActorID == "" {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	resp := map[string]interface{}{"actor_id": req.ActorID, "method": req.Method}
	var err error
	switch req.Method {
	case models.MethodTOTP:
		var url string
		url, err = h.mfa.EnrollTOTP(r.Context(), req.ActorID)
		resp["otpauth_url"] = url
	case models.MethodBackupCode:
		var codes []string
		codes, err = h.mfa.EnrollBackupCodes(r.Context(), req.ActorID)
		resp["backup_codes"] = codes
	case models.MethodWebAuthn:
		err = h.mfa.EnrollWebAuthn(r.Context(), req.ActorID, req.CredentialID, req.PublicKey)
	default:
		http.Error(w, "Unknown MFA method", http.StatusBadRequest)
		return
	}
	if err != nil {
		h.logger.ErrorContext(r.Context(), "mfa enrollment failed", "method", req.Method, "error", err)
		http.Error(w, "Enrollment failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

// VerifyMFA handles POST /api/v1/mfa/verify. On success the response
// carries an upgraded challenge token the client replays to /authorize.
func (h *Handler) VerifyMFA(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		ActorID          string             `json:"actor_id"`
		Method           models.MFAMethod   `json:"method"`
		Code             string             `json:"code,omitempty"`
		SignatureCounter uint32             `json:"signature_counter,omitempty"`
		ChallengeToken   string             `json:"challenge_token,omitempty"`
		Context          models.AuthContext `json:"context"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ActorID == "" {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Context.IPAddress == "" {
		req.Context.IPAddress = clientIP(r)
	}

	var err error
	factor := models.FactorMFA
	switch req.Method {
	case models.MethodTOTP:
		err = h.mfa.VerifyTOTP(r.Context(), req.ActorID, req.Code)
	case models.MethodBackupCode:
		err = h.mfa.VerifyBackupCode(r.Context(), req.ActorID, req.Code)
	case models.MethodWebAuthn:
		factor = models.FactorWebAuthn
		err = h.mfa.VerifyWebAuthn(r.Context(), req.ActorID, req.SignatureCounter)
	default:
		http.Error(w, "Unknown MFA method", http.StatusBadRequest)
		return
	}

	if err != nil {
		switch {
		case errors.Is(err, mfa.ErrInvalidCode):
			http.Error(w, "Invalid code", http.StatusUnauthorized)
		case errors.Is(err, mfa.ErrCredentialLocked):
			http.Error(w, "Credential locked", http.StatusTooManyRequests)
		case errors.Is(err, mfa.ErrCounterRegression):
			http.Error(w, "Credential compromise suspected", http.StatusForbidden)
		case errors.Is(err, mfa.ErrCredentialRevoked):
			http.Error(w, "Credential not enrolled", http.StatusNotFound)
		default:
			h.logger.ErrorContext(r.Context(), "mfa verification failed", "method", req.Method, "error", err)
			http.Error(w, "Verification failed", http.StatusInternalServerError)
		}
		return
	}

	token, err := h.orch.VerifiedFactorToken(r.Context(), req.ActorID, req.ChallengeToken, factor, req.Context)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "failed to issue factor token", "error", err)
		http.Error(w, "Token issuance failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"challenge_token": token})
}

// RevokeMFA handles POST /api/v1/mfa/revoke.
func (h *Handler) RevokeMFA(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		ActorID string           `json:"actor_id"`
		Method  models.MFAMethod `json:"method"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ActorID == "" {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if err := h.mfa.Revoke(r.Context(), req.ActorID, req.Method); err != nil {
		http.Error(w, "Credential not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func parseTimeParam(r *http.Request, name string, fallback time.Time) (time.Time, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback, nil
	}
	return time.Parse(time.RFC3339, raw)
}

func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return xff
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	return r.RemoteAddr
}
