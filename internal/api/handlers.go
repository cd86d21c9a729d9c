package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/kenneth/fieldcrypt/internal/audit"
	"github.com/kenneth/fieldcrypt/internal/crypto"
	"github.com/kenneth/fieldcrypt/internal/middleware"
)

// CryptoService is the part of crypto.Service the handlers use.
type CryptoService interface {
	Keys() crypto.KeyProvider
	EncryptEnvelope(ctx context.Context, key *crypto.CryptoKey, plaintext []byte) (string, error)
	EncryptAll(ctx context.Context, key *crypto.CryptoKey, plaintexts [][]byte) ([]*crypto.CiphertextContainer, error)
	Decrypt(ctx context.Context, envelope string) ([]byte, error)
	Hmac(ctx context.Context, holders []*crypto.HmacHolder) error
}

// Handler serves the encryption API.
type Handler struct {
	service      CryptoService
	logger       *logrus.Logger
	auditLogger  audit.Logger
	maxBodyBytes int64
}

// NewHandler creates a handler. auditLogger may be nil.
func NewHandler(service CryptoService, logger *logrus.Logger, auditLogger audit.Logger, maxBodyBytes int64) *Handler {
	if maxBodyBytes <= 0 {
		maxBodyBytes = 64 << 20
	}
	return &Handler{
		service:      service,
		logger:       logger,
		auditLogger:  auditLogger,
		maxBodyBytes: maxBodyBytes,
	}
}

// RegisterRoutes registers all API routes.
func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/healthz", h.handleHealth).Methods("GET")
	r.HandleFunc("/readyz", h.handleReady).Methods("GET")

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/encrypt", h.handleEncrypt).Methods("POST")
	v1.HandleFunc("/encrypt/batch", h.handleEncryptBatch).Methods("POST")
	v1.HandleFunc("/decrypt", h.handleDecrypt).Methods("POST")
	v1.HandleFunc("/hmac", h.handleHmac).Methods("POST")
	v1.HandleFunc("/keys", h.handleListKeys).Methods("GET")
	v1.HandleFunc("/keys/{id}", h.handleGetKey).Methods("GET")
}

// EncryptRequest is the body of POST /v1/encrypt. Plaintext is base64 in JSON.
type EncryptRequest struct {
	KeyID     string `json:"keyId,omitempty"`
	Plaintext []byte `json:"plaintext"`
}

// EncryptResponse carries the storable envelope.
type EncryptResponse struct {
	KeyID    string `json:"keyId"`
	Envelope string `json:"envelope"`
}

// BatchEncryptRequest is the body of POST /v1/encrypt/batch.
type BatchEncryptRequest struct {
	KeyID      string   `json:"keyId,omitempty"`
	Plaintexts [][]byte `json:"plaintexts"`
}

// BatchEncryptResponse lists envelopes in request order.
type BatchEncryptResponse struct {
	KeyID     string   `json:"keyId"`
	Envelopes []string `json:"envelopes"`
}

// DecryptRequest is the body of POST /v1/decrypt.
type DecryptRequest struct {
	Envelope string `json:"envelope"`
}

// DecryptResponse carries the plaintext, base64 in JSON.
type DecryptResponse struct {
	Plaintext []byte `json:"plaintext"`
}

// HmacRequest is the body of POST /v1/hmac.
type HmacRequest struct {
	Values [][]byte `json:"values"`
}

// HmacResult holds one key's HMACs, in the order of the request values.
type HmacResult struct {
	KeyID string   `json:"keyId"`
	Hmacs [][]byte `json:"hmacs"`
}

// HmacResponse has one result per current HMAC key.
type HmacResponse struct {
	Results []HmacResult `json:"results"`
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReady reports ready once a current encryption key resolves.
func (h *Handler) handleReady(w http.ResponseWriter, r *http.Request) {
	if _, err := h.service.Keys().CurrentEncryptionKey(r.Context()); err != nil {
		h.writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not_ready",
			"reason": err.Error(),
		})
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (h *Handler) handleEncrypt(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var req EncryptRequest
	if err := h.decode(w, r, &req); err != nil {
		h.writeError(w, r, "encrypt", err, start)
		return
	}
	key, err := h.resolveEncryptionKey(r.Context(), req.KeyID)
	if err != nil {
		h.writeError(w, r, "encrypt", err, start)
		return
	}
	envelope, err := h.service.EncryptEnvelope(r.Context(), key, req.Plaintext)
	if err != nil {
		h.writeError(w, r, "encrypt", err, start)
		return
	}
	h.access(r, "encrypt", nil, start)
	h.writeJSON(w, http.StatusOK, EncryptResponse{KeyID: key.ID, Envelope: envelope})
}

func (h *Handler) handleEncryptBatch(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var req BatchEncryptRequest
	if err := h.decode(w, r, &req); err != nil {
		h.writeError(w, r, "encrypt_batch", err, start)
		return
	}
	if len(req.Plaintexts) == 0 {
		h.writeError(w, r, "encrypt_batch", badRequest("plaintexts must not be empty"), start)
		return
	}
	key, err := h.resolveEncryptionKey(r.Context(), req.KeyID)
	if err != nil {
		h.writeError(w, r, "encrypt_batch", err, start)
		return
	}
	containers, err := h.service.EncryptAll(r.Context(), key, req.Plaintexts)
	if err != nil {
		h.writeError(w, r, "encrypt_batch", err, start)
		return
	}
	resp := BatchEncryptResponse{KeyID: key.ID, Envelopes: make([]string, 0, len(containers))}
	for _, c := range containers {
		env, err := crypto.FormatEnvelope(c)
		if err != nil {
			h.writeError(w, r, "encrypt_batch", err, start)
			return
		}
		resp.Envelopes = append(resp.Envelopes, env)
	}
	h.access(r, "encrypt_batch", nil, start)
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleDecrypt(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var req DecryptRequest
	if err := h.decode(w, r, &req); err != nil {
		h.writeError(w, r, "decrypt", err, start)
		return
	}
	if req.Envelope == "" {
		h.writeError(w, r, "decrypt", badRequest("envelope is required"), start)
		return
	}
	plaintext, err := h.service.Decrypt(r.Context(), req.Envelope)
	if err != nil {
		h.writeError(w, r, "decrypt", err, start)
		return
	}
	h.access(r, "decrypt", nil, start)
	h.writeJSON(w, http.StatusOK, DecryptResponse{Plaintext: plaintext})
}

func (h *Handler) handleHmac(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var req HmacRequest
	if err := h.decode(w, r, &req); err != nil {
		h.writeError(w, r, "hmac", err, start)
		return
	}
	if len(req.Values) == 0 {
		h.writeError(w, r, "hmac", badRequest("values must not be empty"), start)
		return
	}
	keys, err := h.service.Keys().CurrentHmacKeys(r.Context())
	if err != nil {
		h.writeError(w, r, "hmac", err, start)
		return
	}
	if len(keys) == 0 {
		h.writeError(w, r, "hmac", fmt.Errorf("%w: no current hmac keys", crypto.ErrKeyNotFound), start)
		return
	}

	holders := make([]*crypto.HmacHolder, 0, len(keys)*len(req.Values))
	for _, k := range keys {
		for _, v := range req.Values {
			holders = append(holders, &crypto.HmacHolder{Key: k, Value: v})
		}
	}
	if err := h.service.Hmac(r.Context(), holders); err != nil {
		h.writeError(w, r, "hmac", err, start)
		return
	}

	resp := HmacResponse{Results: make([]HmacResult, 0, len(keys))}
	for i, k := range keys {
		res := HmacResult{KeyID: k.ID, Hmacs: make([][]byte, 0, len(req.Values))}
		for _, holder := range holders[i*len(req.Values) : (i+1)*len(req.Values)] {
			res.Hmacs = append(res.Hmacs, holder.Hmac)
		}
		resp.Results = append(resp.Results, res)
	}
	h.access(r, "hmac", nil, start)
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleListKeys(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	keys, err := h.service.Keys().AllCryptoKeys(r.Context())
	if err != nil {
		h.writeError(w, r, "list_keys", err, start)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"keys": keys})
}

func (h *Handler) handleGetKey(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	key, err := h.service.Keys().GetByID(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, r, "get_key", err, start)
		return
	}
	h.writeJSON(w, http.StatusOK, key)
}

func (h *Handler) resolveEncryptionKey(ctx context.Context, id string) (*crypto.CryptoKey, error) {
	keys := h.service.Keys()
	if id == "" {
		return keys.CurrentEncryptionKey(ctx)
	}
	key, err := keys.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if key.Usage != crypto.UsageEncryption {
		return nil, badRequest(fmt.Sprintf("key %s is not an encryption key", id))
	}
	return key, nil
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) error {
	body := http.MaxBytesReader(w, r.Body, h.maxBodyBytes)
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return &APIError{Code: CodeBadRequest, Message: "request body too large", HTTPStatus: http.StatusRequestEntityTooLarge}
		}
		return badRequest(fmt.Sprintf("invalid request body: %v", err))
	}
	if _, err := dec.Token(); err != io.EOF {
		return badRequest("request body must contain a single JSON object")
	}
	return nil
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.WithError(err).Debug("Failed to write response")
	}
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, op string, err error, start time.Time) {
	apiErr := *TranslateError(err)
	apiErr.RequestID = middleware.RequestID(r.Context())

	entry := h.logger.WithFields(logrus.Fields{
		"operation":  op,
		"status":     apiErr.HTTPStatus,
		"request_id": apiErr.RequestID,
	}).WithError(err)
	if apiErr.HTTPStatus >= http.StatusInternalServerError {
		entry.Error("Request failed")
	} else {
		entry.Debug("Request rejected")
	}
	h.access(r, op, err, start)
	apiErr.WriteJSON(w)
}

func (h *Handler) access(r *http.Request, op string, err error, start time.Time) {
	if h.auditLogger == nil {
		return
	}
	h.auditLogger.LogAccess(op, r.RemoteAddr, r.UserAgent(), middleware.RequestID(r.Context()), err == nil, err, time.Since(start))
}
