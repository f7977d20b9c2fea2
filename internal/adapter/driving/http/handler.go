package httphandler

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/ericfisherdev/credseal/internal/application"
	"github.com/ericfisherdev/credseal/internal/domain/model"
	"github.com/ericfisherdev/credseal/internal/secret"
)

// maxBodyBytes caps request bodies; records and artifacts are small.
const maxBodyBytes = 1 << 20

// Handler is the HTTP driving adapter for the protection pipeline.
type Handler struct {
	protectSvc *application.ProtectService
	keys       *application.KeyProvider
	logger     *slog.Logger
}

// NewHandler creates a Handler. keys may be nil, in which case requests
// that persist or reference stored key material fail with
// KeyMaterialNotFound.
func NewHandler(protectSvc *application.ProtectService, keys *application.KeyProvider, logger *slog.Logger) *Handler {
	if keys == nil {
		keys = application.NewKeyProvider(nil)
	}
	return &Handler{
		protectSvc: protectSvc,
		keys:       keys,
		logger:     logger,
	}
}

// NewServeMux creates an http.Handler with all routes registered and wrapped
// with logging and recovery middleware.
func NewServeMux(h *Handler, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/v1/protect", h.Protect)
	mux.HandleFunc("POST /api/v1/unprotect", h.Unprotect)
	mux.HandleFunc("GET /api/v1/health", h.Health)

	// Recovery innermost so panics are caught before logging.
	wrapped := recoveryMiddleware(logger, mux)
	wrapped = noStoreMiddleware(wrapped)
	wrapped = loggingMiddleware(logger, wrapped)

	return wrapped
}

// Protect encodes a record and returns the artifact with either the key
// bundle inline or references to where it was persisted.
func (h *Handler) Protect(w http.ResponseWriter, r *http.Request) {
	var req ProtectRequest
	if !decodeBody(w, r, &req) {
		return
	}

	mode, err := model.ParseMode(req.Mode)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid mode")
		return
	}

	record, err := req.Record.toModel()
	if err != nil {
		h.writeProtectionError(w, "protect", err)
		return
	}

	var opts []application.ProtectOption
	if req.Rotation != nil {
		if mode != model.ModeAdvanced {
			writeError(w, http.StatusBadRequest, "rotation applies to advanced mode only")
			return
		}
		opts = append(opts, application.WithRotation(*req.Rotation))
	}

	artifact, keys, err := h.protectSvc.Protect(record, mode, opts...)
	if err != nil {
		h.writeProtectionError(w, "protect", err)
		return
	}
	defer keys.Close()

	resp := ProtectResponse{Artifact: artifact}
	switch {
	case keys == nil:
	case req.Persist:
		tokens, err := h.keys.PersistAll(r.Context(), keys)
		if err != nil {
			h.logger.Error("failed to persist key material", "mode", mode, "error", err)
			writeError(w, http.StatusInternalServerError, "internal server error")
			return
		}
		for _, token := range tokens {
			resp.KeyRefs = append(resp.KeyRefs, token.String())
		}
	default:
		bundle, err := keys.MarshalBundle()
		if err != nil {
			h.logger.Error("failed to encode key bundle", "mode", mode, "error", err)
			writeError(w, http.StatusInternalServerError, "internal server error")
			return
		}
		defer secret.Zero(bundle)
		resp.Keys = json.RawMessage(bundle)
	}

	writeJSON(w, http.StatusOK, resp)
}

// Unprotect decodes an artifact with inline key bundles or stored key
// references and returns the record.
func (h *Handler) Unprotect(w http.ResponseWriter, r *http.Request) {
	var req UnprotectRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if len(req.Artifact) == 0 {
		writeError(w, http.StatusBadRequest, "artifact is required")
		return
	}

	artifact, err := model.ParseProtectedArtifact(req.Artifact)
	if err != nil {
		h.writeProtectionError(w, "unprotect", err)
		return
	}

	keys, err := h.collectKeys(r, artifact.Mode(), req)
	if err != nil {
		h.writeProtectionError(w, "unprotect", err)
		return
	}
	defer keys.Close()

	var opts []application.UnprotectOption
	if req.MaxAgeSeconds > 0 {
		opts = append(opts, application.WithMaxAge(time.Duration(req.MaxAgeSeconds)*time.Second))
	}

	record, err := h.protectSvc.Unprotect(artifact, keys, opts...)
	if err != nil {
		h.writeProtectionError(w, "unprotect", err)
		return
	}

	writeJSON(w, http.StatusOK, UnprotectResponse{Record: toRecordPayload(record)})
}

// collectKeys loads and merges all key material named by the request. It
// returns nil for plaintext artifacts that need none.
func (h *Handler) collectKeys(r *http.Request, mode model.Mode, req UnprotectRequest) (*model.KeyMaterial, error) {
	if mode == model.ModePlaintext {
		return nil, nil
	}

	var parts []*model.KeyMaterial
	defer func() {
		for _, part := range parts {
			_ = part.Close()
		}
	}()

	for _, raw := range req.Keys {
		km, err := model.ParseKeyBundle(raw)
		if err != nil {
			return nil, err
		}
		parts = append(parts, km)
	}
	for _, ref := range req.KeyRefs {
		token, err := application.ParseLocationToken(ref)
		if err != nil {
			return nil, err
		}
		km, err := h.keys.Load(r.Context(), token, mode)
		if err != nil {
			return nil, err
		}
		parts = append(parts, km)
	}

	if len(parts) == 0 {
		return nil, model.Fail(model.KindKeyMaterialNotFound, "collect keys", errors.New("no keys or key_refs supplied"))
	}
	return model.MergeKeyMaterial(parts...)
}

// Health reports that the server is up.
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status: "ok",
		Time:   time.Now().UTC().Format(time.RFC3339),
	})
}

// writeProtectionError maps a pipeline error to a status and writes its kind
// as the error message. Errors without a kind are logged and reported as
// internal errors.
func (h *Handler) writeProtectionError(w http.ResponseWriter, op string, err error) {
	status := statusForKind(model.KindOf(err))
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", "op", op, "error", err)
		writeError(w, status, "internal server error")
		return
	}
	h.logger.Warn("request rejected", "op", op, "kind", model.KindOf(err))
	writeError(w, status, string(model.KindOf(err)))
}

func statusForKind(kind model.ErrorKind) int {
	switch kind {
	case model.KindInvalidRecord, model.KindMalformedRecord, model.KindInvalidKeyShare:
		return http.StatusBadRequest
	case model.KindKeyMaterialNotFound:
		return http.StatusNotFound
	case model.KindAuthenticationFailed, model.KindIntegrityCheckFailed:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// decodeBody strictly decodes a JSON request body into v, writing a 400
// response and returning false on failure.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return false
	}
	return true
}
