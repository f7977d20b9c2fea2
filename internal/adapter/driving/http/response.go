package httphandler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/ericfisherdev/credseal/internal/domain/model"
)

// writeJSON marshals v to JSON and writes it to the response with the given
// status code. If marshaling fails, a 500 error is written instead.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"internal server error"}`))
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

// writeError writes a JSON error response with the given status code and message.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

// errorResponse is the standard error response body. For pipeline failures
// Error is the failure kind, such as "AuthenticationFailed".
type errorResponse struct {
	Error string `json:"error"`
}

// AuxiliaryPayload is one auxiliary system's credentials.
type AuxiliaryPayload struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// RecordPayload is the JSON representation of a credential record.
// CreatedAt and SchemaVersion are set on responses and ignored on requests.
type RecordPayload struct {
	AgencyID             string                      `json:"agency_id"`
	PrimaryUsername      string                      `json:"primary_username"`
	PrimaryPassword      string                      `json:"primary_password"`
	AuxiliaryCredentials map[string]AuxiliaryPayload `json:"auxiliary_credentials"`
	CreatedAt            string                      `json:"created_at,omitempty"`
	SchemaVersion        int                         `json:"schema_version,omitempty"`
}

// ProtectRequest is the JSON body for the protect endpoint.
type ProtectRequest struct {
	Record   RecordPayload `json:"record"`
	Mode     string        `json:"mode"`
	Rotation *int          `json:"rotation,omitempty"`
	Persist  bool          `json:"persist,omitempty"`
}

// ProtectResponse carries the artifact plus either the inline key bundle or
// the location tokens it was persisted under. Plaintext artifacts carry
// neither.
type ProtectResponse struct {
	Artifact *model.ProtectedArtifact `json:"artifact"`
	Keys     json.RawMessage          `json:"keys,omitempty"`
	KeyRefs  []string                 `json:"key_refs,omitempty"`
}

// UnprotectRequest is the JSON body for the unprotect endpoint. Keys and
// KeyRefs may be combined; all supplied material is merged.
type UnprotectRequest struct {
	Artifact      json.RawMessage   `json:"artifact"`
	Keys          []json.RawMessage `json:"keys,omitempty"`
	KeyRefs       []string          `json:"key_refs,omitempty"`
	MaxAgeSeconds int               `json:"max_age_seconds,omitempty"`
}

// UnprotectResponse is the JSON body returned by the unprotect endpoint.
type UnprotectResponse struct {
	Record RecordPayload `json:"record"`
}

// HealthResponse is the JSON representation of the health check endpoint.
type HealthResponse struct {
	Status string `json:"status"`
	Time   string `json:"time"`
}

func (p RecordPayload) toModel() (model.CredentialRecord, error) {
	aux := make(map[string]model.AuxiliaryCredential, len(p.AuxiliaryCredentials))
	for name, cred := range p.AuxiliaryCredentials {
		aux[name] = model.AuxiliaryCredential(cred)
	}
	return model.BuildCredentialRecord(p.AgencyID, p.PrimaryUsername, p.PrimaryPassword, aux)
}

// toRecordPayload converts a domain record to its JSON representation.
func toRecordPayload(r model.CredentialRecord) RecordPayload {
	aux := make(map[string]AuxiliaryPayload)
	for name, cred := range r.AuxiliaryCredentials() {
		aux[name] = AuxiliaryPayload(cred)
	}
	return RecordPayload{
		AgencyID:             r.AgencyID(),
		PrimaryUsername:      r.PrimaryUsername(),
		PrimaryPassword:      r.PrimaryPassword(),
		AuxiliaryCredentials: aux,
		CreatedAt:            r.CreatedAt().UTC().Format(time.RFC3339Nano),
		SchemaVersion:        r.SchemaVersion(),
	}
}
