package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/ericfisherdev/credseal/internal/domain/model"
)

// auxiliaryJSON is one auxiliary system login in record files.
type auxiliaryJSON struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// recordJSON is the on-disk shape of a credential record. CreatedAt and
// SchemaVersion are written by unprotect and ignored by protect.
type recordJSON struct {
	AgencyID             string                   `json:"agency_id"`
	PrimaryUsername      string                   `json:"primary_username"`
	PrimaryPassword      string                   `json:"primary_password"`
	AuxiliaryCredentials map[string]auxiliaryJSON `json:"auxiliary_credentials,omitempty"`
	CreatedAt            string                   `json:"created_at,omitempty"`
	SchemaVersion        int                      `json:"schema_version,omitempty"`
}

// parseRecord strictly decodes a record file and builds the record.
func parseRecord(data []byte) (model.CredentialRecord, error) {
	var in recordJSON
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&in); err != nil {
		return model.CredentialRecord{}, model.Fail(model.KindInvalidRecord, "read record", err)
	}

	aux := make(map[string]model.AuxiliaryCredential, len(in.AuxiliaryCredentials))
	for name, cred := range in.AuxiliaryCredentials {
		aux[name] = model.AuxiliaryCredential(cred)
	}
	return model.BuildCredentialRecord(in.AgencyID, in.PrimaryUsername, in.PrimaryPassword, aux)
}

// formatRecord renders a record as indented JSON followed by a newline.
func formatRecord(r model.CredentialRecord) ([]byte, error) {
	out := recordJSON{
		AgencyID:        r.AgencyID(),
		PrimaryUsername: r.PrimaryUsername(),
		PrimaryPassword: r.PrimaryPassword(),
		CreatedAt:       r.CreatedAt().UTC().Format(time.RFC3339Nano),
		SchemaVersion:   r.SchemaVersion(),
	}
	if aux := r.AuxiliaryCredentials(); len(aux) > 0 {
		out.AuxiliaryCredentials = make(map[string]auxiliaryJSON, len(aux))
		for name, cred := range aux {
			out.AuxiliaryCredentials[name] = auxiliaryJSON(cred)
		}
	}

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode record: %w", err)
	}
	return append(data, '\n'), nil
}

// readInput reads the file named by args[0], or stdin when there is no
// argument or it is "-".
func readInput(stdin io.Reader, args []string) ([]byte, error) {
	if len(args) == 0 || args[0] == "-" {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("read stdin: %w", err)
		}
		return data, nil
	}
	data, err := os.ReadFile(args[0])
	if err != nil {
		return nil, fmt.Errorf("read input: %w", err)
	}
	return data, nil
}
