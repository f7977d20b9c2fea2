package model

import (
	"errors"
	"fmt"
	"time"

	"github.com/ericfisherdev/credseal/internal/codec"
)

// recordWire is the encoded shape of a CredentialRecord at schema version 1.
// Every field is always present so decoding is total.
type recordWire struct {
	SchemaVersion   int                `cbor:"schema_version"`
	AgencyID        string             `cbor:"agency_id"`
	PrimaryUsername string             `cbor:"primary_username"`
	PrimaryPassword string             `cbor:"primary_password"`
	Auxiliary       map[string]auxWire `cbor:"auxiliary_credentials"`
	CreatedAt       string             `cbor:"created_at"`
}

type auxWire struct {
	Username string `cbor:"username"`
	Password string `cbor:"password"`
}

type versionProbe struct {
	SchemaVersion int `cbor:"schema_version"`
}

// Serialize returns the canonical byte encoding of r. Identical records
// always produce identical bytes.
func (r CredentialRecord) Serialize() ([]byte, error) {
	if r.IsZero() {
		return nil, Fail(KindInvalidRecord, "serialize record", errors.New("record was never built"))
	}

	aux := make(map[string]auxWire, len(r.auxiliary))
	for name, cred := range r.auxiliary {
		aux[name] = auxWire(cred)
	}

	data, err := codec.Marshal(recordWire{
		SchemaVersion:   r.schemaVersion,
		AgencyID:        r.agencyID,
		PrimaryUsername: r.primaryUsername,
		PrimaryPassword: r.primaryPassword,
		Auxiliary:       aux,
		CreatedAt:       r.createdAt.Format(time.RFC3339Nano),
	})
	if err != nil {
		return nil, fmt.Errorf("serialize record: %w", err)
	}
	return data, nil
}

// DeserializeCredentialRecord is the exact inverse of Serialize. Any
// structural mismatch or an unknown schema version yields MalformedRecord.
func DeserializeCredentialRecord(data []byte) (CredentialRecord, error) {
	const op = "deserialize record"

	var probe versionProbe
	if err := codec.Unmarshal(data, &probe); err != nil {
		return CredentialRecord{}, Fail(KindMalformedRecord, op, err)
	}
	if probe.SchemaVersion != CurrentSchemaVersion {
		return CredentialRecord{}, Fail(KindMalformedRecord, op, fmt.Errorf("unsupported schema version %d", probe.SchemaVersion))
	}

	var wire recordWire
	if err := codec.UnmarshalStrict(data, &wire); err != nil {
		return CredentialRecord{}, Fail(KindMalformedRecord, op, err)
	}
	if wire.AgencyID == "" {
		return CredentialRecord{}, Fail(KindMalformedRecord, op, errors.New("agency id is empty"))
	}

	createdAt, err := time.Parse(time.RFC3339Nano, wire.CreatedAt)
	if err != nil {
		return CredentialRecord{}, Fail(KindMalformedRecord, op, fmt.Errorf("created_at: %w", err))
	}

	aux := make(map[string]AuxiliaryCredential, len(wire.Auxiliary))
	for name, cred := range wire.Auxiliary {
		if name == "" {
			return CredentialRecord{}, Fail(KindMalformedRecord, op, errors.New("auxiliary system name is empty"))
		}
		aux[name] = AuxiliaryCredential(cred)
	}

	return CredentialRecord{
		agencyID:        wire.AgencyID,
		primaryUsername: wire.PrimaryUsername,
		primaryPassword: wire.PrimaryPassword,
		auxiliary:       aux,
		createdAt:       createdAt.UTC(),
		schemaVersion:   wire.SchemaVersion,
	}, nil
}
