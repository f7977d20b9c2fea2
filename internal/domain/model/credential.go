package model

import (
	"errors"
	"fmt"
	"maps"
	"time"
	"unicode/utf8"
)

// CurrentSchemaVersion is the serialized shape version written by Serialize.
// Bump it whenever the encoded record changes shape.
const CurrentSchemaVersion = 1

// AuxiliaryCredential is a username/password pair for a secondary system.
type AuxiliaryCredential struct {
	Username string
	Password string
}

// CredentialRecord is the plaintext secret payload being protected: the
// primary records-system login plus any auxiliary system logins for one
// agency. A record is immutable once built; to change credentials, build a
// new record.
type CredentialRecord struct {
	agencyID        string
	primaryUsername string
	primaryPassword string
	auxiliary       map[string]AuxiliaryCredential
	createdAt       time.Time
	schemaVersion   int
}

// BuildCredentialRecord validates its inputs and returns a new record stamped
// with the current time. auxiliary may be nil. Returns an InvalidRecord error
// when agencyID is empty, an auxiliary system name is empty, or any field is
// not valid UTF-8.
func BuildCredentialRecord(agencyID, primaryUsername, primaryPassword string, auxiliary map[string]AuxiliaryCredential) (CredentialRecord, error) {
	return buildCredentialRecord(agencyID, primaryUsername, primaryPassword, auxiliary, time.Now())
}

func buildCredentialRecord(agencyID, primaryUsername, primaryPassword string, auxiliary map[string]AuxiliaryCredential, createdAt time.Time) (CredentialRecord, error) {
	if agencyID == "" {
		return CredentialRecord{}, Fail(KindInvalidRecord, "build record", errors.New("agency id is empty"))
	}
	if !utf8.ValidString(agencyID) || !utf8.ValidString(primaryUsername) || !utf8.ValidString(primaryPassword) {
		return CredentialRecord{}, Fail(KindInvalidRecord, "build record", errors.New("primary fields must be valid UTF-8"))
	}
	for name, cred := range auxiliary {
		if name == "" {
			return CredentialRecord{}, Fail(KindInvalidRecord, "build record", errors.New("auxiliary system name is empty"))
		}
		if !utf8.ValidString(name) || !utf8.ValidString(cred.Username) || !utf8.ValidString(cred.Password) {
			return CredentialRecord{}, Fail(KindInvalidRecord, "build record", fmt.Errorf("auxiliary system %q is not valid UTF-8", name))
		}
	}

	aux := make(map[string]AuxiliaryCredential, len(auxiliary))
	maps.Copy(aux, auxiliary)

	return CredentialRecord{
		agencyID:        agencyID,
		primaryUsername: primaryUsername,
		primaryPassword: primaryPassword,
		auxiliary:       aux,
		createdAt:       createdAt.UTC(),
		schemaVersion:   CurrentSchemaVersion,
	}, nil
}

// AgencyID returns the owning tenant's identifier.
func (r CredentialRecord) AgencyID() string { return r.agencyID }

// PrimaryUsername returns the main records-system username.
func (r CredentialRecord) PrimaryUsername() string { return r.primaryUsername }

// PrimaryPassword returns the main records-system password.
func (r CredentialRecord) PrimaryPassword() string { return r.primaryPassword }

// CreatedAt returns the construction time in UTC.
func (r CredentialRecord) CreatedAt() time.Time { return r.createdAt }

// SchemaVersion returns the serialized shape version of the record.
func (r CredentialRecord) SchemaVersion() int { return r.schemaVersion }

// AuxiliaryCredentials returns a copy of the secondary system credentials,
// keyed by system name. The map is never nil.
func (r CredentialRecord) AuxiliaryCredentials() map[string]AuxiliaryCredential {
	aux := make(map[string]AuxiliaryCredential, len(r.auxiliary))
	maps.Copy(aux, r.auxiliary)
	return aux
}

// IsZero reports whether r is the zero record (never built).
func (r CredentialRecord) IsZero() bool {
	return r.agencyID == ""
}

// WithPrimaryCredentials returns a new record with the primary username and
// password replaced. Everything else, including CreatedAt, is carried over.
func (r CredentialRecord) WithPrimaryCredentials(username, password string) CredentialRecord {
	out := r
	out.primaryUsername = username
	out.primaryPassword = password
	out.auxiliary = r.AuxiliaryCredentials()
	return out
}

// Equal reports whether two records hold the same values.
func (r CredentialRecord) Equal(other CredentialRecord) bool {
	return r.agencyID == other.agencyID &&
		r.primaryUsername == other.primaryUsername &&
		r.primaryPassword == other.primaryPassword &&
		r.schemaVersion == other.schemaVersion &&
		r.createdAt.Equal(other.createdAt) &&
		maps.Equal(r.auxiliary, other.auxiliary)
}
