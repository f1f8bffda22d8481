package storage

import (
	"encoding/json"
	"fmt"
)

// MarshalRecord serializes rec, encrypting the payload when crypto is enabled,
// and returns the payload with its content type.
func MarshalRecord(rec *Record, crypto *Crypto) ([]byte, string, error) {
	payload, err := json.Marshal(rec)
	if err != nil {
		return nil, "", fmt.Errorf("storage: marshal record: %w", err)
	}
	if !crypto.Enabled() {
		return payload, ContentTypeJSON, nil
	}
	sealed, err := crypto.EncryptRecord(payload)
	if err != nil {
		return nil, "", err
	}
	return sealed, ContentTypeJSONEncrypted, nil
}

// UnmarshalRecord reverses MarshalRecord.
func UnmarshalRecord(payload []byte, crypto *Crypto) (*Record, error) {
	if crypto.Enabled() {
		plain, err := crypto.DecryptRecord(payload)
		if err != nil {
			return nil, err
		}
		payload = plain
	}
	rec := &Record{}
	if err := json.Unmarshal(payload, rec); err != nil {
		return nil, fmt.Errorf("storage: unmarshal record: %w", err)
	}
	return rec, nil
}
