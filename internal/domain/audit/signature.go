package audit

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/json"
	"time"
)

type signaturePayload struct {
	Seq       int64  `json:"seq"`
	EventID   string `json:"eventId"`
	EventType string `json:"eventType"`
	EventHash string `json:"eventHash"`
	PrevHash  string `json:"prevHash"`
	ChainHash string `json:"chainHash"`
	CreatedAt string `json:"createdAt"`
}

func buildSignaturePayload(e *Entry) signaturePayload {
	return signaturePayload{
		Seq:       e.Seq,
		EventID:   e.EventID.String(),
		EventType: string(e.EventType),
		EventHash: e.EventHash,
		PrevHash:  e.PrevHash,
		ChainHash: e.ChainHash,
		CreatedAt: e.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}

// SignEntry generates an HMAC signature for the audit entry.
func SignEntry(e *Entry, key []byte) ([]byte, error) {
	data, err := json.Marshal(buildSignaturePayload(e))
	if err != nil {
		return nil, err
	}
	mac := hmac.New(sha256.New, key)
	_, _ = mac.Write(data)
	return mac.Sum(nil), nil
}

// VerifyEntrySignature verifies the HMAC signature for the audit entry.
func VerifyEntrySignature(e *Entry, key []byte) (bool, error) {
	if len(e.Signature) == 0 {
		return false, nil
	}
	expected, err := SignEntry(e, key)
	if err != nil {
		return false, err
	}
	return hmac.Equal(expected, e.Signature), nil
}
