// Package audit computes and verifies the hash chain over signature events.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"time"

	"esign-workflow/internal/domain"
)

// ChainInput is everything event_hash commits to.
type ChainInput struct {
	DocumentSHA256 string              `json:"document_sha256"`
	FieldValues    []domain.FieldValue `json:"field_values"`
	SignerName     string              `json:"signer_name"`
	SignedAt       time.Time           `json:"signed_at"`
	PriorEventHash string              `json:"prior_event_hash"`
}

type canonicalInput struct {
	DocumentSHA256 string              `json:"document_sha256"`
	FieldValues    []domain.FieldValue `json:"field_values"`
	SignerName     string              `json:"signer_name"`
	SignedAt       string              `json:"signed_at"`
	PriorEventHash string              `json:"prior_event_hash"`
}

// Timestamp normalizes a signing time to what storage round-trips losslessly.
func Timestamp(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

// SortedValues returns a copy of values ordered by field id.
func SortedValues(values []domain.FieldValue) []domain.FieldValue {
	out := make([]domain.FieldValue, len(values))
	copy(out, values)
	sort.Slice(out, func(i, j int) bool {
		if out[i].FieldID == out[j].FieldID {
			return out[i].Value < out[j].Value
		}
		return out[i].FieldID < out[j].FieldID
	})
	return out
}

// EventHash is sha256 over the canonical JSON encoding of the input.
func EventHash(in ChainInput) string {
	values := SortedValues(in.FieldValues)
	if values == nil {
		values = []domain.FieldValue{}
	}
	b, err := json.Marshal(canonicalInput{
		DocumentSHA256: in.DocumentSHA256,
		FieldValues:    values,
		SignerName:     in.SignerName,
		SignedAt:       Timestamp(in.SignedAt).Format(time.RFC3339Nano),
		PriorEventHash: in.PriorEventHash,
	})
	if err != nil {
		// a struct of strings cannot fail to marshal
		panic(err)
	}
	return SHA256Hex(b)
}

func SHA256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// DecodeValues reads the field_values column of an event.
func DecodeValues(ev *domain.SignatureEvent) ([]domain.FieldValue, error) {
	var values []domain.FieldValue
	if len(ev.FieldValues) == 0 {
		return values, nil
	}
	if err := json.Unmarshal(ev.FieldValues, &values); err != nil {
		return nil, err
	}
	return values, nil
}

// EncodeValues produces the field_values column, sorted by field id.
func EncodeValues(values []domain.FieldValue) ([]byte, error) {
	return json.Marshal(SortedValues(values))
}

// Recompute walks events in sequence order and returns the expected hash of
// each one. The prior hash fed into event k is the recomputed hash of event
// k-1, never the stored one, so tampering with any event invalidates every
// event after it.
func Recompute(events []domain.SignatureEvent) ([]string, error) {
	expected := make([]string, len(events))
	prior := ""
	for i := range events {
		values, err := DecodeValues(&events[i])
		if err != nil {
			return nil, err
		}
		h := EventHash(ChainInput{
			DocumentSHA256: events[i].DocumentSHA256,
			FieldValues:    values,
			SignerName:     events[i].SignerName,
			SignedAt:       events[i].SignedAt,
			PriorEventHash: prior,
		})
		expected[i] = h
		prior = h
	}
	return expected, nil
}
