package audit

import (
	"fmt"

	"esign-workflow/internal/domain"
)

// Report is the outcome of verifying one event. Each sub-check is reported on
// its own; SignedPDFHashMatch is nil while the version is not completed.
type Report struct {
	EventID            string `json:"event_id"`
	Sequence           int    `json:"sequence"`
	EventHashMatch     bool   `json:"event_hash_match"`
	PDFHashMatch       bool   `json:"pdf_hash_match"`
	SignedPDFHashMatch *bool  `json:"signed_pdf_hash_match"`
}

// Valid is true only when every applicable sub-check passed.
func (r Report) Valid() bool {
	return r.EventHashMatch && r.PDFHashMatch && (r.SignedPDFHashMatch == nil || *r.SignedPDFHashMatch)
}

// VerifyInput carries the independently re-derived artifacts for one event.
type VerifyInput struct {
	// DocumentPDF is the PDF as the signer saw it, rendered again from the
	// values that existed before the event.
	DocumentPDF []byte
	// SignedPDF is the final flattened PDF, nil while the version is open.
	SignedPDF []byte
	// RecordedSignedSHA256 is the hash stored on the version at completion.
	RecordedSignedSHA256 *string
}

// VerifyEvent checks events[idx] against the chain recomputed from genesis.
func VerifyEvent(events []domain.SignatureEvent, idx int, in VerifyInput) (Report, error) {
	if idx < 0 || idx >= len(events) {
		return Report{}, fmt.Errorf("event index %d out of range", idx)
	}
	expected, err := Recompute(events)
	if err != nil {
		return Report{}, err
	}
	ev := events[idx]
	r := Report{
		EventID:        ev.ID,
		Sequence:       ev.Sequence,
		EventHashMatch: expected[idx] == ev.EventHash,
		PDFHashMatch:   in.DocumentPDF != nil && SHA256Hex(in.DocumentPDF) == ev.DocumentSHA256,
	}
	if in.RecordedSignedSHA256 != nil {
		match := in.SignedPDF != nil && SHA256Hex(in.SignedPDF) == *in.RecordedSignedSHA256
		if ev.SignedPDFSHA256 != nil && *ev.SignedPDFSHA256 != *in.RecordedSignedSHA256 {
			match = false
		}
		r.SignedPDFHashMatch = &match
	}
	return r, nil
}

// ReplayFields returns the field values in effect before events[idx], applied
// over the blank layout in chain order.
func ReplayFields(fields []domain.Field, events []domain.SignatureEvent, idx int) ([]domain.Field, error) {
	out := make([]domain.Field, len(fields))
	byID := make(map[string]int, len(fields))
	for i, f := range fields {
		f.Value = nil
		f.Locked = false
		out[i] = f
		byID[f.ID] = i
	}
	for k := 0; k < idx && k < len(events); k++ {
		values, err := DecodeValues(&events[k])
		if err != nil {
			return nil, err
		}
		for _, v := range values {
			i, ok := byID[v.FieldID]
			if !ok {
				continue
			}
			val := v.Value
			out[i].Value = &val
			out[i].Locked = true
		}
	}
	return out, nil
}
