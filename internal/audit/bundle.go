package audit

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"esign-workflow/internal/domain"
)

const (
	BundleFormat      = "esign-audit/v1"
	GroupBundleFormat = "esign-group-audit/v1"
)

type BundleEvent struct {
	ID              string              `json:"id"`
	Sequence        int                 `json:"sequence"`
	Recipient       string              `json:"recipient"`
	SignerName      string              `json:"signer_name"`
	SignedAt        time.Time           `json:"signed_at"`
	IPAddress       string              `json:"ip_address"`
	UserAgent       string              `json:"user_agent"`
	FieldValues     []domain.FieldValue `json:"field_values"`
	DocumentSHA256  string              `json:"document_sha256"`
	PriorEventHash  string              `json:"prior_event_hash"`
	EventHash       string              `json:"event_hash"`
	SignedPDFSHA256 *string             `json:"signed_pdf_sha256,omitempty"`
}

// Bundle is a self-contained audit export of one version.
type Bundle struct {
	Format          string        `json:"format"`
	VersionID       string        `json:"version_id"`
	DocumentID      string        `json:"document_id"`
	Title           string        `json:"title"`
	Status          string        `json:"status"`
	Events          []BundleEvent `json:"events"`
	HeadHash        string        `json:"head_hash"`
	SignedPDF       []byte        `json:"signed_pdf,omitempty"`
	SignedPDFSHA256 *string       `json:"signed_pdf_sha256,omitempty"`
	GeneratedAt     time.Time     `json:"generated_at"`
}

type ManifestItem struct {
	OrderIndex      int     `json:"order_index"`
	VersionID       string  `json:"version_id"`
	Title           string  `json:"title"`
	Status          string  `json:"status"`
	EventCount      int     `json:"event_count"`
	HeadHash        string  `json:"head_hash"`
	SignedPDFSHA256 *string `json:"signed_pdf_sha256,omitempty"`
}

// GroupBundle wraps the bundles of every item in group order plus a manifest
// whose hash binds the order and per-item heads together.
type GroupBundle struct {
	Format       string         `json:"format"`
	GroupID      string         `json:"group_id"`
	Title        string         `json:"title"`
	Manifest     []ManifestItem `json:"manifest"`
	ManifestHash string         `json:"manifest_hash"`
	Items        []Bundle       `json:"items"`
	GeneratedAt  time.Time      `json:"generated_at"`
}

// NewBundle assembles the export of a version from its ordered events.
func NewBundle(v *domain.Version, events []domain.SignatureEvent, signedPDF []byte, now time.Time) (*Bundle, error) {
	b := &Bundle{
		Format:          BundleFormat,
		VersionID:       v.ID,
		DocumentID:      v.DocumentID,
		Title:           v.Title,
		Status:          string(v.Status),
		Events:          make([]BundleEvent, 0, len(events)),
		SignedPDF:       signedPDF,
		SignedPDFSHA256: v.SignedPDFSHA256,
		GeneratedAt:     now.UTC(),
	}
	for i := range events {
		ev := &events[i]
		values, err := DecodeValues(ev)
		if err != nil {
			return nil, err
		}
		b.Events = append(b.Events, BundleEvent{
			ID:              ev.ID,
			Sequence:        ev.Sequence,
			Recipient:       ev.Recipient,
			SignerName:      ev.SignerName,
			SignedAt:        Timestamp(ev.SignedAt),
			IPAddress:       ev.IPAddress,
			UserAgent:       ev.UserAgent,
			FieldValues:     values,
			DocumentSHA256:  ev.DocumentSHA256,
			PriorEventHash:  ev.PriorEventHash,
			EventHash:       ev.EventHash,
			SignedPDFSHA256: ev.SignedPDFSHA256,
		})
		b.HeadHash = ev.EventHash
	}
	return b, nil
}

// NewGroupBundle assembles a group export; items must already be in group order.
func NewGroupBundle(g *domain.Group, items []Bundle, now time.Time) *GroupBundle {
	gb := &GroupBundle{
		Format:      GroupBundleFormat,
		GroupID:     g.ID,
		Title:       g.Title,
		Manifest:    make([]ManifestItem, 0, len(items)),
		Items:       items,
		GeneratedAt: now.UTC(),
	}
	for i, b := range items {
		gb.Manifest = append(gb.Manifest, ManifestItem{
			OrderIndex:      i,
			VersionID:       b.VersionID,
			Title:           b.Title,
			Status:          b.Status,
			EventCount:      len(b.Events),
			HeadHash:        b.HeadHash,
			SignedPDFSHA256: b.SignedPDFSHA256,
		})
	}
	gb.ManifestHash = ManifestHash(gb.GroupID, gb.Manifest)
	return gb
}

// ManifestHash hashes one line per item: order:version:head:signed.
func ManifestHash(groupID string, manifest []ManifestItem) string {
	var b strings.Builder
	b.WriteString(GroupBundleFormat)
	b.WriteString("\n")
	b.WriteString(groupID)
	b.WriteString("\n")
	for _, m := range manifest {
		signed := ""
		if m.SignedPDFSHA256 != nil {
			signed = *m.SignedPDFSHA256
		}
		b.WriteString(strconv.Itoa(m.OrderIndex))
		b.WriteString(":")
		b.WriteString(m.VersionID)
		b.WriteString(":")
		b.WriteString(m.HeadHash)
		b.WriteString(":")
		b.WriteString(signed)
		b.WriteString("\n")
	}
	return SHA256Hex([]byte(b.String()))
}

type EventCheck struct {
	EventID        string `json:"event_id"`
	Sequence       int    `json:"sequence"`
	EventHashMatch bool   `json:"event_hash_match"`
	PriorLinkMatch bool   `json:"prior_link_match"`
}

type BundleReport struct {
	VersionID          string       `json:"version_id"`
	Events             []EventCheck `json:"events"`
	ChainIntact        bool         `json:"chain_intact"`
	SignedPDFHashMatch *bool        `json:"signed_pdf_hash_match"`
}

// VerifyBundle re-verifies an export without access to the service.
func VerifyBundle(b *Bundle) (BundleReport, error) {
	events := make([]domain.SignatureEvent, len(b.Events))
	for i, e := range b.Events {
		raw, err := json.Marshal(SortedValues(e.FieldValues))
		if err != nil {
			return BundleReport{}, err
		}
		events[i] = domain.SignatureEvent{
			ID:             e.ID,
			Sequence:       e.Sequence,
			SignerName:     e.SignerName,
			SignedAt:       e.SignedAt,
			FieldValues:    raw,
			DocumentSHA256: e.DocumentSHA256,
			EventHash:      e.EventHash,
		}
	}
	expected, err := Recompute(events)
	if err != nil {
		return BundleReport{}, err
	}

	report := BundleReport{VersionID: b.VersionID, ChainIntact: true, Events: make([]EventCheck, 0, len(events))}
	prior := ""
	for i, e := range b.Events {
		check := EventCheck{
			EventID:        e.ID,
			Sequence:       e.Sequence,
			EventHashMatch: expected[i] == e.EventHash,
			PriorLinkMatch: e.PriorEventHash == prior,
		}
		if !check.EventHashMatch || !check.PriorLinkMatch {
			report.ChainIntact = false
		}
		report.Events = append(report.Events, check)
		prior = e.EventHash
	}
	if len(b.Events) > 0 && b.HeadHash != b.Events[len(b.Events)-1].EventHash {
		report.ChainIntact = false
	}
	if b.SignedPDFSHA256 != nil {
		match := b.SignedPDF != nil && SHA256Hex(b.SignedPDF) == *b.SignedPDFSHA256
		report.SignedPDFHashMatch = &match
	}
	return report, nil
}

type GroupBundleReport struct {
	ManifestHashMatch bool           `json:"manifest_hash_match"`
	ManifestMatch     bool           `json:"manifest_match"`
	Items             []BundleReport `json:"items"`
}

// VerifyGroupBundle checks the manifest hash, that each manifest row agrees
// with its item bundle, and every item chain.
func VerifyGroupBundle(gb *GroupBundle) (GroupBundleReport, error) {
	r := GroupBundleReport{
		ManifestHashMatch: ManifestHash(gb.GroupID, gb.Manifest) == gb.ManifestHash,
		ManifestMatch:     len(gb.Manifest) == len(gb.Items),
	}
	for i := range gb.Items {
		item := &gb.Items[i]
		br, err := VerifyBundle(item)
		if err != nil {
			return GroupBundleReport{}, err
		}
		r.Items = append(r.Items, br)
		if i >= len(gb.Manifest) {
			continue
		}
		m := gb.Manifest[i]
		if m.OrderIndex != i || m.VersionID != item.VersionID || m.HeadHash != item.HeadHash || m.EventCount != len(item.Events) {
			r.ManifestMatch = false
		}
	}
	return r, nil
}
