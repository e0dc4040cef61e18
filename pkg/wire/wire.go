// Package wire defines the JSON messages exchanged through the bulletin
// board and the path layout they live under. Field names and path shapes are
// wire-exact: every implementation that talks to the same board must agree
// on them byte for byte.
package wire

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/threshold-custody/core/pkg/party"
)

// Identity is posted to identity/{node_id}.
type Identity struct {
	NodeID       party.ID  `json:"node_id"`
	PublicKeyPEM string    `json:"public_key_pem"`
	CreatedAt    time.Time `json:"created_at"`
}

// DKGCommitment is posted to dkg/{round_id}/commitments/{node_id}.json.
// Commitments holds the 33-byte compressed coefficient points in hex,
// constant term first.
type DKGCommitment struct {
	NodeID      party.ID  `json:"node_id"`
	RoundID     string    `json:"round_id"`
	Commitments []string  `json:"commitments"`
	Threshold   int       `json:"threshold"`
	Total       int       `json:"total"`
	Timestamp   time.Time `json:"timestamp"`
}

// Complaint is posted to dkg/{round_id}/complaints/{accuser}_vs_{accused}.json
// when a received share fails Feldman verification.
type Complaint struct {
	Accuser   party.ID  `json:"accuser"`
	Accused   party.ID  `json:"accused"`
	RoundID   string    `json:"round_id"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

// SigningRequest is posted to signing/{request_id}/request.json. Message
// carries the raw bytes to sign; encoding/json transports it as base64.
type SigningRequest struct {
	RequestID        string    `json:"request_id"`
	Message          []byte    `json:"message"`
	MessageDigestHex string    `json:"message_digest_hex"`
	Requester        party.ID  `json:"requester"`
	Threshold        int       `json:"threshold"`
	CreatedAt        time.Time `json:"created_at"`
}

// Session is the first-writer-wins lock at signing/{request_id}/session.json.
// Participants has exactly threshold entries and pins which commitments
// define the aggregate nonce point for the request.
type Session struct {
	Participants []party.ID `json:"participants"`
	LockedBy     party.ID   `json:"locked_by"`
	Timestamp    time.Time  `json:"timestamp"`
}

// SigningCommitment is posted to
// signing/{request_id}/commitments/{node_id}.json when a node approves.
type SigningCommitment struct {
	NodeID           party.ID  `json:"node_id"`
	RHex             string    `json:"R_hex"`
	MessageDigestHex string    `json:"message_digest_hex"`
	Counter          uint64    `json:"counter"`
	Timestamp        time.Time `json:"timestamp"`
}

// PartialSignature is posted to signing/{request_id}/partials/{node_id}.json.
type PartialSignature struct {
	NodeID    party.ID  `json:"node_id"`
	Partial   string    `json:"partial"`
	Timestamp time.Time `json:"timestamp"`
}

// Result is the terminal artifact at signing/{request_id}/result.json.
type Result struct {
	R                string     `json:"R"`
	S                string     `json:"s"`
	Participants     []party.ID `json:"participants"`
	MessageDigestHex string     `json:"message_digest_hex"`
}

// Encode marshals a board message. Indentation is deliberate: board blobs
// are read by human operators during incident response.
func Encode(v any) ([]byte, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("wire: encoding %T: %w", v, err)
	}
	return b, nil
}

// Decode unmarshals a board blob into v, rejecting unknown fields so a
// malformed or mislabelled write is caught at ingress rather than
// mid-ceremony.
func Decode(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("wire: decoding %T: %w", v, err)
	}
	return nil
}

// Board path layout.

func IdentityPath(id party.ID) string {
	return fmt.Sprintf("identity/%s", id)
}

func DKGCommitmentPrefix(roundID string) string {
	return fmt.Sprintf("dkg/%s/commitments/", roundID)
}

func DKGCommitmentPath(roundID string, id party.ID) string {
	return fmt.Sprintf("dkg/%s/commitments/%s.json", roundID, id)
}

func DKGSharePrefix(roundID string) string {
	return fmt.Sprintf("dkg/%s/shares/", roundID)
}

func DKGSharePath(roundID string, from, to party.ID) string {
	return fmt.Sprintf("dkg/%s/shares/%s_to_%s.enc", roundID, from, to)
}

func ComplaintPrefix(roundID string) string {
	return fmt.Sprintf("dkg/%s/complaints/", roundID)
}

func ComplaintPath(roundID string, accuser, accused party.ID) string {
	return fmt.Sprintf("dkg/%s/complaints/%s_vs_%s.json", roundID, accuser, accused)
}

func RequestPath(requestID string) string {
	return fmt.Sprintf("signing/%s/request.json", requestID)
}

func SessionPath(requestID string) string {
	return fmt.Sprintf("signing/%s/session.json", requestID)
}

func SigningCommitmentPrefix(requestID string) string {
	return fmt.Sprintf("signing/%s/commitments/", requestID)
}

func SigningCommitmentPath(requestID string, id party.ID) string {
	return fmt.Sprintf("signing/%s/commitments/%s.json", requestID, id)
}

func PartialPrefix(requestID string) string {
	return fmt.Sprintf("signing/%s/partials/", requestID)
}

func PartialPath(requestID string, id party.ID) string {
	return fmt.Sprintf("signing/%s/partials/%s.json", requestID, id)
}

func ResultPath(requestID string) string {
	return fmt.Sprintf("signing/%s/result.json", requestID)
}
