// Package envelope implements §4.G / §6.1: the typed-message
// discriminant scheme that is the only permitted IPC between the site,
// background, and approval contexts, plus origin allow-listing.
package envelope

import (
	"encoding/json"
	"net/url"

	"github.com/forgeos-wallet/execpipeline/internal/metrics"
)

// Discriminant values, §6.1. The "FORGEOS_" prefix is the
// wire-format discriminant itself, not an internal project name.
const (
	TypeOpenForConnect  = "FORGEOS_OPEN_FOR_CONNECT"
	TypeOpenForSign     = "FORGEOS_OPEN_FOR_SIGN"
	TypeSync            = "FORGEOS_SYNC"
	TypeSyncAgents      = "FORGEOS_SYNC_AGENTS"
	TypeOpenPopup       = "FORGEOS_OPEN_POPUP"
	TypePrefetchKRC     = "FORGEOS_PREFETCH_KRC"
	TypeConnectResult   = "FORGEOS_CONNECT_RESULT"
	TypeSignResult      = "FORGEOS_SIGN_RESULT"
	TypeConnectApprove  = "FORGEOS_CONNECT_APPROVE"
	TypeConnectReject   = "FORGEOS_CONNECT_REJECT"
	TypeSignApprove     = "FORGEOS_SIGN_APPROVE"
	TypeSignReject      = "FORGEOS_SIGN_REJECT"
	TypeScheduleAutolock = "SCHEDULE_AUTOLOCK"
	TypeCancelAutolock  = "CANCEL_AUTOLOCK"
	TypeTabClosed       = "TAB_CLOSED"
	TypeTickExpiry      = "TICK_EXPIRY"
)

var knownTypes = map[string]bool{
	TypeOpenForConnect: true, TypeOpenForSign: true, TypeSync: true,
	TypeSyncAgents: true, TypeOpenPopup: true, TypePrefetchKRC: true,
	TypeConnectResult: true, TypeSignResult: true, TypeConnectApprove: true,
	TypeConnectReject: true, TypeSignApprove: true, TypeSignReject: true,
	TypeScheduleAutolock: true, TypeCancelAutolock: true,
	TypeTabClosed: true, TypeTickExpiry: true,
}

// Envelope is the wire shape of every message: a discriminant plus an
// opaque payload, decoded lazily by callers via Decode.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"-"`
	raw     map[string]json.RawMessage
}

// errUnknownType is returned by Parse for a message whose discriminant
// is missing or not recognised; callers must drop such messages
// silently (after counting) per §4.G.
type errUnknownType struct{}

func (errUnknownType) Error() string { return "envelope: unknown or missing discriminant" }

// ErrUnknownType is the sentinel for Parse's rejection path.
var ErrUnknownType error = errUnknownType{}

// Parse decodes raw bytes into an Envelope, validating the discriminant.
// Any shape failure or unrecognised type counts as a drop and returns
// ErrUnknownType; the caller is expected to log it as a drop and take
// no further action.
func Parse(raw []byte) (Envelope, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		metrics.EnvelopeDroppedTotal.Inc()
		return Envelope{}, ErrUnknownType
	}
	typeRaw, ok := fields["type"]
	if !ok {
		metrics.EnvelopeDroppedTotal.Inc()
		return Envelope{}, ErrUnknownType
	}
	var typ string
	if err := json.Unmarshal(typeRaw, &typ); err != nil || !knownTypes[typ] {
		metrics.EnvelopeDroppedTotal.Inc()
		return Envelope{}, ErrUnknownType
	}
	return Envelope{Type: typ, Payload: raw, raw: fields}, nil
}

// Decode unmarshals the envelope's full JSON into v, which should be a
// struct describing that discriminant's payload fields.
func (e Envelope) Decode(v interface{}) error {
	return json.Unmarshal(e.Payload, v)
}

// Field returns the raw JSON for a top-level field, or nil if absent.
func (e Envelope) Field(name string) json.RawMessage {
	return e.raw[name]
}

// UnknownOrigin is the sentinel bucket for origins that fail URL
// parsing; it still counts against the per-origin quota (§4.G).
const UnknownOrigin = "unknown"

// NormalizeOrigin parses raw as a URL and returns its scheme://host
// origin. Malformed input maps to UnknownOrigin.
func NormalizeOrigin(raw string) string {
	if raw == "" {
		return UnknownOrigin
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return UnknownOrigin
	}
	return u.Scheme + "://" + u.Host
}
