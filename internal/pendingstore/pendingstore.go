// Package pendingstore implements §4.A: a durable, ordered,
// TTL-bounded store of pending connect/sign requests keyed by origin.
// Every function here is pure and infallible on in-memory data; the
// dispatcher (internal/dispatcher) is the only mutator and owns
// persistence.
package pendingstore

import "sort"

// PendingConnectRequest is §3's PendingConnectRequest.
type PendingConnectRequest struct {
	RequestID string `json:"requestId"`
	TabID     int64  `json:"tabId"`
	Origin    string `json:"origin,omitempty"`
	CreatedAt int64  `json:"createdAt"` // unix millis
}

// PendingSignRequest is §3's PendingSignRequest.
type PendingSignRequest struct {
	PendingConnectRequest
	Message string `json:"message"`
}

// Config holds the quota/mode knobs §4.A/§4.B describe.
type Config struct {
	MaxTotalPending int
	MaxPerOrigin    int
	TTLMillis       int64
	StrictGlobal    bool
}

// State is §3's PendingRequestState.
type State struct {
	ActiveConnect *PendingConnectRequest
	ActiveSign    *PendingSignRequest
	ConnectQueue  []PendingConnectRequest
	SignQueue     []PendingSignRequest
}

func (s State) clone() State {
	out := State{ConnectQueue: append([]PendingConnectRequest(nil), s.ConnectQueue...),
		SignQueue: append([]PendingSignRequest(nil), s.SignQueue...)}
	if s.ActiveConnect != nil {
		c := *s.ActiveConnect
		out.ActiveConnect = &c
	}
	if s.ActiveSign != nil {
		c := *s.ActiveSign
		out.ActiveSign = &c
	}
	return out
}

// TotalPending counts active + queued entries of both kinds.
func (s State) TotalPending() int {
	n := len(s.ConnectQueue) + len(s.SignQueue)
	if s.ActiveConnect != nil {
		n++
	}
	if s.ActiveSign != nil {
		n++
	}
	return n
}

// CountForOrigin counts all entries (active + queued, both kinds)
// attributed to origin.
func (s State) CountForOrigin(origin string) int {
	n := 0
	if s.ActiveConnect != nil && s.ActiveConnect.Origin == origin {
		n++
	}
	if s.ActiveSign != nil && s.ActiveSign.Origin == origin {
		n++
	}
	for _, r := range s.ConnectQueue {
		if r.Origin == origin {
			n++
		}
	}
	for _, r := range s.SignQueue {
		if r.Origin == origin {
			n++
		}
	}
	return n
}

// Read normalises state: drops malformed entries (empty RequestID),
// drops duplicate RequestIDs (keeping the first one met in the order
// active connect, active sign, connect queue, sign queue; CreatedAt is
// not compared when choosing which duplicate survives), sorts
// queues into FIFO-by-CreatedAt order, and caps per-origin and total
// counts by dropping tails. It is the load-time hygiene pass §4.A
// describes.
func Read(raw State, cfg Config) State {
	seen := map[string]bool{}
	s := State{}

	keep := func(id string) bool {
		if id == "" || seen[id] {
			return false
		}
		seen[id] = true
		return true
	}

	if raw.ActiveConnect != nil && keep(raw.ActiveConnect.RequestID) {
		c := *raw.ActiveConnect
		s.ActiveConnect = &c
	}
	if raw.ActiveSign != nil && keep(raw.ActiveSign.RequestID) {
		c := *raw.ActiveSign
		s.ActiveSign = &c
	}
	for _, r := range raw.ConnectQueue {
		if keep(r.RequestID) {
			s.ConnectQueue = append(s.ConnectQueue, r)
		}
	}
	for _, r := range raw.SignQueue {
		if keep(r.RequestID) {
			s.SignQueue = append(s.SignQueue, r)
		}
	}

	sort.SliceStable(s.ConnectQueue, func(i, j int) bool {
		return s.ConnectQueue[i].CreatedAt < s.ConnectQueue[j].CreatedAt
	})
	sort.SliceStable(s.SignQueue, func(i, j int) bool {
		return s.SignQueue[i].CreatedAt < s.SignQueue[j].CreatedAt
	})

	s = capByOrigin(s, cfg.MaxPerOrigin)
	s = capTotal(s, cfg.MaxTotalPending)
	s = reconcileStrictGlobal(s, cfg.StrictGlobal)
	return s
}

// capByOrigin drops tail entries per-origin beyond maxPerOrigin,
// counting actives as occupying a slot.
func capByOrigin(s State, maxPerOrigin int) State {
	if maxPerOrigin <= 0 {
		return s
	}
	counts := map[string]int{}
	bump := func(origin string) bool {
		counts[origin]++
		return counts[origin] <= maxPerOrigin
	}
	if s.ActiveConnect != nil {
		bump(s.ActiveConnect.Origin)
	}
	if s.ActiveSign != nil {
		bump(s.ActiveSign.Origin)
	}
	var cq []PendingConnectRequest
	for _, r := range s.ConnectQueue {
		if bump(r.Origin) {
			cq = append(cq, r)
		}
	}
	var sq []PendingSignRequest
	counts2 := map[string]int{}
	if s.ActiveConnect != nil {
		counts2[s.ActiveConnect.Origin]++
	}
	if s.ActiveSign != nil {
		counts2[s.ActiveSign.Origin]++
	}
	for _, r := range cq {
		counts2[r.Origin]++
	}
	for _, r := range s.SignQueue {
		counts2[r.Origin]++
		if counts2[r.Origin] <= maxPerOrigin {
			sq = append(sq, r)
		}
	}
	s.ConnectQueue = cq
	s.SignQueue = sq
	return s
}

func capTotal(s State, maxTotal int) State {
	if maxTotal <= 0 {
		return s
	}
	n := 0
	if s.ActiveConnect != nil {
		n++
	}
	if s.ActiveSign != nil {
		n++
	}
	var cq []PendingConnectRequest
	for _, r := range s.ConnectQueue {
		if n >= maxTotal {
			break
		}
		cq = append(cq, r)
		n++
	}
	var sq []PendingSignRequest
	for _, r := range s.SignQueue {
		if n >= maxTotal {
			break
		}
		sq = append(sq, r)
		n++
	}
	s.ConnectQueue = cq
	s.SignQueue = sq
	return s
}

// reconcileStrictGlobal enforces the strict-global-order invariant: at
// most one of {ActiveConnect, ActiveSign} may be non-nil. If both are
// present, the younger is demoted back to the head of its queue; if
// neither is present, the older of the two queue heads is promoted.
func reconcileStrictGlobal(s State, strict bool) State {
	if !strict {
		return s
	}
	if s.ActiveConnect != nil && s.ActiveSign != nil {
		if s.ActiveConnect.CreatedAt <= s.ActiveSign.CreatedAt {
			s.SignQueue = append([]PendingSignRequest{*s.ActiveSign}, s.SignQueue...)
			s.ActiveSign = nil
		} else {
			s.ConnectQueue = append([]PendingConnectRequest{*s.ActiveConnect}, s.ConnectQueue...)
			s.ActiveConnect = nil
		}
		return s
	}
	if s.ActiveConnect == nil && s.ActiveSign == nil {
		var cHead *PendingConnectRequest
		var sHead *PendingSignRequest
		if len(s.ConnectQueue) > 0 {
			cHead = &s.ConnectQueue[0]
		}
		if len(s.SignQueue) > 0 {
			sHead = &s.SignQueue[0]
		}
		switch {
		case cHead != nil && sHead != nil:
			if cHead.CreatedAt <= sHead.CreatedAt {
				c := *cHead
				s.ActiveConnect = &c
				s.ConnectQueue = s.ConnectQueue[1:]
			} else {
				c := *sHead
				s.ActiveSign = &c
				s.SignQueue = s.SignQueue[1:]
			}
		case cHead != nil:
			c := *cHead
			s.ActiveConnect = &c
			s.ConnectQueue = s.ConnectQueue[1:]
		case sHead != nil:
			c := *sHead
			s.ActiveSign = &c
			s.SignQueue = s.SignQueue[1:]
		}
	}
	return s
}

// PruneResult is the return of PruneExpired.
type PruneResult struct {
	State          State
	ExpiredConnect []PendingConnectRequest
	ExpiredSign    []PendingSignRequest
}

// PruneExpired removes every entry (active or queued) with
// now-CreatedAt > ttl, reporting each expired entry exactly once.
func PruneExpired(s State, now, ttl int64) PruneResult {
	out := s.clone()
	var res PruneResult

	expired := func(createdAt int64) bool { return now-createdAt > ttl }

	if out.ActiveConnect != nil && expired(out.ActiveConnect.CreatedAt) {
		res.ExpiredConnect = append(res.ExpiredConnect, *out.ActiveConnect)
		out.ActiveConnect = nil
	}
	if out.ActiveSign != nil && expired(out.ActiveSign.CreatedAt) {
		res.ExpiredSign = append(res.ExpiredSign, *out.ActiveSign)
		out.ActiveSign = nil
	}
	var cq []PendingConnectRequest
	for _, r := range out.ConnectQueue {
		if expired(r.CreatedAt) {
			res.ExpiredConnect = append(res.ExpiredConnect, r)
			continue
		}
		cq = append(cq, r)
	}
	var sq []PendingSignRequest
	for _, r := range out.SignQueue {
		if expired(r.CreatedAt) {
			res.ExpiredSign = append(res.ExpiredSign, r)
			continue
		}
		sq = append(sq, r)
	}
	out.ConnectQueue = cq
	out.SignQueue = sq
	res.State = out
	return res
}

// DropResult is the return of DropForTab.
type DropResult struct {
	State          State
	RemovedConnect []PendingConnectRequest
	RemovedSign    []PendingSignRequest
}

// DropForTab removes every entry (active or queued) whose TabID
// matches tabID, reporting each removed entry exactly once. An active
// slot left empty is refilled from the head of its queue.
func DropForTab(s State, tabID int64) DropResult {
	out := s.clone()
	var res DropResult

	if out.ActiveConnect != nil && out.ActiveConnect.TabID == tabID {
		res.RemovedConnect = append(res.RemovedConnect, *out.ActiveConnect)
		out.ActiveConnect = nil
	}
	if out.ActiveSign != nil && out.ActiveSign.TabID == tabID {
		res.RemovedSign = append(res.RemovedSign, *out.ActiveSign)
		out.ActiveSign = nil
	}
	var cq []PendingConnectRequest
	for _, r := range out.ConnectQueue {
		if r.TabID == tabID {
			res.RemovedConnect = append(res.RemovedConnect, r)
			continue
		}
		cq = append(cq, r)
	}
	var sq []PendingSignRequest
	for _, r := range out.SignQueue {
		if r.TabID == tabID {
			res.RemovedSign = append(res.RemovedSign, r)
			continue
		}
		sq = append(sq, r)
	}
	out.ConnectQueue = cq
	out.SignQueue = sq
	if out.ActiveConnect == nil && len(out.ConnectQueue) > 0 {
		head := out.ConnectQueue[0]
		out.ConnectQueue = out.ConnectQueue[1:]
		out.ActiveConnect = &head
	}
	if out.ActiveSign == nil && len(out.SignQueue) > 0 {
		head := out.SignQueue[0]
		out.SignQueue = out.SignQueue[1:]
		out.ActiveSign = &head
	}
	res.State = out
	return res
}

// EnqueueConnect appends req to the connect queue, promoting it to
// ActiveConnect if nothing of that kind (or, in strict-global mode,
// nothing at all) is currently active.
func EnqueueConnect(s State, req PendingConnectRequest, strictGlobal bool) State {
	out := s.clone()
	canActivate := out.ActiveConnect == nil && (!strictGlobal || out.ActiveSign == nil)
	if canActivate {
		r := req
		out.ActiveConnect = &r
	} else {
		out.ConnectQueue = append(out.ConnectQueue, req)
	}
	return out
}

// EnqueueSign is EnqueueConnect for sign requests.
func EnqueueSign(s State, req PendingSignRequest, strictGlobal bool) State {
	out := s.clone()
	canActivate := out.ActiveSign == nil && (!strictGlobal || out.ActiveConnect == nil)
	if canActivate {
		r := req
		out.ActiveSign = &r
	} else {
		out.SignQueue = append(out.SignQueue, req)
	}
	return out
}

// ResolveResult is the return of ResolveActiveConnect/ResolveActiveSign.
type ResolveResult struct {
	ResolvedConnect *PendingConnectRequest
	ResolvedSign    *PendingSignRequest
	Stale           bool
	State           State
}

// ResolveActiveConnect resolves (removes) the active connect request.
// If requestID is non-empty and does not match the active head,
// Stale is true and nothing is resolved. After resolution, the oldest
// queued connect request (if any) is promoted to active, honoring
// strict-global-order reconciliation.
func ResolveActiveConnect(s State, requestID string, strictGlobal bool) ResolveResult {
	out := s.clone()
	if out.ActiveConnect == nil || (requestID != "" && out.ActiveConnect.RequestID != requestID) {
		return ResolveResult{Stale: true, State: out}
	}
	resolved := *out.ActiveConnect
	out.ActiveConnect = nil
	if len(out.ConnectQueue) > 0 {
		head := out.ConnectQueue[0]
		out.ConnectQueue = out.ConnectQueue[1:]
		out.ActiveConnect = &head
	}
	out = reconcileStrictGlobal(out, strictGlobal)
	return ResolveResult{ResolvedConnect: &resolved, State: out}
}

// ResolveActiveSign is ResolveActiveConnect for sign requests.
func ResolveActiveSign(s State, requestID string, strictGlobal bool) ResolveResult {
	out := s.clone()
	if out.ActiveSign == nil || (requestID != "" && out.ActiveSign.RequestID != requestID) {
		return ResolveResult{Stale: true, State: out}
	}
	resolved := *out.ActiveSign
	out.ActiveSign = nil
	if len(out.SignQueue) > 0 {
		head := out.SignQueue[0]
		out.SignQueue = out.SignQueue[1:]
		out.ActiveSign = &head
	}
	out = reconcileStrictGlobal(out, strictGlobal)
	return ResolveResult{ResolvedSign: &resolved, State: out}
}
