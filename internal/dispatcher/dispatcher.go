// Package dispatcher implements §4.B: the single state machine
// serialising every site-originated connect/sign message against the
// pending-request store (internal/pendingstore). All mutations run
// through one serial op queue, mirroring the single promise chain
// (§5): "pendingMutationChain = pendingMutationChain.then(op)".
package dispatcher

import (
	"context"

	"github.com/forgeos-wallet/execpipeline/internal/envelope"
	"github.com/forgeos-wallet/execpipeline/internal/errs"
	"github.com/forgeos-wallet/execpipeline/internal/metrics"
	"github.com/forgeos-wallet/execpipeline/internal/obslog"
	"github.com/forgeos-wallet/execpipeline/internal/pendingstore"
)

// Store persists pendingstore.State across suspensions (§4.A/§5:
// "on resume, prior writes to the durable store are authoritative").
type Store interface {
	Load(ctx context.Context) (pendingstore.State, error)
	Save(ctx context.Context, s pendingstore.State) error
}

// ConnectResult is what the approval surface or the fast path produces
// for a resolved connect request.
type ConnectResult struct {
	Address string
	Network string
}

// Notifier delivers results back to origin tabs and requests the
// approval surface to open. All methods are best-effort: a failure to
// notify must never corrupt pending-request state (§4.A
// failure semantics).
type Notifier interface {
	ConnectResult(ctx context.Context, tabID int64, requestID string, result *ConnectResult, errMsg string)
	SignResult(ctx context.Context, tabID int64, requestID string, signature *string, errMsg string)
	OpenApproval(ctx context.Context) error
	UpdateBadge(ctx context.Context, pendingCount int)
}

// AccountResolver answers the dispatcher's fast path (§4.B):
// for an already-approved origin, the chosen account is returned
// immediately without enqueuing.
type AccountResolver interface {
	ResolveAccount(ctx context.Context, origin string) (address, network string, ok bool)
}

var (
	// ErrCapacity is reported when total pending is at MAX_TOTAL_PENDING.
	ErrCapacity = errs.New("too many pending requests")
	// ErrPerOrigin is reported when an origin is at MAX_PER_ORIGIN.
	ErrPerOrigin = errs.New("too many from this site")
	// ErrOpenManually is reported when the approval surface failed to open.
	ErrOpenManually = errs.New("could not open approval window automatically; open it manually")
	// ErrTabClosed is reported to requests dropped by a tab closure.
	ErrTabClosed = errs.New("tab was closed")
	// ErrTimedOut is reported to requests pruned by TTL expiry.
	ErrTimedOut = errs.New("request timed out")
)

// op is one unit of serialized work.
type op func(ctx context.Context)

// Dispatcher is the single mutation-serialising actor (§5).
type Dispatcher struct {
	cfg       pendingstore.Config
	store     Store
	notifier  Notifier
	allowList *envelope.AllowList
	accounts  AccountResolver
	clock     func() int64

	ops    chan op
	done   chan struct{}
}

// New constructs a Dispatcher. Call Run in its own goroutine before
// submitting any operation.
func New(cfg pendingstore.Config, store Store, notifier Notifier, allowList *envelope.AllowList, accounts AccountResolver, clock func() int64) *Dispatcher {
	return &Dispatcher{
		cfg: cfg, store: store, notifier: notifier,
		allowList: allowList, accounts: accounts, clock: clock,
		ops:  make(chan op, 64),
		done: make(chan struct{}),
	}
}

// Run processes the serial op queue until ctx is done. It must run in
// exactly one goroutine for the serialisation guarantee to hold.
func (d *Dispatcher) Run(ctx context.Context) {
	defer close(d.done)
	for {
		select {
		case <-ctx.Done():
			return
		case o := <-d.ops:
			o(ctx)
		}
	}
}

// submit enqueues op and blocks until it has run, so callers (e.g. an
// HTTP handler) observe a completed mutation before responding.
func (d *Dispatcher) submit(ctx context.Context, o op) {
	done := make(chan struct{})
	wrapped := func(ctx context.Context) {
		defer close(done)
		o(ctx)
	}
	select {
	case d.ops <- wrapped:
	case <-ctx.Done():
		return
	}
	select {
	case <-done:
	case <-ctx.Done():
	}
}

func (d *Dispatcher) load(ctx context.Context) pendingstore.State {
	s, err := d.store.Load(ctx)
	if err != nil {
		obslog.Error(ctx, err, "component", "dispatcher", "op", "load")
		return pendingstore.State{}
	}
	return pendingstore.Read(s, d.cfg)
}

func (d *Dispatcher) persist(ctx context.Context, s pendingstore.State) {
	if err := d.store.Save(ctx, s); err != nil {
		// Persistence errors are reported but the in-memory view
		// (already applied to the live request) remains authoritative
		// until the next successful write (§4.A).
		obslog.Error(ctx, err, "component", "dispatcher", "op", "persist")
	}
}

func (d *Dispatcher) updateBadge(ctx context.Context, s pendingstore.State) {
	d.notifier.UpdateBadge(ctx, s.TotalPending())
}

// HandleConnect processes FORGEOS_OPEN_FOR_CONNECT (§4.B).
func (d *Dispatcher) HandleConnect(ctx context.Context, requestID string, tabID int64, rawOrigin string) {
	origin := envelope.NormalizeOrigin(rawOrigin)

	if addr, network, ok := d.accounts.ResolveAccount(ctx, origin); ok && d.allowList.Contains(origin) {
		metrics.AdmissionTotal.WithLabelValues("fast_path").Inc()
		d.notifier.ConnectResult(ctx, tabID, requestID, &ConnectResult{Address: addr, Network: network}, "")
		return
	}

	d.submit(ctx, func(ctx context.Context) {
		s := d.load(ctx)
		s = pendingstore.PruneExpired(s, d.clock(), d.cfg.TTLMillis).State

		if s.TotalPending() >= d.cfg.MaxTotalPending {
			metrics.AdmissionTotal.WithLabelValues("rejected_capacity").Inc()
			d.notifier.ConnectResult(ctx, tabID, requestID, nil, ErrCapacity.Error())
			return
		}
		if s.CountForOrigin(origin) >= d.cfg.MaxPerOrigin {
			metrics.AdmissionTotal.WithLabelValues("rejected_per_origin").Inc()
			d.notifier.ConnectResult(ctx, tabID, requestID, nil, ErrPerOrigin.Error())
			return
		}

		wasIdle := s.TotalPending() == 0
		s = pendingstore.EnqueueConnect(s, pendingstore.PendingConnectRequest{
			RequestID: requestID, TabID: tabID, Origin: origin, CreatedAt: d.clock(),
		}, d.cfg.StrictGlobal)
		d.persist(ctx, s)
		d.updateBadge(ctx, s)
		metrics.AdmissionTotal.WithLabelValues("admitted").Inc()

		if wasIdle {
			if err := d.notifier.OpenApproval(ctx); err != nil {
				res := pendingstore.ResolveActiveConnect(s, requestID, d.cfg.StrictGlobal)
				if !res.Stale {
					d.notifier.ConnectResult(ctx, tabID, requestID, nil, ErrOpenManually.Error())
					d.persist(ctx, res.State)
					d.updateBadge(ctx, res.State)
				}
			}
		}
	})
}

// HandleSign processes FORGEOS_OPEN_FOR_SIGN.
func (d *Dispatcher) HandleSign(ctx context.Context, requestID string, tabID int64, rawOrigin, message string) {
	origin := envelope.NormalizeOrigin(rawOrigin)

	d.submit(ctx, func(ctx context.Context) {
		s := d.load(ctx)
		s = pendingstore.PruneExpired(s, d.clock(), d.cfg.TTLMillis).State

		if s.TotalPending() >= d.cfg.MaxTotalPending {
			metrics.AdmissionTotal.WithLabelValues("rejected_capacity").Inc()
			d.notifier.SignResult(ctx, tabID, requestID, nil, ErrCapacity.Error())
			return
		}
		if s.CountForOrigin(origin) >= d.cfg.MaxPerOrigin {
			metrics.AdmissionTotal.WithLabelValues("rejected_per_origin").Inc()
			d.notifier.SignResult(ctx, tabID, requestID, nil, ErrPerOrigin.Error())
			return
		}

		wasIdle := s.TotalPending() == 0
		s = pendingstore.EnqueueSign(s, pendingstore.PendingSignRequest{
			PendingConnectRequest: pendingstore.PendingConnectRequest{
				RequestID: requestID, TabID: tabID, Origin: origin, CreatedAt: d.clock(),
			},
			Message: message,
		}, d.cfg.StrictGlobal)
		d.persist(ctx, s)
		d.updateBadge(ctx, s)
		metrics.AdmissionTotal.WithLabelValues("admitted").Inc()

		if wasIdle {
			if err := d.notifier.OpenApproval(ctx); err != nil {
				res := pendingstore.ResolveActiveSign(s, requestID, d.cfg.StrictGlobal)
				if !res.Stale {
					d.notifier.SignResult(ctx, tabID, requestID, nil, ErrOpenManually.Error())
					d.persist(ctx, res.State)
					d.updateBadge(ctx, res.State)
				}
			}
		}
	})
}

// resolveAndReopen is the shared tail of every approve/reject handler:
// persist, update badge, and best-effort re-open approval if anything
// remains pending.
func (d *Dispatcher) resolveAndReopen(ctx context.Context, s pendingstore.State) {
	d.persist(ctx, s)
	d.updateBadge(ctx, s)
	if s.TotalPending() > 0 {
		_ = d.notifier.OpenApproval(ctx)
	}
}

// HandleConnectApprove processes FORGEOS_CONNECT_APPROVE.
func (d *Dispatcher) HandleConnectApprove(ctx context.Context, requestID, address, network string) {
	d.submit(ctx, func(ctx context.Context) {
		s := d.load(ctx)
		res := pendingstore.ResolveActiveConnect(s, requestID, d.cfg.StrictGlobal)
		if res.Stale {
			return
		}
		d.allowList.Add(res.ResolvedConnect.Origin)
		d.notifier.ConnectResult(ctx, res.ResolvedConnect.TabID, requestID, &ConnectResult{Address: address, Network: network}, "")
		d.resolveAndReopen(ctx, res.State)
	})
}

// HandleConnectReject processes FORGEOS_CONNECT_REJECT.
func (d *Dispatcher) HandleConnectReject(ctx context.Context, requestID, errMsg string) {
	d.submit(ctx, func(ctx context.Context) {
		s := d.load(ctx)
		res := pendingstore.ResolveActiveConnect(s, requestID, d.cfg.StrictGlobal)
		if res.Stale {
			return
		}
		d.notifier.ConnectResult(ctx, res.ResolvedConnect.TabID, requestID, nil, orDefault(errMsg, "request rejected"))
		d.resolveAndReopen(ctx, res.State)
	})
}

// HandleSignApprove processes FORGEOS_SIGN_APPROVE.
func (d *Dispatcher) HandleSignApprove(ctx context.Context, requestID, signature string) {
	d.submit(ctx, func(ctx context.Context) {
		s := d.load(ctx)
		res := pendingstore.ResolveActiveSign(s, requestID, d.cfg.StrictGlobal)
		if res.Stale {
			return
		}
		sig := signature
		d.notifier.SignResult(ctx, res.ResolvedSign.TabID, requestID, &sig, "")
		d.resolveAndReopen(ctx, res.State)
	})
}

// HandleSignReject processes FORGEOS_SIGN_REJECT.
func (d *Dispatcher) HandleSignReject(ctx context.Context, requestID, errMsg string) {
	d.submit(ctx, func(ctx context.Context) {
		s := d.load(ctx)
		res := pendingstore.ResolveActiveSign(s, requestID, d.cfg.StrictGlobal)
		if res.Stale {
			return
		}
		d.notifier.SignResult(ctx, res.ResolvedSign.TabID, requestID, nil, orDefault(errMsg, "request rejected"))
		d.resolveAndReopen(ctx, res.State)
	})
}

// HandleTabClosed processes TAB_CLOSED: every pending request from
// tabID is dropped and notified exactly once.
func (d *Dispatcher) HandleTabClosed(ctx context.Context, tabID int64) {
	d.submit(ctx, func(ctx context.Context) {
		s := d.load(ctx)
		res := pendingstore.DropForTab(s, tabID)
		for _, r := range res.RemovedConnect {
			d.notifier.ConnectResult(ctx, r.TabID, r.RequestID, nil, ErrTabClosed.Error())
		}
		for _, r := range res.RemovedSign {
			d.notifier.SignResult(ctx, r.TabID, r.RequestID, nil, ErrTabClosed.Error())
		}
		d.persist(ctx, res.State)
		d.updateBadge(ctx, res.State)
	})
}

// HandleTickExpiry processes the background alarm (>=60s, §4.B).
func (d *Dispatcher) HandleTickExpiry(ctx context.Context) {
	d.submit(ctx, func(ctx context.Context) {
		s := d.load(ctx)
		res := pendingstore.PruneExpired(s, d.clock(), d.cfg.TTLMillis)
		for _, r := range res.ExpiredConnect {
			metrics.ExpiredTotal.Inc()
			d.notifier.ConnectResult(ctx, r.TabID, r.RequestID, nil, ErrTimedOut.Error())
		}
		for _, r := range res.ExpiredSign {
			metrics.ExpiredTotal.Inc()
			d.notifier.SignResult(ctx, r.TabID, r.RequestID, nil, ErrTimedOut.Error())
		}
		d.persist(ctx, res.State)
		d.updateBadge(ctx, res.State)
	})
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
