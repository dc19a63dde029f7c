package orgreq

import (
	"context"
	"fmt"
	"log/slog"
)

// Session is the persistence abstraction the state machine needs. All
// reads and writes for one transition happen inside a single transaction.
type Session interface {
	Begin(ctx context.Context) (Tx, error)
}

// Tx is one transaction scope. LockRequest must acquire a row-level (or
// equivalent) lock so that concurrent transitions on the same request
// serialize.
type Tx interface {
	LockRequest(ctx context.Context, requestID string) (*Request, error)
	PendingUpdateRequest(ctx context.Context, orgID string) (*Request, error)
	OrgExists(ctx context.Context, orgID string) (bool, error)
	SetStatus(ctx context.Context, requestID string, status Status) error
	Commit() error
	Rollback() error
}

// Backend is the auth/management collaborator invoked for side effects.
type Backend interface {
	CreateOrgAndUserFromRequest(ctx context.Context, requestID string) error
	ApplyOrgConfigUpdate(ctx context.Context, requestID string) error
	GetOrgConfigSnapshot(ctx context.Context, orgID string) (ConfigSnapshot, error)
	GetOrgUserLogins(ctx context.Context, orgID string, onlyNonblocked bool) ([]string, error)
}

// ConfigSnapshot is the organization config captured before a transition,
// used by post-commit notifications.
type ConfigSnapshot struct {
	OrgID                string
	ActualName           string
	NotificationSettings map[string]string
	UpdateInfo           map[string]string
}

// Notice describes a completed transition for notification dispatch.
// Accepted transitions get different templates/recipients than the rest.
type Notice struct {
	RequestID string
	OrgID     string
	Kind      Kind
	From      Status
	To        Status
	Accepted  bool
	Snapshot  *ConfigSnapshot
	Logins    []string
}

// Notifier dispatches a mail notice for a committed transition.
type Notifier interface {
	Notify(ctx context.Context, notice Notice)
}

// Machine drives org request status transitions.
type Machine struct {
	session  Session
	backend  Backend
	notifier Notifier
	logger   *slog.Logger
}

// NewMachine creates a state machine over the given collaborators.
// notifier may be nil, in which case committed transitions are only
// logged.
func NewMachine(session Session, backend Backend, notifier Notifier, logger *slog.Logger) *Machine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Machine{session: session, backend: backend, notifier: notifier, logger: logger}
}

// PreparedTransition is a checked, not-yet-committed transition. The old
// status comes from the durable store, never from the client.
type PreparedTransition struct {
	request  *Request
	from     Status
	to       Status
	snapshot *ConfigSnapshot
	tx       Tx
}

// Prepare locks the request, validates the transition against the table
// and runs the per-target preconditions. On success the returned
// transition holds the open transaction; the caller must Commit or
// Abort it.
func (m *Machine) Prepare(ctx context.Context, requestID string, target Status) (*PreparedTransition, error) {
	if !target.IsValid() {
		return nil, fmt.Errorf("%w: unknown target status %q", ErrClient, target)
	}

	tx, err := m.session.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("orgreq: begin transaction: %w", err)
	}

	pt, err := m.prepare(ctx, tx, requestID, target)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	return pt, nil
}

func (m *Machine) prepare(ctx context.Context, tx Tx, requestID string, target Status) (*PreparedTransition, error) {
	req, err := tx.LockRequest(ctx, requestID)
	if err != nil {
		return nil, fmt.Errorf("orgreq: lock request %s: %w", requestID, err)
	}

	from := req.Status
	if !transitionAllowed(from, target) {
		return nil, &TransitionError{From: from, To: target}
	}

	pt := &PreparedTransition{request: req, from: from, to: target, tx: tx}

	switch target {
	case StatusBeingProcessed:
		if req.Kind == KindConfigUpdate {
			if err := m.checkNoOtherPending(ctx, tx, req); err != nil {
				return nil, err
			}
		}
	case StatusDiscarded:
		if req.Kind == KindConfigUpdate {
			if err := m.assertIsCurrentPending(ctx, tx, req); err != nil {
				return nil, err
			}
			if err := m.captureSnapshot(ctx, pt); err != nil {
				return nil, err
			}
		}
	case StatusAccepted:
		switch req.Kind {
		case KindRegistration:
			if err := m.prepareRegistrationAccept(ctx, tx, req); err != nil {
				return nil, err
			}
		case KindConfigUpdate:
			if err := m.assertIsCurrentPending(ctx, tx, req); err != nil {
				return nil, err
			}
			if err := m.captureSnapshot(ctx, pt); err != nil {
				return nil, err
			}
		}
	}
	return pt, nil
}

// checkNoOtherPending rejects the transition when a different pending
// config-update request exists for the same organization.
func (m *Machine) checkNoOtherPending(ctx context.Context, tx Tx, req *Request) error {
	pending, err := tx.PendingUpdateRequest(ctx, req.OrgID)
	if err != nil {
		return fmt.Errorf("orgreq: query pending request for org %s: %w", req.OrgID, err)
	}
	if pending != nil && pending.ID != req.ID {
		return fmt.Errorf("%w: organization %s already has a pending config-update request (%s)",
			ErrClient, req.OrgID, pending.ID)
	}
	return nil
}

// assertIsCurrentPending verifies the request is the organization's
// current pending request. A mismatch here is backend inconsistency, not
// bad client input.
func (m *Machine) assertIsCurrentPending(ctx context.Context, tx Tx, req *Request) error {
	pending, err := tx.PendingUpdateRequest(ctx, req.OrgID)
	if err != nil {
		return fmt.Errorf("orgreq: query pending request for org %s: %w", req.OrgID, err)
	}
	if pending == nil || pending.ID != req.ID {
		inv := &InvariantError{
			RequestID: req.ID,
			Detail:    fmt.Sprintf("request is not the current pending request of org %s", req.OrgID),
		}
		m.logger.Error("org request invariant violation",
			"request_id", req.ID,
			"org_id", req.OrgID,
			"error", inv,
		)
		return inv
	}
	return nil
}

func (m *Machine) captureSnapshot(ctx context.Context, pt *PreparedTransition) error {
	snap, err := m.backend.GetOrgConfigSnapshot(ctx, pt.request.OrgID)
	if err != nil {
		return fmt.Errorf("orgreq: snapshot org %s config: %w", pt.request.OrgID, err)
	}
	pt.snapshot = &snap
	return nil
}

func (m *Machine) prepareRegistrationAccept(ctx context.Context, tx Tx, req *Request) error {
	if req.OrgGroupID == "" {
		return fmt.Errorf("%w: registration request %s has no org group assigned", ErrClient, req.ID)
	}
	exists, err := tx.OrgExists(ctx, req.OrgID)
	if err != nil {
		return fmt.Errorf("orgreq: check org %s existence: %w", req.OrgID, err)
	}
	if exists {
		return fmt.Errorf("%w: organization %s already exists", ErrClient, req.OrgID)
	}
	return nil
}

// Commit executes the external side effect, writes the new status and
// commits the transaction. The post-commit handler (success log and
// notification dispatch) runs only if the commit itself succeeded.
func (m *Machine) Commit(ctx context.Context, pt *PreparedTransition) error {
	req := pt.request

	if pt.to == StatusAccepted {
		var err error
		switch req.Kind {
		case KindRegistration:
			err = m.backend.CreateOrgAndUserFromRequest(ctx, req.ID)
		case KindConfigUpdate:
			err = m.backend.ApplyOrgConfigUpdate(ctx, req.ID)
		}
		if err != nil {
			pt.tx.Rollback()
			return fmt.Errorf("orgreq: accept side effect for request %s: %w", req.ID, err)
		}
	}

	if err := pt.tx.SetStatus(ctx, req.ID, pt.to); err != nil {
		pt.tx.Rollback()
		return fmt.Errorf("orgreq: write status for request %s: %w", req.ID, err)
	}
	if err := pt.tx.Commit(); err != nil {
		return fmt.Errorf("orgreq: commit transition for request %s: %w", req.ID, err)
	}

	m.afterCommit(ctx, pt)
	return nil
}

// Abort rolls back a prepared transition without applying it.
func (m *Machine) Abort(pt *PreparedTransition) {
	pt.tx.Rollback()
}

// Transition is the one-shot convenience: Prepare then Commit.
func (m *Machine) Transition(ctx context.Context, requestID string, target Status) error {
	pt, err := m.Prepare(ctx, requestID, target)
	if err != nil {
		return err
	}
	return m.Commit(ctx, pt)
}

func (m *Machine) afterCommit(ctx context.Context, pt *PreparedTransition) {
	req := pt.request
	m.logger.Info("org request status changed",
		"request_id", req.ID,
		"org_id", req.OrgID,
		"kind", req.Kind.String(),
		"from", string(pt.from),
		"to", string(pt.to),
	)
	if m.notifier == nil {
		return
	}

	notice := Notice{
		RequestID: req.ID,
		OrgID:     req.OrgID,
		Kind:      req.Kind,
		From:      pt.from,
		To:        pt.to,
		Accepted:  pt.to == StatusAccepted,
		Snapshot:  pt.snapshot,
	}
	logins, err := m.backend.GetOrgUserLogins(ctx, req.OrgID, true)
	if err != nil {
		m.logger.Warn("could not fetch org user logins for notification",
			"org_id", req.OrgID,
			"error", err,
		)
	} else {
		notice.Logins = logins
	}
	m.notifier.Notify(ctx, notice)
}
