package orgreq

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"testing"
)

// memStore is an in-memory Session/Tx implementation for tests. Status
// writes are staged per transaction and applied on Commit only.
type memStore struct {
	requests   map[string]*Request
	orgs       map[string]bool
	failCommit bool
}

func newMemStore() *memStore {
	return &memStore{requests: map[string]*Request{}, orgs: map[string]bool{}}
}

func (s *memStore) addRequest(req Request) {
	copied := req
	s.requests[req.ID] = &copied
}

func (s *memStore) Begin(ctx context.Context) (Tx, error) {
	return &memTx{store: s, staged: map[string]Status{}}, nil
}

type memTx struct {
	store      *memStore
	staged     map[string]Status
	committed  bool
	rolledBack bool
}

func (t *memTx) LockRequest(ctx context.Context, requestID string) (*Request, error) {
	req, ok := t.store.requests[requestID]
	if !ok {
		return nil, fmt.Errorf("request %s not found", requestID)
	}
	copied := *req
	return &copied, nil
}

func (t *memTx) PendingUpdateRequest(ctx context.Context, orgID string) (*Request, error) {
	ids := make([]string, 0, len(t.store.requests))
	for id := range t.store.requests {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		req := t.store.requests[id]
		if req.OrgID == orgID && req.Kind == KindConfigUpdate && req.Status.IsPending() {
			copied := *req
			return &copied, nil
		}
	}
	return nil, nil
}

func (t *memTx) OrgExists(ctx context.Context, orgID string) (bool, error) {
	return t.store.orgs[orgID], nil
}

func (t *memTx) SetStatus(ctx context.Context, requestID string, status Status) error {
	t.staged[requestID] = status
	return nil
}

func (t *memTx) Commit() error {
	if t.store.failCommit {
		return errors.New("simulated commit failure")
	}
	for id, status := range t.staged {
		t.store.requests[id].Status = status
	}
	t.committed = true
	return nil
}

func (t *memTx) Rollback() error {
	t.rolledBack = true
	return nil
}

// fakeBackend records side-effect calls.
type fakeBackend struct {
	created   []string
	applied   []string
	snapshots int
	failApply bool
}

func (b *fakeBackend) CreateOrgAndUserFromRequest(ctx context.Context, requestID string) error {
	b.created = append(b.created, requestID)
	return nil
}

func (b *fakeBackend) ApplyOrgConfigUpdate(ctx context.Context, requestID string) error {
	if b.failApply {
		return errors.New("simulated apply failure")
	}
	b.applied = append(b.applied, requestID)
	return nil
}

func (b *fakeBackend) GetOrgConfigSnapshot(ctx context.Context, orgID string) (ConfigSnapshot, error) {
	b.snapshots++
	return ConfigSnapshot{OrgID: orgID, ActualName: "Org " + orgID}, nil
}

func (b *fakeBackend) GetOrgUserLogins(ctx context.Context, orgID string, onlyNonblocked bool) ([]string, error) {
	return []string{"admin@" + orgID}, nil
}

type fakeNotifier struct {
	notices []Notice
}

func (n *fakeNotifier) Notify(ctx context.Context, notice Notice) {
	n.notices = append(n.notices, notice)
}

func newTestMachine(store *memStore) (*Machine, *fakeBackend, *fakeNotifier) {
	backend := &fakeBackend{}
	notifier := &fakeNotifier{}
	return NewMachine(store, backend, notifier, nil), backend, notifier
}

func TestTransitionLegalityMatrix(t *testing.T) {
	all := []Status{StatusNew, StatusBeingProcessed, StatusDiscarded, StatusAccepted}
	legal := map[Status]map[Status]bool{
		StatusNew:            {StatusBeingProcessed: true, StatusDiscarded: true, StatusAccepted: true},
		StatusBeingProcessed: {StatusDiscarded: true, StatusAccepted: true},
		StatusDiscarded:      {StatusBeingProcessed: true},
		StatusAccepted:       {},
	}

	for _, from := range all {
		for _, to := range all {
			if to == StatusNew {
				continue // never a legal target; covered separately
			}
			name := fmt.Sprintf("%s_to_%s", from, to)
			t.Run(name, func(t *testing.T) {
				store := newMemStore()
				store.addRequest(Request{
					ID: "r1", OrgID: "org1", Kind: KindRegistration,
					Status: from, OrgGroupID: "group1",
				})
				m, _, _ := newTestMachine(store)

				err := m.Transition(context.Background(), "r1", to)
				if legal[from][to] {
					if err != nil {
						t.Fatalf("Transition(%s -> %s) error = %v, want success", from, to, err)
					}
					if got := store.requests["r1"].Status; got != to {
						t.Errorf("status = %s, want %s", got, to)
					}
				} else {
					var te *TransitionError
					if !errors.As(err, &te) {
						t.Fatalf("Transition(%s -> %s) error = %v, want *TransitionError", from, to, err)
					}
					if te.From != from || te.To != to {
						t.Errorf("error names %s -> %s, want %s -> %s", te.From, te.To, from, to)
					}
					if !IsClientError(err) {
						t.Error("illegal transition should be a client error")
					}
					if got := store.requests["r1"].Status; got != from {
						t.Errorf("status changed to %s on rejected transition", got)
					}
				}
			})
		}
	}
}

func TestTransitionToNewRejected(t *testing.T) {
	store := newMemStore()
	store.addRequest(Request{ID: "r1", OrgID: "org1", Kind: KindRegistration, Status: StatusDiscarded})
	m, _, _ := newTestMachine(store)

	// No row of the table permits a transition into new, so the
	// rejection names both statuses like any other illegal transition.
	err := m.Transition(context.Background(), "r1", StatusNew)
	var te *TransitionError
	if !errors.As(err, &te) {
		t.Fatalf("Transition(-> new) error = %v, want *TransitionError", err)
	}
	if te.From != StatusDiscarded || te.To != StatusNew {
		t.Errorf("error names %s -> %s, want discarded -> new", te.From, te.To)
	}
	if !IsClientError(err) {
		t.Error("transition into new should be a client error")
	}
	if store.requests["r1"].Status != StatusDiscarded {
		t.Error("status changed on rejected transition")
	}
}

func TestSinglePendingRequestInvariant(t *testing.T) {
	store := newMemStore()
	store.addRequest(Request{ID: "r1", OrgID: "org1", Kind: KindConfigUpdate, Status: StatusNew})
	store.addRequest(Request{ID: "r2", OrgID: "org1", Kind: KindConfigUpdate, Status: StatusNew})
	m, _, _ := newTestMachine(store)
	ctx := context.Background()

	// r1 sorts first, so it is the org's current pending request; moving
	// r2 must be rejected while r1 stays pending.
	err := m.Transition(ctx, "r2", StatusBeingProcessed)
	if err == nil || !IsClientError(err) {
		t.Fatalf("Transition(r2 -> being_processed) error = %v, want client error", err)
	}
	if store.requests["r2"].Status != StatusNew {
		t.Error("r2 status changed despite rejection")
	}

	if err := m.Transition(ctx, "r1", StatusBeingProcessed); err != nil {
		t.Fatalf("Transition(r1 -> being_processed) error = %v, want success", err)
	}
}

func TestRegistrationAccept(t *testing.T) {
	t.Run("creates org and notifies", func(t *testing.T) {
		store := newMemStore()
		store.addRequest(Request{
			ID: "r1", OrgID: "org1", Kind: KindRegistration,
			Status: StatusBeingProcessed, OrgGroupID: "group1",
		})
		m, backend, notifier := newTestMachine(store)

		if err := m.Transition(context.Background(), "r1", StatusAccepted); err != nil {
			t.Fatalf("Transition() error = %v", err)
		}
		if len(backend.created) != 1 || backend.created[0] != "r1" {
			t.Errorf("backend.created = %v, want [r1]", backend.created)
		}
		if len(notifier.notices) != 1 {
			t.Fatalf("got %d notices, want 1", len(notifier.notices))
		}
		if !notifier.notices[0].Accepted {
			t.Error("notice should be marked accepted")
		}
	})

	t.Run("rejected without org group", func(t *testing.T) {
		store := newMemStore()
		store.addRequest(Request{ID: "r1", OrgID: "org1", Kind: KindRegistration, Status: StatusNew})
		m, backend, _ := newTestMachine(store)

		err := m.Transition(context.Background(), "r1", StatusAccepted)
		if err == nil || !IsClientError(err) {
			t.Fatalf("Transition() error = %v, want client error", err)
		}
		if len(backend.created) != 0 {
			t.Error("org must not be created on rejected transition")
		}
	})

	t.Run("rejected when org already exists", func(t *testing.T) {
		store := newMemStore()
		store.orgs["org1"] = true
		store.addRequest(Request{
			ID: "r1", OrgID: "org1", Kind: KindRegistration,
			Status: StatusNew, OrgGroupID: "group1",
		})
		m, backend, _ := newTestMachine(store)

		err := m.Transition(context.Background(), "r1", StatusAccepted)
		if err == nil || !IsClientError(err) {
			t.Fatalf("Transition() error = %v, want client error", err)
		}
		if len(backend.created) != 0 {
			t.Error("org must not be created on rejected transition")
		}
	})
}

func TestConfigUpdateAccept(t *testing.T) {
	store := newMemStore()
	store.addRequest(Request{ID: "r1", OrgID: "org1", Kind: KindConfigUpdate, Status: StatusBeingProcessed})
	m, backend, notifier := newTestMachine(store)

	if err := m.Transition(context.Background(), "r1", StatusAccepted); err != nil {
		t.Fatalf("Transition() error = %v", err)
	}
	if len(backend.applied) != 1 || backend.applied[0] != "r1" {
		t.Errorf("backend.applied = %v, want [r1]", backend.applied)
	}
	if backend.snapshots != 1 {
		t.Errorf("snapshots taken = %d, want 1", backend.snapshots)
	}
	if len(notifier.notices) != 1 {
		t.Fatalf("got %d notices, want 1", len(notifier.notices))
	}
	notice := notifier.notices[0]
	if notice.Snapshot == nil || notice.Snapshot.OrgID != "org1" {
		t.Errorf("notice snapshot = %+v, want captured org1 snapshot", notice.Snapshot)
	}
}

func TestConfigUpdatePendingMismatchIsInvariantError(t *testing.T) {
	store := newMemStore()
	// r0 sorts first and is pending, so r1 is not the org's current
	// pending request: accepting it signals backend inconsistency.
	store.addRequest(Request{ID: "r0", OrgID: "org1", Kind: KindConfigUpdate, Status: StatusNew})
	store.addRequest(Request{ID: "r1", OrgID: "org1", Kind: KindConfigUpdate, Status: StatusBeingProcessed})
	m, _, _ := newTestMachine(store)

	err := m.Transition(context.Background(), "r1", StatusAccepted)
	var inv *InvariantError
	if !errors.As(err, &inv) {
		t.Fatalf("Transition() error = %v, want *InvariantError", err)
	}
	if IsClientError(err) {
		t.Error("invariant violation must not be a client error")
	}
}

func TestCommitFailureSkipsNotification(t *testing.T) {
	store := newMemStore()
	store.failCommit = true
	store.addRequest(Request{ID: "r1", OrgID: "org1", Kind: KindConfigUpdate, Status: StatusNew})
	m, _, notifier := newTestMachine(store)

	err := m.Transition(context.Background(), "r1", StatusDiscarded)
	if err == nil {
		t.Fatal("Transition() should fail when commit fails")
	}
	if len(notifier.notices) != 0 {
		t.Error("notification must not fire when the commit failed")
	}
	if store.requests["r1"].Status != StatusNew {
		t.Error("status must not change when the commit failed")
	}
}

func TestAbortLeavesStateUntouched(t *testing.T) {
	store := newMemStore()
	store.addRequest(Request{ID: "r1", OrgID: "org1", Kind: KindRegistration, Status: StatusNew})
	m, _, notifier := newTestMachine(store)

	pt, err := m.Prepare(context.Background(), "r1", StatusDiscarded)
	if err != nil {
		t.Fatalf("Prepare() error = %v", err)
	}
	m.Abort(pt)

	if store.requests["r1"].Status != StatusNew {
		t.Error("status changed after Abort")
	}
	if len(notifier.notices) != 0 {
		t.Error("no notification expected after Abort")
	}
}
