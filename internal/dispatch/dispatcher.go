// Package dispatch fans a cleaned event record out to its entitled
// recipient organizations, one broker message per (resource, org) pair.
package dispatch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"

	"threatpipe/internal/authz"
)

// OrgIDHeader is the per-recipient message header carrying the recipient
// organization id.
const OrgIDHeader = "recipient-org-id"

// Publisher is the external publish primitive.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, body []byte, headers map[string]string) error
}

// Anonymizer maps a real source identifier to its anonymized form used in
// routing keys.
type Anonymizer interface {
	Anonymize(source string) string
}

// SourceAnonymizer anonymizes sources via an explicit mapping, falling
// back to a deterministic "hidden.<digest>" label for unmapped sources.
type SourceAnonymizer struct {
	mapping map[string]string
}

// NewSourceAnonymizer creates a SourceAnonymizer over the given mapping;
// a nil mapping means every source gets the hashed fallback.
func NewSourceAnonymizer(mapping map[string]string) *SourceAnonymizer {
	return &SourceAnonymizer{mapping: mapping}
}

// Anonymize returns the anonymized source label.
func (a *SourceAnonymizer) Anonymize(source string) string {
	if anon, ok := a.mapping[source]; ok {
		return anon
	}
	sum := sha256.Sum256([]byte(source))
	return "hidden." + hex.EncodeToString(sum[:6])
}

// Event is the cleaned, serialized record handed to dispatch.
type Event struct {
	Source   string
	Category string
	Body     []byte
}

// Error reports a mid-fan-out publish failure, including which recipients
// had already been delivered. Earlier deliveries stand (at-least-once
// semantics); the remaining recipients were not attempted.
type Error struct {
	Resource  authz.Resource
	OrgID     string
	Source    string
	Delivered []string
	Err       error
}

func (e *Error) Error() string {
	return fmt.Sprintf("dispatch: publish to org %q on resource %q failed (source %s, %d delivered before failure): %v",
		e.OrgID, e.Resource, e.Source, len(e.Delivered), e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Dispatcher emits per-recipient copies of an event.
type Dispatcher struct {
	publisher  Publisher
	anonymizer Anonymizer
	logger     *slog.Logger
}

// NewDispatcher creates a Dispatcher over the given publish primitive.
func NewDispatcher(publisher Publisher, anonymizer Anonymizer, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{publisher: publisher, anonymizer: anonymizer, logger: logger}
}

// RoutingKey builds the routing key for one resource copy of an event:
// "<resource>.<category>.<anonymized-source>".
func (d *Dispatcher) RoutingKey(resource authz.Resource, ev Event) string {
	return strings.Join([]string{
		string(resource), ev.Category, d.anonymizer.Anonymize(ev.Source),
	}, ".")
}

// Dispatch emits one message per entitled (resource, org) pair: inside
// recipients first, then threats, each in ascending org-id order. The
// per-event recipient order is a pinned interface contract. On a publish
// failure the error carries every recipient already delivered; those
// deliveries are not rolled back.
func (d *Dispatcher) Dispatch(ctx context.Context, ev Event, res authz.Resolution) error {
	var delivered []string

	emit := func(resource authz.Resource, orgs []string) error {
		if len(orgs) == 0 {
			return nil
		}
		routingKey := d.RoutingKey(resource, ev)
		for _, org := range orgs {
			headers := map[string]string{OrgIDHeader: org}
			if err := d.publisher.Publish(ctx, routingKey, ev.Body, headers); err != nil {
				derr := &Error{
					Resource:  resource,
					OrgID:     org,
					Source:    ev.Source,
					Delivered: delivered,
					Err:       err,
				}
				d.logger.Error("event fan-out aborted",
					"resource", string(resource),
					"org_id", org,
					"source", ev.Source,
					"delivered", delivered,
					"error", err,
				)
				return derr
			}
			delivered = append(delivered, string(resource)+":"+org)
		}
		return nil
	}

	if err := emit(authz.ResourceInside, res.Inside); err != nil {
		return err
	}
	if err := emit(authz.ResourceThreats, res.Threats); err != nil {
		return err
	}

	d.logger.Debug("event dispatched",
		"source", ev.Source,
		"category", ev.Category,
		"recipients", len(delivered),
	)
	return nil
}
