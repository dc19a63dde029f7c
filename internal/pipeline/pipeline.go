// Package pipeline runs the consume loop: raw submissions come off the
// intake topic one at a time, get cleaned into canonical records,
// resolved against the access map, fanned out to entitled recipients
// and persisted.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"

	"threatpipe/internal/authz"
	"threatpipe/internal/dispatch"
	"threatpipe/internal/kafka"
	"threatpipe/internal/record"
	"threatpipe/internal/storage"
)

// Intake is the submission source; satisfied by *kafka.Consumer.
type Intake interface {
	Fetch(ctx context.Context) (kafka.Message, error)
	Commit(ctx context.Context) error
}

// Resolver computes recipient visibility; satisfied by *authz.Resolver.
type Resolver interface {
	Resolve(ctx context.Context, rec authz.RecordView) (authz.Resolution, error)
}

// Dispatcher fans events out; satisfied by *dispatch.Dispatcher.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev dispatch.Event, res authz.Resolution) error
}

// Writer persists storage items; satisfied by *storage.EventWriter.
type Writer interface {
	Write(ctx context.Context, items []map[string]any) error
}

// Archiver keeps raw payloads; satisfied by *s3.Archiver.
type Archiver interface {
	Archive(ctx context.Context, raw []byte)
}

// Metrics holds pipeline counters.
type Metrics struct {
	Consumed     uint64
	Dropped      uint64
	NoRecipients uint64
	Dispatched   uint64
	Stored       uint64
	Errors       uint64
}

// Pipeline is the single in-flight consume loop. One submission is
// processed end to end before the next is fetched, so a crash loses at
// most one uncommitted message.
type Pipeline struct {
	intake     Intake
	builder    *record.Builder
	kind       record.Kind
	resolver   Resolver
	dispatcher Dispatcher
	writer     Writer
	archiver   Archiver
	logger     *slog.Logger

	consumed     uint64
	dropped      uint64
	noRecipients uint64
	dispatched   uint64
	stored       uint64
	errCount     uint64
}

// Options wires the pipeline's collaborators. Archiver may be nil.
type Options struct {
	Intake     Intake
	Builder    *record.Builder
	Kind       record.Kind
	Resolver   Resolver
	Dispatcher Dispatcher
	Writer     Writer
	Archiver   Archiver
	Logger     *slog.Logger
}

// New creates a Pipeline.
func New(opts Options) (*Pipeline, error) {
	if opts.Intake == nil || opts.Builder == nil || opts.Resolver == nil ||
		opts.Dispatcher == nil || opts.Writer == nil {
		return nil, errors.New("pipeline: intake, builder, resolver, dispatcher and writer are required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		intake:     opts.Intake,
		builder:    opts.Builder,
		kind:       opts.Kind,
		resolver:   opts.Resolver,
		dispatcher: opts.Dispatcher,
		writer:     opts.Writer,
		archiver:   opts.Archiver,
		logger:     logger,
	}, nil
}

// Run consumes until the context is canceled or storage becomes
// unusable. Only a fatal storage condition is returned as an error;
// everything else is logged and the loop keeps going.
func (p *Pipeline) Run(ctx context.Context) error {
	p.logger.Info("pipeline started", "kind", p.kind)
	for {
		msg, err := p.intake.Fetch(ctx)
		if err != nil {
			// A canceled context or a closed reader means shutdown.
			if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
				p.logger.Info("pipeline stopped", "consumed", atomic.LoadUint64(&p.consumed))
				return nil
			}
			atomic.AddUint64(&p.errCount, 1)
			p.logger.Error("intake fetch failed", "error", err)
			continue
		}
		atomic.AddUint64(&p.consumed, 1)

		if err := p.process(ctx, msg); err != nil {
			if storage.IsFatal(err) {
				p.logger.Error("storage unusable, stopping pipeline", "error", err)
				return err
			}
			// The message stays uncommitted; after a restart it is
			// redelivered, giving at-least-once behavior.
			atomic.AddUint64(&p.errCount, 1)
			p.logger.Error("submission processing failed",
				"partition", msg.Partition,
				"offset", msg.Offset,
				"error", err,
			)
			continue
		}

		if err := p.intake.Commit(ctx); err != nil {
			atomic.AddUint64(&p.errCount, 1)
			p.logger.Error("offset commit failed", "error", err)
		}
	}
}

// process handles one submission end to end. A nil return means the
// message can be committed: either it was fully handled or it was
// dropped for a reason redelivery cannot fix.
func (p *Pipeline) process(ctx context.Context, msg kafka.Message) error {
	if p.archiver != nil {
		p.archiver.Archive(ctx, msg.Value)
	}

	rec, err := p.builder.FromJSON(p.kind, msg.Value)
	if err != nil {
		p.drop(msg, "uncleanable submission", err)
		return nil
	}

	items, err := rec.StorageItems()
	if err != nil {
		p.drop(msg, "incomplete record", err)
		return nil
	}

	res, err := p.resolver.Resolve(ctx, rec)
	if err != nil {
		var perr *authz.PredicateError
		if errors.As(err, &perr) {
			// Fail closed: unknown authorization state means nobody
			// gets the event.
			p.drop(msg, "visibility resolution failed", err)
			return nil
		}
		return fmt.Errorf("resolve visibility: %w", err)
	}

	if !res.Empty() {
		body, err := rec.ReadyJSON()
		if err != nil {
			p.drop(msg, "unserializable record", err)
			return nil
		}
		ev := dispatch.Event{
			Source:   stringField(rec, "source"),
			Category: stringField(rec, "category"),
			Body:     body,
		}
		if err := p.dispatcher.Dispatch(ctx, ev, res); err != nil {
			return fmt.Errorf("dispatch event: %w", err)
		}
		atomic.AddUint64(&p.dispatched, 1)
	} else {
		atomic.AddUint64(&p.noRecipients, 1)
	}

	if err := p.writer.Write(ctx, items); err != nil {
		return fmt.Errorf("persist event: %w", err)
	}
	atomic.AddUint64(&p.stored, 1)
	return nil
}

func (p *Pipeline) drop(msg kafka.Message, reason string, err error) {
	atomic.AddUint64(&p.dropped, 1)
	p.logger.Warn("dropping submission",
		"reason", reason,
		"partition", msg.Partition,
		"offset", msg.Offset,
		"error", err,
	)
}

func stringField(rec *record.Record, key string) string {
	v, ok := rec.Get(key)
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

// Metrics returns the current pipeline counters.
func (p *Pipeline) Metrics() Metrics {
	return Metrics{
		Consumed:     atomic.LoadUint64(&p.consumed),
		Dropped:      atomic.LoadUint64(&p.dropped),
		NoRecipients: atomic.LoadUint64(&p.noRecipients),
		Dispatched:   atomic.LoadUint64(&p.dispatched),
		Stored:       atomic.LoadUint64(&p.stored),
		Errors:       atomic.LoadUint64(&p.errCount),
	}
}
