// Package audit records hash-chained audit events and verifies the chain.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/Pavadeppam/shelftruth-label-aiassistance/internal/model"
	"github.com/Pavadeppam/shelftruth-label-aiassistance/internal/resilience"
	"github.com/Pavadeppam/shelftruth-label-aiassistance/internal/store"
)

// Event is an audit entry before it is sealed into the chain.
type Event struct {
	Actor   string
	Action  model.AuditAction
	SKUID   string
	TaskID  string
	RunID   string
	Epoch   int // zero means the current epoch
	Payload map[string]any
}

// Recorder appends events to the store's audit chain.
type Recorder struct {
	st      store.Store
	now     func() time.Time
	retries int

	// Appends are serialized so the chain head is read and extended
	// atomically within this process; the store guards across processes.
	mu sync.Mutex
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithClock sets the recorder's time source.
func WithClock(now func() time.Time) Option {
	return func(r *Recorder) { r.now = now }
}

// WithRetries sets the number of attempts for transient store errors.
func WithRetries(n int) Option {
	return func(r *Recorder) { r.retries = n }
}

// NewRecorder creates a Recorder backed by st.
func NewRecorder(st store.Store, opts ...Option) *Recorder {
	r := &Recorder{st: st, now: time.Now, retries: 3}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Record seals ev into the chain and returns the stored event.
func (r *Recorder) Record(ctx context.Context, ev Event) (*model.AuditEvent, error) {
	if ev.Action == "" {
		return nil, eris.New("audit: action is required")
	}
	if ev.Actor == "" {
		return nil, eris.New("audit: actor is required")
	}

	epoch := ev.Epoch
	if epoch == 0 {
		cur, err := r.st.CurrentEpoch(ctx)
		if err != nil {
			return nil, eris.Wrap(err, "audit: current epoch")
		}
		epoch = cur
	}

	payload, err := storedPayload(ev.Payload)
	if err != nil {
		return nil, eris.Wrapf(err, "audit: encode %s payload", ev.Action)
	}

	out := &model.AuditEvent{
		ID:        uuid.NewString(),
		Epoch:     epoch,
		Timestamp: r.now().UTC().Truncate(time.Microsecond),
		Actor:     ev.Actor,
		Action:    ev.Action,
		SKUID:     ev.SKUID,
		TaskID:    ev.TaskID,
		RunID:     ev.RunID,
		Payload:   payload,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	err = resilience.Do(ctx, resilience.StoreRetryConfig(r.retries, "append audit"), func(ctx context.Context) error {
		return r.st.AppendAudit(ctx, out, Seal)
	})
	if err != nil {
		return nil, eris.Wrapf(err, "audit: record %s", ev.Action)
	}

	zap.L().Debug("audit: recorded",
		zap.Int64("seq", out.Seq),
		zap.String("action", string(out.Action)),
		zap.String("actor", out.Actor),
		zap.String("sku_id", out.SKUID),
		zap.String("task_id", out.TaskID),
	)
	return out, nil
}

// storedPayload returns p in the form it is read back from the store, so the
// seal computed at append time matches the one recomputed on verification.
// Structs become maps with sorted keys and numbers become float64.
func storedPayload(p map[string]any) (map[string]any, error) {
	if len(p) == 0 {
		return p, nil
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// sealed is the hashed projection of an event. Field order is fixed by the
// struct and map keys are sorted by encoding/json.
type sealed struct {
	Seq       int64          `json:"seq"`
	ID        string         `json:"id"`
	Epoch     int            `json:"epoch"`
	Timestamp string         `json:"timestamp"`
	Actor     string         `json:"actor"`
	Action    string         `json:"action"`
	SKUID     string         `json:"sku_id"`
	TaskID    string         `json:"task_id"`
	RunID     string         `json:"run_id"`
	Payload   map[string]any `json:"payload"`
	PrevHash  string         `json:"prev_hash"`
}

// Seal computes the chain hash of ev from its content and PrevHash.
func Seal(ev *model.AuditEvent) string {
	payload := ev.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	data, err := json.Marshal(sealed{
		Seq:       ev.Seq,
		ID:        ev.ID,
		Epoch:     ev.Epoch,
		Timestamp: ev.Timestamp.UTC().Format(time.RFC3339Nano),
		Actor:     ev.Actor,
		Action:    string(ev.Action),
		SKUID:     ev.SKUID,
		TaskID:    ev.TaskID,
		RunID:     ev.RunID,
		Payload:   payload,
		PrevHash:  ev.PrevHash,
	})
	if err != nil {
		data = []byte(fmt.Sprintf("%#v", ev))
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Break describes the first inconsistency found in the chain.
type Break struct {
	Seq    int64  `json:"seq"`
	Reason string `json:"reason"`
}

// Report is the outcome of a chain verification.
type Report struct {
	Events int    `json:"events"`
	Head   string `json:"head,omitempty"`
	Valid  bool   `json:"valid"`
	Break  *Break `json:"break,omitempty"`
}

// Verify walks the whole chain and reports the first broken link.
func (r *Recorder) Verify(ctx context.Context) (*Report, error) {
	events, err := r.st.ListAudit(ctx, store.AuditFilter{})
	if err != nil {
		return nil, eris.Wrap(err, "audit: list events")
	}
	return VerifyChain(events), nil
}

// VerifyChain checks sequence continuity, back links and hashes of events
// given in ascending sequence order.
func VerifyChain(events []model.AuditEvent) *Report {
	rep := &Report{Events: len(events), Valid: true}
	prev := ""
	for i := range events {
		ev := &events[i]
		var reason string
		switch {
		case ev.Seq != int64(i+1):
			reason = fmt.Sprintf("expected seq %d", i+1)
		case ev.PrevHash != prev:
			reason = "previous hash does not match"
		case Seal(ev) != ev.Hash:
			reason = "hash does not match content"
		}
		if reason != "" {
			rep.Valid = false
			rep.Break = &Break{Seq: ev.Seq, Reason: reason}
			return rep
		}
		prev = ev.Hash
	}
	rep.Head = prev
	return rep
}

// Refresh starts a new epoch, superseding open tasks and current verdicts,
// and records the marker event. Nothing is deleted.
func (r *Recorder) Refresh(ctx context.Context, actor, reason string) (*model.Epoch, error) {
	if reason == "" {
		return nil, eris.New("audit: refresh requires a reason")
	}
	ep, err := r.st.StartEpoch(ctx, actor, reason)
	if err != nil {
		return nil, eris.Wrap(err, "audit: start epoch")
	}
	if _, err := r.Record(ctx, Event{
		Actor:   actor,
		Action:  model.AuditEpochStarted,
		Epoch:   ep.Number,
		Payload: map[string]any{"reason": reason, "epoch": ep.Number},
	}); err != nil {
		return ep, err
	}
	zap.L().Info("audit: epoch started", zap.Int("epoch", ep.Number), zap.String("actor", actor), zap.String("reason", reason))
	return ep, nil
}
