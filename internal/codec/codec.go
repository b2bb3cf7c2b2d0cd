// Package codec serializes task payloads for durable write-back,
// implementing the cache.Codec contract.
package codec

import (
	"context"
	"encoding/json"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/swarmguard/lineage/internal/lineage"
)

// Encoder serializes one payload kind to bytes.
type Encoder interface {
	Encode(p lineage.Payload) ([]byte, error)
}

// kindTagged is implemented by payloads that carry more than one wire
// representation; Registry consults it to pick an Encoder. Payloads
// that don't implement it are treated as kind "task".
type kindTagged interface {
	Kind() string
}

// Registry dispatches encoding by payload kind, the same
// register-then-dispatch shape the teacher uses for its task-type
// plugins, here applied to wire encodings instead of executors.
type Registry struct {
	encoders map[string]Encoder
	tracer   trace.Tracer
}

// NewRegistry builds a Registry with the default JSON encoder
// registered under kind "task".
func NewRegistry() *Registry {
	r := &Registry{
		encoders: make(map[string]Encoder),
		tracer:   otel.Tracer("lineage-codec"),
	}
	r.Register("task", JSONEncoder{})
	return r
}

// Register adds or replaces the encoder used for kind.
func (r *Registry) Register(kind string, enc Encoder) {
	r.encoders[kind] = enc
}

// Encode implements cache.Codec.
func (r *Registry) Encode(p lineage.Payload) ([]byte, error) {
	_, data, err := r.EncodeTagged(p)
	return data, err
}

// EncodeTagged is Encode plus the resolved kind tag, consumed by
// internal/transport so a forwarded entry carries enough information
// for the receiving node to Decode it again.
func (r *Registry) EncodeTagged(p lineage.Payload) (kind string, data []byte, err error) {
	kind = "task"
	if kt, ok := p.(kindTagged); ok {
		kind = kt.Kind()
	}

	_, span := r.tracer.Start(context.Background(), "codec.encode",
		trace.WithAttributes(
			attribute.String("kind", kind),
			attribute.String("task_id", p.EntryID().String()),
		))
	defer span.End()

	enc, ok := r.encoders[kind]
	if !ok {
		return kind, nil, fmt.Errorf("no encoder registered for payload kind %q", kind)
	}
	data, err = enc.Encode(p)
	return kind, data, err
}

// wireTask is the JSON-over-the-wire representation of a task payload.
// Dependencies and the task id are hex-encoded since lineage.EntryID is
// a fixed-size byte array, not a JSON-native type.
type wireTask struct {
	TaskID       string         `json:"task_id"`
	DriverID     string         `json:"driver_id,omitempty"`
	Dependencies []string       `json:"dependencies,omitempty"`
	Meta         map[string]any `json:"meta,omitempty"`
}

// JSONEncoder is the default Encoder for kind "task".
type JSONEncoder struct{}

func (JSONEncoder) Encode(p lineage.Payload) ([]byte, error) {
	if tp, ok := p.(*lineage.TaskPayload); ok {
		return json.Marshal(wireTask{
			TaskID:       tp.TaskID.String(),
			DriverID:     tp.DriverID,
			Dependencies: entryIDStrings(tp.Dependencies),
			Meta:         tp.Meta,
		})
	}

	// Any other Payload implementation still has an id and parents;
	// fall back to the same wire shape without the driver/meta fields.
	return json.Marshal(wireTask{
		TaskID:       p.EntryID().String(),
		Dependencies: entryIDStrings(p.ParentIDs()),
	})
}

func entryIDStrings(ids []lineage.EntryID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}

// Decode reverses JSONEncoder for kind "task", used by internal/transport
// when a peer's forwarded entries need to become local Payload values
// again. Decode is not part of the cache.Codec contract: the cache only
// ever writes, never reads back its own wire format.
func (r *Registry) Decode(kind string, data []byte) (lineage.Payload, error) {
	if kind == "" {
		kind = "task"
	}
	if kind != "task" {
		return nil, fmt.Errorf("no decoder registered for payload kind %q", kind)
	}

	var wt wireTask
	if err := json.Unmarshal(data, &wt); err != nil {
		return nil, fmt.Errorf("unmarshal wire task: %w", err)
	}

	taskID, err := lineage.ParseEntryID(wt.TaskID)
	if err != nil {
		return nil, fmt.Errorf("parse task id %q: %w", wt.TaskID, err)
	}

	deps := make([]lineage.EntryID, len(wt.Dependencies))
	for i, s := range wt.Dependencies {
		id, err := lineage.ParseEntryID(s)
		if err != nil {
			return nil, fmt.Errorf("parse dependency id %q: %w", s, err)
		}
		deps[i] = id
	}

	return &lineage.TaskPayload{
		TaskID:       taskID,
		DriverID:     wt.DriverID,
		Dependencies: deps,
		Meta:         wt.Meta,
	}, nil
}
