package checkpoints

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"os"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// StateDict is the serializable state of a model, optimizer or scheduler. Values must
// be JSON-compatible (numbers, strings, bools, nested maps and slices).
type StateDict = map[string]any

// Payload keys. Checkpoints written by the PyTorch training script use
// KeySchedulerAlt and KeyConfigAlt instead; both are accepted on load.
const (
	KeyModel        = "model"
	KeyOptimizer    = "optimizer"
	KeyScheduler    = "scheduler"
	KeySchedulerAlt = "lr_scheduler"
	KeyEpoch        = "epoch"
	KeyConfig       = "config"
	KeyConfigAlt    = "args"
)

// Checkpoint is either a Full training snapshot or WeightsOnly model state. The variant
// is decided once, at load time.
type Checkpoint interface {
	ModelState() StateDict
	isCheckpoint()
}

// Full carries everything needed to continue training after Epoch.
type Full struct {
	Model     StateDict
	Optimizer StateDict
	Scheduler StateDict
	Epoch     int
	Config    map[string]any
}

func (f *Full) ModelState() StateDict { return f.Model }
func (*Full) isCheckpoint()           {}

// WeightsOnly carries model weights and nothing else, e.g. a transfer-learning
// artifact or a foreign checkpoint missing optimizer state.
type WeightsOnly struct {
	Model StateDict
}

func (w *WeightsOnly) ModelState() StateDict { return w.Model }
func (*WeightsOnly) isCheckpoint()           {}

// Format defines the serialization format
type Format int

const (
	// FormatProto stores the payload as a binary google.protobuf.Struct.
	FormatProto Format = iota
	FormatJSON
)

func (f Format) String() string {
	switch f {
	case FormatProto:
		return "proto"
	case FormatJSON:
		return "json"
	default:
		return "unknown"
	}
}

// ParseFormat maps a configuration value to a Format.
func ParseFormat(s string) (Format, error) {
	switch s {
	case "proto", "":
		return FormatProto, nil
	case "json":
		return FormatJSON, nil
	default:
		return 0, fmt.Errorf("unsupported checkpoint format: %s", s)
	}
}

// Encode serializes a checkpoint. A WeightsOnly checkpoint only carries the model key.
func Encode(ck Checkpoint, format Format) ([]byte, error) {
	return EncodePayload(toPayload(ck), format)
}

// EncodePayload serializes an arbitrary JSON-compatible mapping.
func EncodePayload(payload map[string]any, format Format) ([]byte, error) {
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode checkpoint payload: %w", err)
	}
	switch format {
	case FormatJSON:
		return jsonData, nil
	case FormatProto:
		var s structpb.Struct
		if err := protojson.Unmarshal(jsonData, &s); err != nil {
			return nil, fmt.Errorf("failed to convert payload to protobuf: %w", err)
		}
		data, err := proto.Marshal(&s)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal protobuf payload: %w", err)
		}
		return data, nil
	default:
		return nil, fmt.Errorf("unsupported checkpoint format: %s", format)
	}
}

// DecodePayload parses either format. JSON payloads always start with '{', which is
// never a valid first byte of a binary Struct.
func DecodePayload(data []byte) (map[string]any, error) {
	trimmed := bytes.TrimLeft(data, " \t\r\n")
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var payload map[string]any
		if err := json.Unmarshal(trimmed, &payload); err != nil {
			return nil, fmt.Errorf("failed to decode JSON payload: %w", err)
		}
		return payload, nil
	}
	var s structpb.Struct
	if err := proto.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to decode protobuf payload: %w", err)
	}
	return s.AsMap(), nil
}

// Decode parses a checkpoint and resolves its variant. A payload without a model
// mapping, or with optimizer/scheduler/epoch entries of the wrong type, is rejected.
func Decode(data []byte) (Checkpoint, error) {
	payload, err := DecodePayload(data)
	if err != nil {
		return nil, err
	}
	return fromPayload(payload)
}

func toPayload(ck Checkpoint) map[string]any {
	switch c := ck.(type) {
	case *Full:
		return map[string]any{
			KeyModel:     nonNil(c.Model),
			KeyOptimizer: nonNil(c.Optimizer),
			KeyScheduler: nonNil(c.Scheduler),
			KeyEpoch:     c.Epoch,
			KeyConfig:    nonNil(c.Config),
		}
	default:
		return map[string]any{KeyModel: nonNil(ck.ModelState())}
	}
}

func nonNil(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func fromPayload(payload map[string]any) (Checkpoint, error) {
	model, ok := payload[KeyModel].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("payload has no %q mapping", KeyModel)
	}

	optRaw, hasOpt := payload[KeyOptimizer]
	schedRaw, hasSched := payload[KeyScheduler]
	if !hasSched {
		schedRaw, hasSched = payload[KeySchedulerAlt]
	}
	epochRaw, hasEpoch := payload[KeyEpoch]
	if !hasOpt || !hasSched || !hasEpoch {
		return &WeightsOnly{Model: model}, nil
	}

	opt, ok := optRaw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%q entry is %T, want a mapping", KeyOptimizer, optRaw)
	}
	sched, ok := schedRaw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%q entry is %T, want a mapping", KeyScheduler, schedRaw)
	}
	epoch, err := asEpoch(epochRaw)
	if err != nil {
		return nil, err
	}

	cfg, _ := payload[KeyConfig].(map[string]any)
	if cfg == nil {
		cfg, _ = payload[KeyConfigAlt].(map[string]any)
	}
	return &Full{Model: model, Optimizer: opt, Scheduler: sched, Epoch: epoch, Config: cfg}, nil
}

func asEpoch(v any) (int, error) {
	f, ok := v.(float64)
	if !ok {
		return 0, fmt.Errorf("%q entry is %T, want a number", KeyEpoch, v)
	}
	if f < 0 || f != math.Trunc(f) {
		return 0, fmt.Errorf("%q entry %v is not a non-negative integer", KeyEpoch, f)
	}
	return int(f), nil
}

// Saver reads and writes checkpoint files in one format.
type Saver struct {
	format Format
}

// NewSaver creates a saver for the specified format
func NewSaver(format Format) *Saver {
	return &Saver{format: format}
}

func (s *Saver) Format() Format { return s.format }

// SaveCheckpoint writes ck to path through a temporary file, so readers never observe
// a partially written checkpoint.
func (s *Saver) SaveCheckpoint(ck Checkpoint, path string) error {
	data, err := Encode(ck, s.format)
	if err != nil {
		return err
	}
	return writeFileAtomic(path, data)
}

// LoadCheckpoint reads a local checkpoint file of either format. Failures are
// *UnreadableError.
func (s *Saver) LoadCheckpoint(path string) (Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &UnreadableError{Ref: path, Reason: "cannot read file", Err: err}
	}
	ck, err := Decode(data)
	if err != nil {
		return nil, &UnreadableError{Ref: path, Reason: "structurally incompatible payload", Err: err}
	}
	return ck, nil
}
