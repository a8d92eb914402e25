// Package protocol implements the OpenGradeIO virtual LUT box wire protocol:
// length-prefixed BSON envelopes carrying commands from a color-grading
// controller, and the single-response-per-request acknowledgment contract.
package protocol

import (
	"fmt"
	"log/slog"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/Fuse-Technical-Group/virtual-gpu-lut-box/errors"
	"github.com/Fuse-Technical-Group/virtual-gpu-lut-box/lut"
)

// Supported command names
const (
	CommandSetLUT = "setLUT"
	CommandSetCDL = "setCDL"
)

// Envelope is a parsed protocol message: the command, its argument map, and
// every other top-level field collected as metadata (sender identity,
// declared type, instance/channel name).
type Envelope struct {
	Command   string
	Arguments map[string]any
	Metadata  map[string]any
}

// Response is the acknowledgment sent for every request: {result: 1} on
// success, {result: 0, error: ...} on failure.
type Response struct {
	Result int    `bson:"result"`
	Error  string `bson:"error,omitempty"`
}

// SuccessResponse builds a success acknowledgment
func SuccessResponse() Response {
	return Response{Result: 1}
}

// FailureResponse builds a failure acknowledgment carrying the error message
func FailureResponse(err error) Response {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	return Response{Result: 0, Error: msg}
}

// Handler decodes protocol envelopes into typed commands
type Handler struct {
	logger      *slog.Logger
	maxCubeSize int
	supported   map[string]bool
}

// NewHandler creates a protocol handler. maxCubeSize <= 0 falls back to
// lut.DefaultMaxCubeSize.
func NewHandler(logger *slog.Logger, maxCubeSize int) *Handler {
	if logger == nil {
		logger = slog.Default().With("component", "protocol")
	}
	return &Handler{
		logger:      logger,
		maxCubeSize: maxCubeSize,
		supported: map[string]bool{
			CommandSetLUT: true,
			CommandSetCDL: true,
		},
	}
}

// ParseEnvelope validates a decoded wire document and splits it into command,
// arguments, and metadata. Unsupported commands return (nil, nil): the wire
// format legitimately carries messages this system does not act on, so they
// are logged and acknowledged rather than treated as errors. A structurally
// broken message (missing command) returns an error.
func (h *Handler) ParseEnvelope(doc bson.M) (*Envelope, error) {
	command, _ := doc["command"].(string)
	if command == "" {
		return nil, errors.WrapInvalid(
			fmt.Errorf("message missing command field: %w", errors.ErrMalformedPayload),
			"protocol", "ParseEnvelope", "command extraction")
	}

	if !h.supported[command] {
		h.logger.Warn("Ignoring unsupported command", "command", command)
		return nil, nil
	}

	arguments := map[string]any{}
	if raw, ok := doc["arguments"]; ok {
		if args, ok := asDocument(raw); ok {
			arguments = args
		}
	}

	metadata := make(map[string]any)
	for k, v := range doc {
		if k != "command" && k != "arguments" {
			metadata[k] = v
		}
	}

	return &Envelope{
		Command:   command,
		Arguments: arguments,
		Metadata:  metadata,
	}, nil
}

// HandleSetLUT decodes the lutData argument into a validated cube. The
// returned residual metadata holds every argument except the raw payload,
// suitable for logging without echoing multi-megabyte buffers.
func (h *Handler) HandleSetLUT(arguments map[string]any) (*lut.Cube, map[string]any, error) {
	raw, ok := arguments["lutData"]
	if !ok {
		return nil, nil, errors.WrapInvalid(errors.ErrMissingLUTData,
			"protocol", "HandleSetLUT", "lutData extraction")
	}

	data, ok := binaryBytes(raw)
	if !ok {
		return nil, nil, errors.WrapInvalid(
			fmt.Errorf("lutData has type %T, want binary: %w", raw, errors.ErrMalformedPayload),
			"protocol", "HandleSetLUT", "lutData extraction")
	}

	explicitSize := 0
	if declared, ok := arguments["lutSize"]; ok {
		size, ok := asInt(declared)
		if !ok {
			return nil, nil, errors.WrapInvalid(
				fmt.Errorf("lutSize has type %T, want integer: %w", declared, errors.ErrMalformedPayload),
				"protocol", "HandleSetLUT", "lutSize extraction")
		}
		if size <= 0 {
			return nil, nil, errors.WrapInvalid(
				fmt.Errorf("declared lutSize %d is not a valid cube size: %w", size, errors.ErrSizeMismatch),
				"protocol", "HandleSetLUT", "lutSize validation")
		}
		explicitSize = size
	}

	cube, err := lut.DecodeCube(data, lut.DecodeConfig{
		ExplicitSize: explicitSize,
		MaxSize:      h.maxCubeSize,
	})
	if err != nil {
		return nil, nil, err
	}

	residual := make(map[string]any, len(arguments)-1)
	for k, v := range arguments {
		if k != "lutData" {
			residual[k] = v
		}
	}

	return cube, residual, nil
}

// Channel extracts the logical output channel from an envelope: the explicit
// channel argument when present, else the controller instance name carried
// in top-level metadata. Empty means the default channel.
func (h *Handler) Channel(env *Envelope) string {
	if name, ok := env.Arguments["channel"].(string); ok && name != "" {
		return name
	}
	if name, ok := env.Metadata["instance"].(string); ok && name != "" {
		return name
	}
	return ""
}

// asDocument normalizes the shapes an embedded document can decode into
func asDocument(v any) (map[string]any, bool) {
	switch d := v.(type) {
	case bson.M:
		return map[string]any(d), true
	case map[string]any:
		return d, true
	case bson.D:
		m := make(map[string]any, len(d))
		for _, e := range d {
			m[e.Key] = e.Value
		}
		return m, true
	default:
		return nil, false
	}
}

// binaryBytes unwraps the BSON representations a binary payload can arrive as
func binaryBytes(v any) ([]byte, bool) {
	switch b := v.(type) {
	case primitive.Binary:
		return b.Data, true
	case []byte:
		return b, true
	default:
		return nil, false
	}
}

// asInt normalizes the integer types the BSON decoder may produce
func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case int:
		return n, true
	case float64:
		// Some senders encode integers as doubles
		if n == float64(int(n)) {
			return int(n), true
		}
		return 0, false
	default:
		return 0, false
	}
}
