package decoder

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"reflect"
	"time"

	"github.com/google/cel-go/cel"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/c360/devicestreams/errors"
	"github.com/c360/devicestreams/event"
)

// ScriptConfig configures a script-driven decoder.
type ScriptConfig struct {
	// Source is the CEL expression body. It is evaluated with two
	// variables, `payload` (bytes) and `metadata` (map<string,string>),
	// and must produce a list of maps shaped like:
	//
	//	[{"device_token": "...", "originator": "...",
	//	  "type": "location", "request": {"latitude": 1.0, ...}}]
	Source string `json:"source"`

	// EvalTimeout bounds a single evaluation. Zero disables the deadline;
	// no default is applied.
	EvalTimeout time.Duration `json:"eval_timeout,omitempty"`
}

// Validate checks the script configuration.
func (c *ScriptConfig) Validate() error {
	if c.Source == "" {
		return errors.WrapInvalid(
			fmt.Errorf("%w: empty script source", errors.ErrInvalidConfig),
			"ScriptConfig", "Validate", "source check")
	}
	if c.EvalTimeout < 0 {
		return errors.WrapInvalid(
			fmt.Errorf("%w: negative eval timeout", errors.ErrInvalidConfig),
			"ScriptConfig", "Validate", "timeout check")
	}
	return nil
}

// Script is a script-driven decoder backed by a CEL program. The program is
// compiled once at construction; every Decode evaluates it against a fresh
// activation, so no state leaks between invocations.
type Script struct {
	cfg     ScriptConfig
	program cel.Program
	logger  *slog.Logger
}

var _ Decoder = (*Script)(nil)

// scriptEntry is the shape each element of the script's result list must
// convert to.
type scriptEntry struct {
	DeviceToken string         `json:"device_token"`
	Originator  string         `json:"originator"`
	Type        string         `json:"type"`
	Request     map[string]any `json:"request"`
}

// NewScript compiles the configured expression and returns the decoder.
// Compilation errors surface here, at tenant-engine start, not per payload.
func NewScript(cfg ScriptConfig, logger *slog.Logger) (*Script, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default().With("component", "script-decoder")
	}

	env, err := cel.NewEnv(
		cel.Variable("payload", cel.BytesType),
		cel.Variable("metadata", cel.MapType(cel.StringType, cel.StringType)),
	)
	if err != nil {
		return nil, errors.WrapFatal(err, "script-decoder", "NewScript", "environment creation")
	}

	ast, issues := env.Compile(cfg.Source)
	if issues != nil && issues.Err() != nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: %w", errors.ErrInvalidConfig, issues.Err()),
			"script-decoder", "NewScript", "script compilation")
	}

	// Interrupt checks make the eval deadline effective for hung scripts.
	program, err := env.Program(ast, cel.InterruptCheckFrequency(100))
	if err != nil {
		return nil, errors.WrapFatal(err, "script-decoder", "NewScript", "program creation")
	}

	return &Script{
		cfg:     cfg,
		program: program,
		logger:  logger,
	}, nil
}

// Decode implements Decoder.
func (s *Script) Decode(ctx context.Context, payload []byte, metadata map[string]string) ([]event.DecodedRequest, error) {
	if metadata == nil {
		metadata = map[string]string{}
	}

	// Fresh activation per invocation: the script sees only this payload.
	activation := map[string]any{
		"payload":  payload,
		"metadata": metadata,
	}

	evalCtx := ctx
	if s.cfg.EvalTimeout > 0 {
		var cancel context.CancelFunc
		evalCtx, cancel = context.WithTimeout(ctx, s.cfg.EvalTimeout)
		defer cancel()
	}

	result, _, err := s.program.ContextEval(evalCtx, activation)
	if err != nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: script evaluation: %w", errors.ErrDecodeFailed, err),
			"script-decoder", "Decode", "script evaluation")
	}

	// CEL's native conversion to plain Go collections stops at the outer
	// container; structpb.Value conversion recurses through nested lists
	// and maps. Round-tripping the whole result through JSON maps it onto
	// the typed entries.
	native, err := result.ConvertToNative(reflect.TypeOf(&structpb.Value{}))
	if err != nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: script must return a JSON-shaped list: %w", errors.ErrDecodeFailed, err),
			"script-decoder", "Decode", "result conversion")
	}
	data, err := protojson.Marshal(native.(*structpb.Value))
	if err != nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: result marshal: %w", errors.ErrDecodeFailed, err),
			"script-decoder", "Decode", "result conversion")
	}

	var entries []scriptEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: script must return a list of entries: %w", errors.ErrDecodeFailed, err),
			"script-decoder", "Decode", "result conversion")
	}

	requests := make([]event.DecodedRequest, 0, len(entries))
	for i, entry := range entries {
		decoded, err := s.convertEntry(entry)
		if err != nil {
			return nil, errors.WrapInvalid(
				fmt.Errorf("%w: entry %d: %w", errors.ErrDecodeFailed, i, err),
				"script-decoder", "Decode", "entry conversion")
		}
		requests = append(requests, decoded)
	}
	return requests, nil
}

func (s *Script) convertEntry(entry scriptEntry) (event.DecodedRequest, error) {
	var zero event.DecodedRequest
	if entry.DeviceToken == "" {
		return zero, fmt.Errorf("missing device_token")
	}

	body, err := json.Marshal(entry.Request)
	if err != nil {
		return zero, fmt.Errorf("request marshal: %w", err)
	}
	req, err := event.ParseRequest(event.EventType(entry.Type), body)
	if err != nil {
		return zero, err
	}
	return event.NewDecodedRequest(entry.DeviceToken, entry.Originator, req)
}
