package tool

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// The base Tool interface only commits every implementer to identity,
// description, kind, schema and execution. The orchestrator's three-phase
// pipeline (pre-hook, execute, post-hook) additionally needs five more
// per-tool facts — validation, a max execution duration, whether the tool
// may run in the same parallel batch as others, whether it requires a user
// interaction round-trip before running, and whether it only reads state.
// Rather than widening Tool itself (which would force every existing
// implementer in this repo to grow five new methods to keep compiling),
// these are optional interfaces a Tool may additionally satisfy; the
// Capabilities helper below supplies the documented default for any tool
// that doesn't.

// Validator lets a tool reject malformed arguments before execution,
// independent of JSON Schema validation against Schema().
type Validator interface {
	Validate(args map[string]interface{}) error
}

// DurationLimiter overrides the default per-tool execution timeout.
type DurationLimiter interface {
	MaxExecutionDuration() time.Duration
}

// ParallelSafe declares whether a tool may run concurrently with other
// tool calls from the same assistant turn.
type ParallelSafe interface {
	SupportsParallelExecution() bool
}

// InteractionRequirer declares whether a tool call must be gated on an
// input-channel permission round-trip before it executes.
type InteractionRequirer interface {
	RequiresUserInteraction() bool
}

// ReadOnlyMarker declares whether a tool only reads state — informs
// permission policy and safe-default auto-approval.
type ReadOnlyMarker interface {
	IsReadOnly() bool
}

// DefaultMaxExecutionDuration is applied to tools that don't implement
// DurationLimiter (spec §5: "per-tool execution timeout, default 5 min").
const DefaultMaxExecutionDuration = 5 * time.Minute

// Validate checks args against t's declared JSON Schema, then runs t's own
// Validator if it implements one. Schema validation catches malformed
// shapes (wrong type, missing required field) before a tool-specific
// Validator has to worry about them.
func Validate(t Tool, args map[string]interface{}) error {
	if err := validateSchema(t, args); err != nil {
		return err
	}
	if v, ok := t.(Validator); ok {
		return v.Validate(args)
	}
	return nil
}

var schemaCache sync.Map // tool name -> *jsonschema.Schema

// validateSchema compiles t.Schema() (cached per tool name) and validates
// args against it. A tool with an empty or absent schema is not checked.
func validateSchema(t Tool, args map[string]interface{}) error {
	raw := t.Schema()
	if len(raw) == 0 {
		return nil
	}

	schema, err := compiledSchema(t.Name(), raw)
	if err != nil {
		// A tool that ships a broken schema shouldn't block execution on it.
		return nil
	}

	payload, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("encode tool arguments: %w", err)
	}
	var decoded interface{}
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return fmt.Errorf("decode tool arguments: %w", err)
	}

	if err := schema.Validate(decoded); err != nil {
		return fmt.Errorf("tool %q arguments invalid: %w", t.Name(), err)
	}
	return nil
}

func compiledSchema(name string, raw map[string]interface{}) (*jsonschema.Schema, error) {
	if cached, ok := schemaCache.Load(name); ok {
		return cached.(*jsonschema.Schema), nil
	}

	encoded, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(encoded))
	if err != nil {
		return nil, err
	}

	url := "tool:" + name
	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, err
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, err
	}
	schemaCache.Store(name, compiled)
	return compiled, nil
}

// MaxExecutionDuration returns t's declared timeout, or the default.
func MaxExecutionDuration(t Tool) time.Duration {
	if d, ok := t.(DurationLimiter); ok {
		return d.MaxExecutionDuration()
	}
	return DefaultMaxExecutionDuration
}

// SupportsParallelExecution reports whether t may run in the same batch as
// sibling tool calls. Read, search, fetch and think kinds default to parallel-safe;
// everything else defaults to serial, unless the tool overrides it.
func SupportsParallelExecution(t Tool) bool {
	if p, ok := t.(ParallelSafe); ok {
		return p.SupportsParallelExecution()
	}
	switch t.Kind() {
	case KindRead, KindSearch, KindFetch, KindThink:
		return true
	default:
		return false
	}
}

// RequiresUserInteraction reports whether t must be gated on a permission
// round-trip. Defaults to MutatorKinds when the tool doesn't say otherwise.
func RequiresUserInteraction(t Tool) bool {
	if r, ok := t.(InteractionRequirer); ok {
		return r.RequiresUserInteraction()
	}
	return MutatorKinds[t.Kind()]
}

// IsReadOnly reports whether t only reads state. Defaults to SafeKinds.
func IsReadOnly(t Tool) bool {
	if r, ok := t.(ReadOnlyMarker); ok {
		return r.IsReadOnly()
	}
	return SafeKinds[t.Kind()]
}
