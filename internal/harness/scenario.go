package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/fieldsync/internal/conflict"
	"github.com/roach88/fieldsync/internal/engine"
	"github.com/roach88/fieldsync/internal/model"
)

// Scenario describes one conformance run: remote and cache seed data, a
// sequence of steps that drive connectivity, writes and drains, and the
// assertions that must hold afterwards.
type Scenario struct {
	// Name uniquely identifies this scenario. It names the golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Schema is inline CUE source compiled into the payload validator.
	Schema string `yaml:"schema,omitempty"`

	// Schemas is a directory of .cue files, relative to the scenario file.
	Schemas string `yaml:"schemas,omitempty"`

	Config Settings `yaml:"config,omitempty"`

	// Seed entities exist on the remote at version 1 and in the local cache
	// as synced before the first step runs.
	Seed []SeedEntity `yaml:"seed,omitempty"`

	// DuplicateKeys configures duplicate detection on the remote per type.
	DuplicateKeys map[string][]string `yaml:"duplicate_keys,omitempty"`

	Steps      []Step      `yaml:"steps"`
	Assertions []Assertion `yaml:"assertions"`
}

// Settings tunes the engine for a scenario. Zero values keep the defaults,
// except MaxConcurrency which defaults to 1 so server-assigned IDs are
// handed out in a stable order.
type Settings struct {
	Policy         string `yaml:"policy,omitempty"`
	MaxAttempts    int    `yaml:"max_attempts,omitempty"`
	MaxRebases     int    `yaml:"max_rebases,omitempty"`
	MaxConcurrency int    `yaml:"max_concurrency,omitempty"`
	Pull           bool   `yaml:"pull,omitempty"`
}

// SeedEntity is one entity present before the scenario starts.
type SeedEntity struct {
	EntityType string         `yaml:"entity_type"`
	ID         string         `yaml:"id"`
	Data       map[string]any `yaml:"data"`
}

// Step is one action of the scenario flow.
//
// Values of the form "$name" in id, op and payload strings refer to the
// write registered with as: name. They resolve to the entity's current ID,
// so a reference to an offline create follows the server-assigned ID once
// the create has synced.
type Step struct {
	Action string `yaml:"action"`

	// submit, remote_update, remote_delete, remote_fail
	Kind        string         `yaml:"kind,omitempty"`
	EntityType  string         `yaml:"entity_type,omitempty"`
	ID          string         `yaml:"id,omitempty"`
	Payload     map[string]any `yaml:"payload,omitempty"`
	BaseVersion int64          `yaml:"base_version,omitempty"`
	As          string         `yaml:"as,omitempty"`

	// Expect is the outcome a submit must have: queued, applied or rejected.
	Expect string `yaml:"expect,omitempty"`

	// remote_fail
	Code  string `yaml:"code,omitempty"`
	Times int    `yaml:"times,omitempty"`

	// resolve, discard, retry
	Op   string `yaml:"op,omitempty"`
	Keep string `yaml:"keep,omitempty"`

	// advance
	Duration time.Duration `yaml:"duration,omitempty"`
}

// Step actions.
const (
	StepGoOffline    = "go_offline"
	StepGoOnline     = "go_online"
	StepSubmit       = "submit"
	StepRemoteUpdate = "remote_update"
	StepRemoteDelete = "remote_delete"
	StepRemoteFail   = "remote_fail"
	StepDrain        = "drain"
	StepRestart      = "restart"
	StepAdvance      = "advance"
	StepResolve      = "resolve"
	StepDiscard      = "discard"
	StepRetry        = "retry"
)

// Submit outcomes.
const (
	ExpectQueued   = "queued"
	ExpectApplied  = "applied"
	ExpectRejected = "rejected"
)

// Assertion validates final state.
type Assertion struct {
	// Type is one of queue_count, cache_status, cache_absent, remote_field,
	// remote_count or op_status.
	Type string `yaml:"type"`

	EntityType string `yaml:"entity_type,omitempty"`
	ID         string `yaml:"id,omitempty"`
	Op         string `yaml:"op,omitempty"`
	Field      string `yaml:"field,omitempty"`
	Value      any    `yaml:"value,omitempty"`
	Status     string `yaml:"status,omitempty"`
	Failure    string `yaml:"failure,omitempty"`
	Count      *int   `yaml:"count,omitempty"`
}

// Assertion type constants.
const (
	AssertQueueCount  = "queue_count"
	AssertCacheStatus = "cache_status"
	AssertCacheAbsent = "cache_absent"
	AssertRemoteField = "remote_field"
	AssertRemoteCount = "remote_count"
	AssertOpStatus    = "op_status"
)

// LoadScenario reads and parses a scenario YAML file. A relative schemas
// directory is resolved against the file's directory.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	s, err := ParseScenario(data)
	if err != nil {
		return nil, err
	}
	if s.Schemas != "" && !filepath.IsAbs(s.Schemas) {
		s.Schemas = filepath.Join(filepath.Dir(path), s.Schemas)
	}
	if s.Schemas != "" {
		if _, err := os.Stat(s.Schemas); err != nil {
			return nil, fmt.Errorf("invalid scenario: schemas directory: %w", err)
		}
	}
	return s, nil
}

// ParseScenario decodes a scenario document, rejecting unknown fields.
func ParseScenario(data []byte) (*Scenario, error) {
	var s Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true) // catches "assertion:" vs "assertions:"
	if err := decoder.Decode(&s); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := validateScenario(&s); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &s, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if s.Schema != "" && s.Schemas != "" {
		return fmt.Errorf("schema and schemas are mutually exclusive")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}
	if _, err := conflict.ParsePolicy(s.Config.Policy); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	for i, e := range s.Seed {
		if e.EntityType == "" || e.ID == "" {
			return fmt.Errorf("seed[%d]: entity_type and id are required", i)
		}
		if e.Data == nil {
			return fmt.Errorf("seed[%d]: data is required", i)
		}
	}

	aliases := make(map[string]bool)
	for i := range s.Steps {
		if err := validateStep(i, &s.Steps[i], aliases); err != nil {
			return err
		}
	}
	for i := range s.Assertions {
		if err := validateAssertion(i, &s.Assertions[i]); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(index int, st *Step, aliases map[string]bool) error {
	needEntity := func() error {
		if st.EntityType == "" || st.ID == "" {
			return fmt.Errorf("steps[%d]: entity_type and id are required for %s", index, st.Action)
		}
		return nil
	}

	switch st.Action {
	case StepGoOffline, StepGoOnline, StepDrain, StepRestart:
	case StepSubmit:
		kind, err := model.ParseKind(st.Kind)
		if err != nil {
			return fmt.Errorf("steps[%d]: %w", index, err)
		}
		if st.EntityType == "" {
			return fmt.Errorf("steps[%d]: entity_type is required for submit", index)
		}
		if kind != model.KindCreate && st.ID == "" {
			return fmt.Errorf("steps[%d]: id is required for %s", index, kind)
		}
		switch st.Expect {
		case "", ExpectQueued, ExpectApplied, ExpectRejected:
		default:
			return fmt.Errorf("steps[%d]: unknown expect %q", index, st.Expect)
		}
		if st.As != "" {
			if aliases[st.As] {
				return fmt.Errorf("steps[%d]: alias %q already defined", index, st.As)
			}
			aliases[st.As] = true
		}
	case StepRemoteUpdate:
		if err := needEntity(); err != nil {
			return err
		}
		if st.Payload == nil {
			return fmt.Errorf("steps[%d]: payload is required for remote_update", index)
		}
	case StepRemoteDelete:
		return needEntity()
	case StepRemoteFail:
		switch model.ErrorCode(st.Code) {
		case model.ErrCodeTransient, model.ErrCodeConflict, model.ErrCodeFatalRemote:
		default:
			return fmt.Errorf("steps[%d]: code must be TRANSIENT, CONFLICT or FATAL_REMOTE", index)
		}
	case StepAdvance:
		if st.Duration <= 0 {
			return fmt.Errorf("steps[%d]: duration must be positive for advance", index)
		}
	case StepResolve:
		if st.Op == "" {
			return fmt.Errorf("steps[%d]: op is required for resolve", index)
		}
		if _, err := engine.ParseChoice(st.Keep); err != nil {
			return fmt.Errorf("steps[%d]: %w", index, err)
		}
	case StepDiscard, StepRetry:
		if st.Op == "" {
			return fmt.Errorf("steps[%d]: op is required for %s", index, st.Action)
		}
	case "":
		return fmt.Errorf("steps[%d]: action is required", index)
	default:
		return fmt.Errorf("steps[%d]: unknown action %q", index, st.Action)
	}

	if strings.HasPrefix(st.Op, "$") && !aliases[st.Op[1:]] {
		return fmt.Errorf("steps[%d]: op refers to undefined alias %q", index, st.Op)
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	switch a.Type {
	case "":
		return fmt.Errorf("assertions[%d]: type is required", index)
	case AssertQueueCount:
		if a.Count == nil || *a.Count < 0 {
			return fmt.Errorf("assertions[%d]: non-negative count is required for queue_count", index)
		}
	case AssertCacheStatus:
		if a.EntityType == "" || a.ID == "" || a.Status == "" {
			return fmt.Errorf("assertions[%d]: entity_type, id and status are required for cache_status", index)
		}
	case AssertCacheAbsent:
		if a.EntityType == "" || a.ID == "" {
			return fmt.Errorf("assertions[%d]: entity_type and id are required for cache_absent", index)
		}
	case AssertRemoteField:
		if a.EntityType == "" || a.ID == "" || a.Field == "" {
			return fmt.Errorf("assertions[%d]: entity_type, id and field are required for remote_field", index)
		}
	case AssertRemoteCount:
		if a.EntityType == "" || a.Count == nil || *a.Count < 0 {
			return fmt.Errorf("assertions[%d]: entity_type and non-negative count are required for remote_count", index)
		}
	case AssertOpStatus:
		if a.Op == "" || a.Status == "" {
			return fmt.Errorf("assertions[%d]: op and status are required for op_status", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
