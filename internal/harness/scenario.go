package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Scenario is one harness run: the types and server data it starts from,
// the steps it performs and the assertions checked at the end.
type Scenario struct {
	// Name uniquely identifies the scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what the scenario checks.
	Description string `yaml:"description"`

	// Schema is a directory of CUE type definitions. LoadScenario makes it
	// relative to the working directory.
	Schema string `yaml:"schema,omitempty"`

	// Types are inline type definitions, registered after Schema.
	Types []TypeSpec `yaml:"types,omitempty"`

	Options Options `yaml:"options,omitempty"`

	// Seed records are written to the source before the first step.
	Seed []SeedRecord `yaml:"seed,omitempty"`

	Steps []Step `yaml:"steps"`

	Assertions []Assertion `yaml:"assertions,omitempty"`
}

// Options tune the store and source of a run.
type Options struct {
	// AutoCommit defaults to true.
	AutoCommit *bool `yaml:"auto_commit,omitempty"`

	// RebaseConflicts defaults to true.
	RebaseConflicts *bool `yaml:"rebase_conflicts,omitempty"`

	// IDPrefix prefixes server-assigned ids. Default "id-".
	IDPrefix string `yaml:"id_prefix,omitempty"`

	// MaxQuerySnapshots bounds the source's windowed query history.
	MaxQuerySnapshots int `yaml:"max_query_snapshots,omitempty"`
}

// TypeSpec is an inline record type.
type TypeSpec struct {
	Name       string                   `yaml:"name"`
	PrimaryKey string                   `yaml:"primary_key,omitempty"`
	Attributes map[string]AttributeSpec `yaml:"attributes,omitempty"`
}

// AttributeSpec is one attribute of an inline type.
type AttributeSpec struct {
	Default any  `yaml:"default,omitempty"`
	NoSync  bool `yaml:"no_sync,omitempty"`
}

// SeedRecord is written straight to the source. ID defaults to the type's
// primary key attribute in Data.
type SeedRecord struct {
	Type string         `yaml:"type"`
	ID   string         `yaml:"id,omitempty"`
	Data map[string]any `yaml:"data"`
}

// RecordRef names a record either by the alias a create or get step gave
// it, or by type and server id.
type RecordRef struct {
	Ref  string `yaml:"ref,omitempty"`
	Type string `yaml:"type,omitempty"`
	ID   string `yaml:"id,omitempty"`
}

func (r RecordRef) String() string {
	if r.Ref != "" {
		return r.Ref
	}
	return r.Type + "/" + r.ID
}

func (r RecordRef) validate() error {
	if r.Ref == "" && (r.Type == "" || r.ID == "") {
		return fmt.Errorf("needs ref, or type and id")
	}
	return nil
}

// CreateStep creates a record. As names it for later steps.
type CreateStep struct {
	Type string         `yaml:"type"`
	As   string         `yaml:"as,omitempty"`
	Data map[string]any `yaml:"data,omitempty"`
}

// UpdateStep writes local edits to a record.
type UpdateStep struct {
	RecordRef `yaml:",inline"`
	Data      map[string]any `yaml:"data"`
}

// GetStep looks a record up, fetching it when the store does not hold it.
type GetStep struct {
	Type string `yaml:"type"`
	ID   string `yaml:"id"`
	As   string `yaml:"as,omitempty"`
}

// FetchAllStep asks the store to load every record of a type.
type FetchAllStep struct {
	Type  string `yaml:"type"`
	Force bool   `yaml:"force,omitempty"`
}

// RemotePutStep writes a record on the server behind the store's back.
type RemotePutStep struct {
	Type string         `yaml:"type"`
	ID   string         `yaml:"id"`
	Data map[string]any `yaml:"data"`
}

// RemoteDeleteStep deletes a record on the server behind the store's back.
type RemoteDeleteStep struct {
	Type string `yaml:"type"`
	ID   string `yaml:"id"`
}

// QueryStep creates a named live or windowed query.
type QueryStep struct {
	Name  string         `yaml:"name"`
	Type  string         `yaml:"type"`
	Where map[string]any `yaml:"where,omitempty"`
	Sort  []string       `yaml:"sort,omitempty"`

	// Windowed queries only.
	WindowSize   int   `yaml:"window_size,omitempty"`
	Prefetch     *int  `yaml:"prefetch,omitempty"`
	DeltaUpdates *bool `yaml:"delta_updates,omitempty"`
}

// RangeStep asks a windowed query for the ids in [Start, End).
type RangeStep struct {
	Query string `yaml:"query"`
	Start int    `yaml:"start"`
	End   int    `yaml:"end"`
}

// Step is one scenario action. Exactly one field is set.
type Step struct {
	Create        *CreateStep       `yaml:"create,omitempty"`
	Update        *UpdateStep       `yaml:"update,omitempty"`
	Destroy       *RecordRef        `yaml:"destroy,omitempty"`
	Get           *GetStep          `yaml:"get,omitempty"`
	RefreshRecord *RecordRef        `yaml:"refresh_record,omitempty"`
	Commit        bool              `yaml:"commit,omitempty"`
	Discard       bool              `yaml:"discard,omitempty"`
	Flush         bool              `yaml:"flush,omitempty"`
	FetchAll      *FetchAllStep     `yaml:"fetch_all,omitempty"`
	RemotePut     *RemotePutStep    `yaml:"remote_put,omitempty"`
	RemoteDelete  *RemoteDeleteStep `yaml:"remote_delete,omitempty"`
	Source        string            `yaml:"source,omitempty"`
	NestedBegin   bool              `yaml:"nested_begin,omitempty"`
	NestedCommit  bool              `yaml:"nested_commit,omitempty"`
	NestedDiscard bool              `yaml:"nested_discard,omitempty"`
	LiveQuery     *QueryStep        `yaml:"live_query,omitempty"`
	WindowedQuery *QueryStep        `yaml:"windowed_query,omitempty"`
	LoadRange     *RangeStep        `yaml:"load_range,omitempty"`
	Refresh       string            `yaml:"refresh,omitempty"`
	Expect        *Assertion        `yaml:"expect,omitempty"`
}

// kinds returns the names of every field set on the step.
func (s *Step) kinds() []string {
	var out []string
	add := func(set bool, name string) {
		if set {
			out = append(out, name)
		}
	}
	add(s.Create != nil, "create")
	add(s.Update != nil, "update")
	add(s.Destroy != nil, "destroy")
	add(s.Get != nil, "get")
	add(s.RefreshRecord != nil, "refresh_record")
	add(s.Commit, "commit")
	add(s.Discard, "discard")
	add(s.Flush, "flush")
	add(s.FetchAll != nil, "fetch_all")
	add(s.RemotePut != nil, "remote_put")
	add(s.RemoteDelete != nil, "remote_delete")
	add(s.Source != "", "source")
	add(s.NestedBegin, "nested_begin")
	add(s.NestedCommit, "nested_commit")
	add(s.NestedDiscard, "nested_discard")
	add(s.LiveQuery != nil, "live_query")
	add(s.WindowedQuery != nil, "windowed_query")
	add(s.LoadRange != nil, "load_range")
	add(s.Refresh != "", "refresh")
	add(s.Expect != nil, "expect")
	return out
}

// Kind returns the step's name, or "" unless exactly one field is set.
func (s *Step) Kind() string {
	k := s.kinds()
	if len(k) != 1 {
		return ""
	}
	return k[0]
}

// Assertion is checked at the end of a run, or mid-run by an expect step.
type Assertion struct {
	Type string `yaml:"type"`

	// trace_contains, trace_order, trace_count
	Action  string         `yaml:"action,omitempty"`
	Actions []string       `yaml:"actions,omitempty"`
	Args    map[string]any `yaml:"args,omitempty"`
	Count   int            `yaml:"count,omitempty"`

	// record, server_record, client_state
	Ref        string         `yaml:"ref,omitempty"`
	RecordType string         `yaml:"record_type,omitempty"`
	ID         string         `yaml:"id,omitempty"`
	Status     string         `yaml:"status,omitempty"`
	Data       map[string]any `yaml:"data,omitempty"`
	Absent     bool           `yaml:"absent,omitempty"`
	State      string         `yaml:"state,omitempty"`

	// query
	Query string   `yaml:"query,omitempty"`
	IDs   []string `yaml:"ids,omitempty"`

	// diagnostics
	Codes []string `yaml:"codes,omitempty"`
}

// Assertion types.
const (
	AssertTraceContains = "trace_contains"
	AssertTraceOrder    = "trace_order"
	AssertTraceCount    = "trace_count"
	AssertRecord        = "record"
	AssertServerRecord  = "server_record"
	AssertQuery         = "query"
	AssertDiagnostics   = "diagnostics"
	AssertClientState   = "client_state"
)

// LoadScenario reads and validates a scenario file. Unknown fields are an
// error, and Schema is resolved relative to the file's directory.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario file: %w", err)
	}
	s, err := ParseScenario(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if s.Schema != "" && !filepath.IsAbs(s.Schema) {
		s.Schema = filepath.Join(filepath.Dir(path), s.Schema)
	}
	return s, nil
}

// ParseScenario decodes and validates a scenario from YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var s Scenario
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("parse YAML: %w", err)
	}
	if err := validateScenario(&s); err != nil {
		return nil, err
	}
	return &s, nil
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("scenario name is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("scenario must have at least one step")
	}
	for i, t := range s.Types {
		if t.Name == "" {
			return fmt.Errorf("types[%d]: name is required", i)
		}
	}
	for i, rec := range s.Seed {
		if rec.Type == "" {
			return fmt.Errorf("seed[%d]: type is required", i)
		}
	}
	for i := range s.Steps {
		if err := validateStep(&s.Steps[i]); err != nil {
			return fmt.Errorf("steps[%d]: %w", i, err)
		}
	}
	for i := range s.Assertions {
		if err := validateAssertion(&s.Assertions[i]); err != nil {
			return fmt.Errorf("assertions[%d]: %w", i, err)
		}
	}
	return nil
}

func validateStep(step *Step) error {
	kinds := step.kinds()
	switch len(kinds) {
	case 0:
		return fmt.Errorf("empty step")
	case 1:
	default:
		return fmt.Errorf("step sets several actions: %s", strings.Join(kinds, ", "))
	}

	switch {
	case step.Create != nil:
		if step.Create.Type == "" {
			return fmt.Errorf("create: type is required")
		}
	case step.Update != nil:
		if err := step.Update.validate(); err != nil {
			return fmt.Errorf("update: %w", err)
		}
	case step.Destroy != nil:
		if err := step.Destroy.validate(); err != nil {
			return fmt.Errorf("destroy: %w", err)
		}
	case step.RefreshRecord != nil:
		if err := step.RefreshRecord.validate(); err != nil {
			return fmt.Errorf("refresh_record: %w", err)
		}
	case step.Get != nil:
		if step.Get.Type == "" || step.Get.ID == "" {
			return fmt.Errorf("get: type and id are required")
		}
	case step.FetchAll != nil:
		if step.FetchAll.Type == "" {
			return fmt.Errorf("fetch_all: type is required")
		}
	case step.RemotePut != nil:
		if step.RemotePut.Type == "" || step.RemotePut.ID == "" {
			return fmt.Errorf("remote_put: type and id are required")
		}
	case step.RemoteDelete != nil:
		if step.RemoteDelete.Type == "" || step.RemoteDelete.ID == "" {
			return fmt.Errorf("remote_delete: type and id are required")
		}
	case step.Source != "":
		if step.Source != "online" && step.Source != "offline" {
			return fmt.Errorf("source: want online or offline, got %q", step.Source)
		}
	case step.LiveQuery != nil:
		if step.LiveQuery.Name == "" || step.LiveQuery.Type == "" {
			return fmt.Errorf("live_query: name and type are required")
		}
	case step.WindowedQuery != nil:
		if step.WindowedQuery.Name == "" || step.WindowedQuery.Type == "" {
			return fmt.Errorf("windowed_query: name and type are required")
		}
	case step.LoadRange != nil:
		if step.LoadRange.Query == "" {
			return fmt.Errorf("load_range: query is required")
		}
		if step.LoadRange.Start < 0 || step.LoadRange.End < step.LoadRange.Start {
			return fmt.Errorf("load_range: invalid range [%d, %d)", step.LoadRange.Start, step.LoadRange.End)
		}
	case step.Expect != nil:
		if err := validateAssertion(step.Expect); err != nil {
			return fmt.Errorf("expect: %w", err)
		}
	}
	return nil
}

func validateAssertion(a *Assertion) error {
	switch a.Type {
	case AssertTraceContains, AssertTraceCount:
		if a.Action == "" {
			return fmt.Errorf("%s: action is required", a.Type)
		}
	case AssertTraceOrder:
		if len(a.Actions) < 2 {
			return fmt.Errorf("trace_order: at least two actions are required")
		}
	case AssertRecord:
		if a.Ref == "" && (a.RecordType == "" || a.ID == "") {
			return fmt.Errorf("record: needs ref, or record_type and id")
		}
	case AssertServerRecord:
		if a.RecordType == "" || a.ID == "" {
			return fmt.Errorf("server_record: record_type and id are required")
		}
	case AssertQuery:
		if a.Query == "" {
			return fmt.Errorf("query: query is required")
		}
	case AssertDiagnostics:
	case AssertClientState:
		if a.RecordType == "" {
			return fmt.Errorf("client_state: record_type is required")
		}
	case "":
		return fmt.Errorf("assertion type is required")
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
	return nil
}
