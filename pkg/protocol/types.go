// Package protocol defines the newline-delimited JSON messages exchanged
// between the orchestrator and the pickle runner child process.
package protocol

import (
	"encoding/json"

	"github.com/ormasoftchile/cukerun/pkg/status"
)

// CommandType identifies a protocol message.
type CommandType string

const (
	CommandActionComplete        CommandType = "action_complete"
	CommandError                 CommandType = "error"
	CommandEvent                 CommandType = "event"
	CommandGenerateSnippet       CommandType = "generate_snippet"
	CommandInitializeTestCase    CommandType = "initialize_test_case"
	CommandRunAfterTestCaseHook  CommandType = "run_after_test_case_hook"
	CommandRunAfterTestRunHooks  CommandType = "run_after_test_run_hooks"
	CommandRunBeforeTestCaseHook CommandType = "run_before_test_case_hook"
	CommandRunBeforeTestRunHooks CommandType = "run_before_test_run_hooks"
	CommandRunTestStep           CommandType = "run_test_step"
	CommandStart                 CommandType = "start"
)

// Pattern types carried in step definition configs.
const (
	PatternCucumberExpression = "cucumber_expression"
	PatternRegularExpression  = "regular_expression"
)

// Start is the first message sent to the runner.
type Start struct {
	Type              CommandType       `json:"type" jsonschema:"required,const=start"`
	BaseDirectory     string            `json:"baseDirectory" jsonschema:"required"`
	FeaturesConfig    FeaturesConfig    `json:"featuresConfig" jsonschema:"required"`
	RuntimeConfig     RuntimeConfig     `json:"runtimeConfig" jsonschema:"required"`
	SupportCodeConfig SupportCodeConfig `json:"supportCodeConfig" jsonschema:"required"`
}

// FeaturesConfig selects and orders the pickles the runner iterates.
type FeaturesConfig struct {
	AbsolutePaths []string `json:"absolutePaths"`
	Language      string   `json:"language,omitempty"`
	Filters       Filters  `json:"filters"`
	Order         Order    `json:"order"`
}

// Filters restrict which pickles are accepted.
type Filters struct {
	Names         []string         `json:"names"`
	TagExpression string           `json:"tagExpression"`
	Lines         map[string][]int `json:"lines"`
}

// Order controls pickle ordering.
type Order struct {
	Type string `json:"type" jsonschema:"enum=defined,enum=random"`
	Seed *int64 `json:"seed,omitempty"`
}

// RuntimeConfig carries run-wide switches.
type RuntimeConfig struct {
	IsDryRun    bool `json:"isDryRun"`
	IsFailFast  bool `json:"isFailFast"`
	IsStrict    bool `json:"isStrict"`
	MaxParallel int  `json:"maxParallel"`
}

// SupportCodeConfig is the serialized support code library.
type SupportCodeConfig struct {
	StepDefinitions               []StepDefinitionConfig `json:"stepDefinitions"`
	BeforeTestCaseHookDefinitions []HookDefinitionConfig `json:"beforeTestCaseHookDefinitions"`
	AfterTestCaseHookDefinitions  []HookDefinitionConfig `json:"afterTestCaseHookDefinitions"`
	ParameterTypes                []ParameterTypeConfig  `json:"parameterTypes"`
}

// PatternConfig is a step definition pattern on the wire.
type PatternConfig struct {
	Source string `json:"source"`
	Type   string `json:"type" jsonschema:"enum=cucumber_expression,enum=regular_expression"`
}

// StepDefinitionConfig identifies a step definition.
type StepDefinitionConfig struct {
	ID      string        `json:"id"`
	Line    int           `json:"line"`
	Pattern PatternConfig `json:"pattern"`
	URI     string        `json:"uri"`
}

// HookDefinitionConfig identifies a test case hook.
type HookDefinitionConfig struct {
	ID            string `json:"id"`
	Line          int    `json:"line"`
	URI           string `json:"uri"`
	TagExpression string `json:"tagExpression,omitempty"`
}

// ParameterTypeConfig describes a registered parameter type.
type ParameterTypeConfig struct {
	Name                 string   `json:"name"`
	Regexps              []string `json:"regexps"`
	UseForSnippets       bool     `json:"useForSnippets"`
	PreferForRegexpMatch bool     `json:"preferForRegexpMatch"`
}

// Location points at a line in a source file.
type Location struct {
	URI  string `json:"uri"`
	Line int    `json:"line"`
}

// TestCase identifies the pickle a test case was built from.
type TestCase struct {
	SourceLocation Location `json:"sourceLocation"`
	Pickle         *Pickle  `json:"pickle,omitempty"`
}

// Pickle is a fully resolved scenario.
type Pickle struct {
	ID        string         `json:"id,omitempty"`
	Name      string         `json:"name"`
	URI       string         `json:"uri,omitempty"`
	Language  string         `json:"language,omitempty"`
	Locations []LineLocation `json:"locations"`
	Tags      []PickleTag    `json:"tags"`
	Steps     []PickleStep   `json:"steps"`
}

// TagNames returns the pickle's tag names.
func (p *Pickle) TagNames() []string {
	if p == nil {
		return nil
	}
	names := make([]string, 0, len(p.Tags))
	for _, t := range p.Tags {
		names = append(names, t.Name)
	}
	return names
}

// Line returns the line of the pickle's last location (the scenario or
// example row it came from).
func (p *Pickle) Line() int {
	if p == nil || len(p.Locations) == 0 {
		return 0
	}
	return p.Locations[len(p.Locations)-1].Line
}

// LineLocation is a line/column pair inside the pickle's file.
type LineLocation struct {
	Line   int `json:"line"`
	Column int `json:"column,omitempty"`
}

// PickleTag is a tag applied to a pickle.
type PickleTag struct {
	Name string `json:"name"`
}

// PickleStep is one step of a pickle.
type PickleStep struct {
	Text      string           `json:"text"`
	Locations []LineLocation   `json:"locations"`
	Arguments []PickleArgument `json:"arguments,omitempty"`
}

// Line returns the line of the step's last location.
func (s PickleStep) Line() int {
	if len(s.Locations) == 0 {
		return 0
	}
	return s.Locations[len(s.Locations)-1].Line
}

// PickleArgument is a data table or doc string attached to a step. Exactly
// one of the fields is set.
type PickleArgument struct {
	DataTable *PickleTable     `json:"dataTable,omitempty"`
	DocString *PickleDocString `json:"docString,omitempty"`
}

// PickleTable is a data table argument.
type PickleTable struct {
	Rows []PickleTableRow `json:"rows"`
}

// PickleTableRow is one row of a data table.
type PickleTableRow struct {
	Cells []PickleTableCell `json:"cells"`
}

// PickleTableCell is one cell of a data table.
type PickleTableCell struct {
	Value string `json:"value"`
}

// PickleDocString is a doc string argument.
type PickleDocString struct {
	Content     string `json:"content"`
	ContentType string `json:"contentType,omitempty"`
}

// PatternMatch is one capture group match of a step pattern.
type PatternMatch struct {
	Captures          []string `json:"captures"`
	ParameterTypeName string   `json:"parameterTypeName"`
}

// GeneratedExpression is a candidate expression for an undefined step.
type GeneratedExpression struct {
	Text               string   `json:"text"`
	ParameterTypeNames []string `json:"parameterTypeNames"`
}

// Command is an inbound message from the runner. Only the fields relevant
// to its Type are set.
type Command struct {
	Type                     CommandType           `json:"type" jsonschema:"required"`
	ID                       json.RawMessage       `json:"id,omitempty"`
	TestCaseID               string                `json:"testCaseId,omitempty"`
	TestCase                 *TestCase             `json:"testCase,omitempty"`
	TestCaseHookDefinitionID string                `json:"testCaseHookDefinitionId,omitempty"`
	TestCaseResult           *status.Result        `json:"testCaseResult,omitempty"`
	// TestStepIndex is the position of the hook or step in its test case.
	TestStepIndex            *int                  `json:"testStepIndex,omitempty"`
	StepDefinitionID         string                `json:"stepDefinitionId,omitempty"`
	PickleArguments          []PickleArgument      `json:"pickleArguments,omitempty"`
	PatternMatches           []PatternMatch        `json:"patternMatches,omitempty"`
	GeneratedExpressions     []GeneratedExpression `json:"generatedExpressions,omitempty"`
	Keyword                  string                `json:"keyword,omitempty"`
	Event                    json.RawMessage       `json:"event,omitempty"`
	Message                  string                `json:"message,omitempty"`
}

// ActionComplete answers a command.
type ActionComplete struct {
	Command          CommandType     `json:"command"`
	ResponseTo       json.RawMessage `json:"responseTo"`
	HookOrStepResult *status.Result  `json:"hookOrStepResult,omitempty"`
	Snippet          *string         `json:"snippet,omitempty"`
}

// NewActionComplete builds a reply to the command with the given id.
func NewActionComplete(responseTo json.RawMessage) ActionComplete {
	return ActionComplete{Command: CommandActionComplete, ResponseTo: responseTo}
}
