package config

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/invopop/jsonschema"
	sjsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/ormasoftchile/cukerun/pkg/tagexpr"
)

// ValidationError is a single configuration problem with its location.
type ValidationError struct {
	Phase    string `json:"phase"` // structural, semantic, domain
	Path     string `json:"path"`
	Message  string `json:"message"`
	Severity string `json:"severity"` // error, warning
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("[%s] %s: %s", e.Phase, e.Path, e.Message)
}

// Errors joins validation errors into one error, or nil.
type Errors []*ValidationError

func (es Errors) Error() string {
	msgs := make([]string, 0, len(es))
	for _, e := range es {
		msgs = append(msgs, e.Error())
	}
	return strings.Join(msgs, "\n")
}

// Err returns es as an error, or nil when it holds only warnings.
func (es Errors) Err() error {
	for _, e := range es {
		if e.Severity == "error" {
			return es
		}
	}
	return nil
}

// ValidateFile loads path and validates it:
// structural (strict YAML decode), semantic (JSON Schema) and domain rules.
func ValidateFile(path string) (*Config, Errors) {
	cfg, err := LoadFile(path)
	if err != nil {
		return nil, Errors{{Phase: "structural", Message: err.Error(), Severity: "error"}}
	}
	return cfg, Validate(cfg)
}

// Validate runs the semantic and domain phases on a loaded configuration.
func Validate(cfg *Config) Errors {
	errs := validateSemantic(cfg)
	errs = append(errs, ValidateDomain(cfg)...)
	if len(errs) == 0 {
		return nil
	}
	return errs
}

// GenerateJSONSchema reflects the configuration schema.
func GenerateJSONSchema() ([]byte, error) {
	r := new(jsonschema.Reflector)

	s := r.Reflect(&Config{})
	s.ID = "https://github.com/ormasoftchile/cukerun/schemas/config.json"
	s.Title = "cukerun configuration"
	s.Description = "Schema for cukerun.yaml"

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	return data, nil
}

func semanticError(format string, args ...any) Errors {
	return Errors{{Phase: "semantic", Message: fmt.Sprintf(format, args...), Severity: "error"}}
}

func validateSemantic(cfg *Config) Errors {
	data, err := json.Marshal(cfg)
	if err != nil {
		return semanticError("marshal for schema validation: %v", err)
	}
	schemaJSON, err := GenerateJSONSchema()
	if err != nil {
		return semanticError("generate schema: %v", err)
	}

	var schemaDoc any
	if err := json.Unmarshal(schemaJSON, &schemaDoc); err != nil {
		return semanticError("unmarshal schema: %v", err)
	}
	c := sjsonschema.NewCompiler()
	if err := c.AddResource("config.json", schemaDoc); err != nil {
		return semanticError("add schema resource: %v", err)
	}
	sch, err := c.Compile("config.json")
	if err != nil {
		return semanticError("compile schema: %v", err)
	}

	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return semanticError("unmarshal document: %v", err)
	}
	if err := sch.Validate(doc); err != nil {
		ve, ok := err.(*sjsonschema.ValidationError)
		if !ok {
			return semanticError("%v", err)
		}
		var errs Errors
		for _, cause := range flatten(ve) {
			errs = append(errs, &ValidationError{
				Phase:    "semantic",
				Path:     strings.Join(cause.InstanceLocation, "/"),
				Message:  fmt.Sprintf("%v", cause.ErrorKind),
				Severity: "error",
			})
		}
		return errs
	}
	return nil
}

func flatten(ve *sjsonschema.ValidationError) []*sjsonschema.ValidationError {
	if len(ve.Causes) == 0 {
		return []*sjsonschema.ValidationError{ve}
	}
	var flat []*sjsonschema.ValidationError
	for _, cause := range ve.Causes {
		flat = append(flat, flatten(cause)...)
	}
	return flat
}

// ValidateDomain checks the rules a schema cannot express.
func ValidateDomain(cfg *Config) Errors {
	var errs Errors
	add := func(path, severity, format string, args ...any) {
		errs = append(errs, &ValidationError{
			Phase:    "domain",
			Path:     path,
			Message:  fmt.Sprintf(format, args...),
			Severity: severity,
		})
	}

	if strings.TrimSpace(cfg.Runner.Command) == "" {
		add("runner.command", "error", "a pickle runner command is required")
	}
	if len(cfg.Paths) == 0 {
		add("paths", "warning", "no pickle files configured")
	}
	for i, p := range cfg.Paths {
		if _, _, err := SplitPathLines(p); err != nil {
			add(fmt.Sprintf("paths[%d]", i), "error", "%v", err)
		}
	}
	if _, err := tagexpr.Compile(cfg.Tags); err != nil {
		add("tags", "error", "%v", err)
	}
	for i, n := range cfg.Names {
		if _, err := regexp.Compile(n); err != nil {
			add(fmt.Sprintf("names[%d]", i), "error", "invalid regular expression: %v", err)
		}
	}
	if _, err := ParseOrder(cfg.Order); err != nil {
		add("order", "error", "%v", err)
	}
	if d, err := cfg.Timeout(); err != nil {
		add("default_timeout", "error", "%v", err)
	} else if d < 0 {
		add("default_timeout", "error", "must not be negative")
	}
	if cfg.Parallel < 0 {
		add("parallel", "error", "must not be negative")
	}
	seen := map[string]bool{}
	for i, s := range cfg.Formats {
		f, err := ParseFormat(s)
		if err != nil {
			add(fmt.Sprintf("formats[%d]", i), "error", "%v", err)
			continue
		}
		if f.Path == "" {
			if seen[""] {
				add(fmt.Sprintf("formats[%d]", i), "error", "only one format may write to stdout")
			}
			seen[""] = true
		}
	}
	return errs
}
