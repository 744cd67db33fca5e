package support

import (
	"fmt"
	"time"

	"github.com/ormasoftchile/cukerun/pkg/protocol"
)

// Library is the frozen output of a Builder. It is safe for concurrent
// reads.
type Library struct {
	cwd string

	beforeTestRunHooks  []*Definition
	afterTestRunHooks   []*Definition
	beforeTestCaseHooks []*Definition
	afterTestCaseHooks  []*Definition
	stepDefinitions     []*Definition
	parameterTypes      []*ParameterType

	transforms     map[string]TransformFunc
	byID           map[string]*Definition
	defaultTimeout time.Duration
	newWorld       WorldConstructor
}

func (l *Library) Cwd() string { return l.cwd }

func (l *Library) DefaultTimeout() time.Duration { return l.defaultTimeout }

// BeforeTestRunHooks are in declaration order.
func (l *Library) BeforeTestRunHooks() []*Definition { return clone(l.beforeTestRunHooks) }

// AfterTestRunHooks are in reverse declaration order.
func (l *Library) AfterTestRunHooks() []*Definition { return clone(l.afterTestRunHooks) }

// BeforeTestCaseHooks are in declaration order.
func (l *Library) BeforeTestCaseHooks() []*Definition { return clone(l.beforeTestCaseHooks) }

// AfterTestCaseHooks are in reverse declaration order.
func (l *Library) AfterTestCaseHooks() []*Definition { return clone(l.afterTestCaseHooks) }

func (l *Library) StepDefinitions() []*Definition { return clone(l.stepDefinitions) }

// ParameterTypes returns the user registered parameter types.
func (l *Library) ParameterTypes() []*ParameterType { return clone(l.parameterTypes) }

// NewWorld builds a World for one test case.
func (l *Library) NewWorld(opts WorldOptions) any {
	return l.newWorld(opts)
}

// Transform returns the transform registered under name. Unknown names fall
// back to the first capture.
func (l *Library) Transform(name string) TransformFunc {
	if t, ok := l.transforms[name]; ok && t != nil {
		return t
	}
	return IdentityTransform
}

// Lookup resolves a definition id of the given kind.
func (l *Library) Lookup(kind Kind, id string) (*Definition, error) {
	def, ok := l.byID[id]
	if !ok || def.Kind != kind {
		return nil, fmt.Errorf("no %s definition with id %q", kind, id)
	}
	return def, nil
}

// SupportCodeConfig serializes the library for the start message.
func (l *Library) SupportCodeConfig() protocol.SupportCodeConfig {
	cfg := protocol.SupportCodeConfig{
		StepDefinitions:               make([]protocol.StepDefinitionConfig, 0, len(l.stepDefinitions)),
		BeforeTestCaseHookDefinitions: make([]protocol.HookDefinitionConfig, 0, len(l.beforeTestCaseHooks)),
		AfterTestCaseHookDefinitions:  make([]protocol.HookDefinitionConfig, 0, len(l.afterTestCaseHooks)),
		ParameterTypes:                make([]protocol.ParameterTypeConfig, 0, len(l.parameterTypes)),
	}
	for _, d := range l.stepDefinitions {
		cfg.StepDefinitions = append(cfg.StepDefinitions, d.StepConfig())
	}
	for _, d := range l.beforeTestCaseHooks {
		cfg.BeforeTestCaseHookDefinitions = append(cfg.BeforeTestCaseHookDefinitions, d.HookConfig())
	}
	for _, d := range l.afterTestCaseHooks {
		cfg.AfterTestCaseHookDefinitions = append(cfg.AfterTestCaseHookDefinitions, d.HookConfig())
	}
	for _, pt := range l.parameterTypes {
		cfg.ParameterTypes = append(cfg.ParameterTypes, pt.Config())
	}
	return cfg
}
