package picklerunner

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/ormasoftchile/cukerun/pkg/events"
	"github.com/ormasoftchile/cukerun/pkg/protocol"
	"github.com/ormasoftchile/cukerun/pkg/status"
)

type stepKind int

const (
	beforeHookStep stepKind = iota
	pickleStep
	afterHookStep
)

// plannedStep is one entry of a test case: a hook or a pickle step with its
// matching step definitions.
type plannedStep struct {
	kind    stepKind
	hook    protocol.HookDefinitionConfig
	step    protocol.PickleStep
	matches []stepMatch
}

type stepMatch struct {
	def  protocol.StepDefinitionConfig
	args []protocol.PatternMatch
}

func (p plannedStep) prepared(uri string) events.PreparedStep {
	switch p.kind {
	case pickleStep:
		ps := events.PreparedStep{SourceLocation: &protocol.Location{URI: uri, Line: p.step.Line()}}
		if len(p.matches) == 1 {
			ps.ActionLocation = &protocol.Location{URI: p.matches[0].def.URI, Line: p.matches[0].def.Line}
		}
		return ps
	default:
		return events.PreparedStep{ActionLocation: &protocol.Location{URI: p.hook.URI, Line: p.hook.Line}}
	}
}

func (r *Runner) plan(s source) ([]plannedStep, error) {
	tags := s.pickle.TagNames()
	var steps []plannedStep
	for _, h := range r.before {
		ok, err := h.tags.Match(tags)
		if err != nil {
			return nil, err
		}
		if ok {
			steps = append(steps, plannedStep{kind: beforeHookStep, hook: h.def})
		}
	}
	for _, ps := range s.pickle.Steps {
		p := plannedStep{kind: pickleStep, step: ps}
		for _, m := range r.matchers {
			if args, ok := m.match(ps.Text); ok {
				p.matches = append(p.matches, stepMatch{def: m.def, args: args})
			}
		}
		steps = append(steps, p)
	}
	for _, h := range r.after {
		ok, err := h.tags.Match(tags)
		if err != nil {
			return nil, err
		}
		if ok {
			steps = append(steps, plannedStep{kind: afterHookStep, hook: h.def})
		}
	}
	return steps, nil
}

func (r *Runner) runTestCase(ctx context.Context, s source) error {
	steps, err := r.plan(s)
	if err != nil {
		return err
	}
	loc := s.location()
	ref := events.TestCaseRef{SourceLocation: loc}

	prepared := make([]events.PreparedStep, len(steps))
	for i, p := range steps {
		prepared[i] = p.prepared(s.uri)
	}
	if err := r.emit(events.TestCasePrepared, events.TestCasePreparedPayload{SourceLocation: loc, Steps: prepared}); err != nil {
		return err
	}

	id := uuid.NewString()
	_, err = r.call(ctx, protocol.Command{
		Type:       protocol.CommandInitializeTestCase,
		TestCaseID: id,
		TestCase:   &protocol.TestCase{SourceLocation: loc, Pickle: s.pickle},
	})
	if err != nil {
		return err
	}
	if err := r.emit(events.TestCaseStarted, events.TestCaseStartedPayload{SourceLocation: loc, TestCaseID: id}); err != nil {
		return err
	}

	var results []status.Result
	for i, p := range steps {
		if err := r.emit(events.TestStepStarted, events.TestStepStartedPayload{TestCase: ref, Index: i}); err != nil {
			return err
		}
		res, err := r.runStep(ctx, id, i, p, results)
		if err != nil {
			return err
		}
		results = append(results, res)
		if err := r.emit(events.TestStepFinished, events.TestStepFinishedPayload{TestCase: ref, Index: i, Result: res}); err != nil {
			return err
		}
	}

	result := status.Worst(results)
	r.recordTestCase(result)
	r.log.Debug("test case finished", "uri", loc.URI, "line", loc.Line, "status", result.Status)
	return r.emit(events.TestCaseFinished, events.TestCaseFinishedPayload{SourceLocation: loc, TestCaseID: id, Result: result})
}

// skipping reports whether the remaining hooks and steps are skipped. In a
// dry run every step is skipped, so only other outcomes stop the test case.
func (r *Runner) skipping(results []status.Result) bool {
	if len(results) == 0 {
		return false
	}
	worst := status.Worst(results).Status
	if r.start.RuntimeConfig.IsDryRun && worst == status.Skipped {
		return false
	}
	return worst != status.Passed
}

func (r *Runner) runStep(ctx context.Context, testCaseID string, index int, p plannedStep, results []status.Result) (status.Result, error) {
	switch p.kind {
	case beforeHookStep:
		if r.skipping(results) {
			return status.Result{Status: status.Skipped}, nil
		}
		return r.runHook(ctx, protocol.CommandRunBeforeTestCaseHook, testCaseID, index, p.hook, nil)
	case afterHookStep:
		worst := status.Worst(results)
		return r.runHook(ctx, protocol.CommandRunAfterTestCaseHook, testCaseID, index, p.hook, &worst)
	}

	switch len(p.matches) {
	case 0:
		snippet, err := r.snippet(ctx, p.step)
		if err != nil {
			return status.Result{}, err
		}
		return status.Result{Status: status.Undefined, Message: snippet}, nil
	case 1:
	default:
		return status.Result{Status: status.Ambiguous, Message: ambiguousMessage(p)}, nil
	}
	if r.skipping(results) {
		return status.Result{Status: status.Skipped}, nil
	}

	reply, err := r.call(ctx, protocol.Command{
		Type:             protocol.CommandRunTestStep,
		TestCaseID:       testCaseID,
		TestStepIndex:    &index,
		StepDefinitionID: p.matches[0].def.ID,
		PatternMatches:   p.matches[0].args,
		PickleArguments:  p.step.Arguments,
	})
	if err != nil {
		return status.Result{}, err
	}
	return resultOf(reply, protocol.CommandRunTestStep)
}

func (r *Runner) runHook(ctx context.Context, typ protocol.CommandType, testCaseID string, index int, def protocol.HookDefinitionConfig, worst *status.Result) (status.Result, error) {
	reply, err := r.call(ctx, protocol.Command{
		Type:                     typ,
		TestCaseID:               testCaseID,
		TestStepIndex:            &index,
		TestCaseHookDefinitionID: def.ID,
		TestCaseResult:           worst,
	})
	if err != nil {
		return status.Result{}, err
	}
	return resultOf(reply, typ)
}

func resultOf(reply protocol.ActionComplete, typ protocol.CommandType) (status.Result, error) {
	if reply.HookOrStepResult == nil {
		return status.Result{}, fmt.Errorf("%s reply carries no result", typ)
	}
	return *reply.HookOrStepResult, nil
}

func (r *Runner) snippet(ctx context.Context, step protocol.PickleStep) (string, error) {
	reply, err := r.call(ctx, protocol.Command{
		Type:                 protocol.CommandGenerateSnippet,
		GeneratedExpressions: generateExpressions(step.Text, r.params),
		PickleArguments:      step.Arguments,
	})
	if err != nil {
		return "", err
	}
	if reply.Snippet == nil {
		return "", fmt.Errorf("%s reply carries no snippet", protocol.CommandGenerateSnippet)
	}
	return *reply.Snippet, nil
}

func ambiguousMessage(p plannedStep) string {
	var b strings.Builder
	b.WriteString("Multiple step definitions match:")
	for _, m := range p.matches {
		fmt.Fprintf(&b, "\n  %s - %s:%d", m.def.Pattern.Source, m.def.URI, m.def.Line)
	}
	return b.String()
}
