// Command cukerun is an example test binary: it registers a small support
// code library and hands it to the command line.
//
//	cukerun run --runner pickle-runner examples/calculator/calculator.json
package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/ormasoftchile/cukerun/pkg/cli"
	"github.com/ormasoftchile/cukerun/pkg/support"
)

type calculator struct {
	*support.World
	stack []float64
}

func (c *calculator) push(v float64) { c.stack = append(c.stack, v) }

func (c *calculator) pop() (float64, error) {
	if len(c.stack) == 0 {
		return 0, fmt.Errorf("stack is empty")
	}
	v := c.stack[len(c.stack)-1]
	c.stack = c.stack[:len(c.stack)-1]
	return v, nil
}

func world(ctx context.Context) *calculator {
	c, _ := support.WorldAs[*calculator](ctx)
	return c
}

func register(b *support.Builder) error {
	if err := b.SetWorldConstructor(func(opts support.WorldOptions) any {
		return &calculator{World: support.NewWorld(opts).(*support.World)}
	}); err != nil {
		return err
	}

	b.ParameterType(support.ParameterTypeSpec{
		Name:    "operator",
		Regexps: []string{`plus|minus|times`},
		Transform: func(_ context.Context, captures []string) (any, error) {
			return captures[0], nil
		},
	})

	b.Before(func(ctx context.Context) {
		world(ctx).stack = nil
	})
	b.After(func(ctx context.Context, p support.HookParameter) error {
		if p.Result == nil {
			return nil
		}
		return support.Attach(ctx, "finished with "+string(p.Result.Status), "text/plain")
	}, "@trace")

	b.Given("I enter {float}", func(ctx context.Context, v float64) {
		world(ctx).push(v)
	})
	b.When("I press {operator}", func(ctx context.Context, op string) error {
		c := world(ctx)
		y, err := c.pop()
		if err != nil {
			return err
		}
		x, err := c.pop()
		if err != nil {
			return err
		}
		switch op {
		case "plus":
			c.push(x + y)
		case "minus":
			c.push(x - y)
		case "times":
			c.push(x * y)
		}
		return nil
	})
	b.Then("the result is {float}", func(ctx context.Context, want float64) error {
		got, err := world(ctx).pop()
		if err != nil {
			return err
		}
		return support.Equal(want, got)
	})
	b.Then("the display reads:", func(ctx context.Context, doc string) error {
		got, err := world(ctx).pop()
		if err != nil {
			return err
		}
		return support.Equal(strings.TrimSpace(doc), fmt.Sprint(got))
	})
	return nil
}

func main() {
	cli.Main(register)
}
