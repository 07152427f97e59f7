package rules

import (
	"context"
	"fmt"
	"reflect"
	"sort"

	"github.com/google/cel-go/cel"
	"google.golang.org/protobuf/types/known/structpb"
)

// Program is a compiled rule, ready to evaluate. Implementations must be safe
// for concurrent use.
type Program interface {
	Evaluate(ctx context.Context, input map[string]any) (Output, error)
}

// Compiler turns a rule document into a Program once, at load time.
type Compiler interface {
	Compile(doc RuleDocument) (Program, error)
}

// CompilerFunc adapts a function to Compiler.
type CompilerFunc func(doc RuleDocument) (Program, error)

func (f CompilerFunc) Compile(doc RuleDocument) (Program, error) { return f(doc) }

// ProgramFunc adapts a function to Program.
type ProgramFunc func(ctx context.Context, input map[string]any) (Output, error)

func (f ProgramFunc) Evaluate(ctx context.Context, input map[string]any) (Output, error) {
	return f(ctx, input)
}

// DefaultCostLimit bounds CEL evaluation cost to prevent runaway expressions.
const DefaultCostLimit = 1_000_000

var structValueType = reflect.TypeOf(&structpb.Value{})

// CELCompiler compiles Definition documents into CEL programs.
type CELCompiler struct {
	env       *cel.Env
	costLimit uint64
}

// NewCELCompiler creates a compiler whose expressions see a single dynamic
// variable named `input`.
func NewCELCompiler() (*CELCompiler, error) {
	env, err := cel.NewEnv(
		cel.Variable("input", cel.DynType),
		cel.CrossTypeNumericComparisons(true),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return &CELCompiler{env: env, costLimit: DefaultCostLimit}, nil
}

// Compile parses the document content as a Definition and compiles every
// expression in it.
func (c *CELCompiler) Compile(doc RuleDocument) (Program, error) {
	def, err := ParseDefinition(doc.Content)
	if err != nil {
		return nil, err
	}

	prog := &celProgram{ruleID: doc.Metadata.ID}
	for i, dec := range def.Decisions {
		when, err := c.compileExpr(dec.When)
		if err != nil {
			return nil, fmt.Errorf("decision %d condition: %w", i, err)
		}
		then, err := c.compileOutputs(dec.Then)
		if err != nil {
			return nil, fmt.Errorf("decision %d: %w", i, err)
		}
		prog.decisions = append(prog.decisions, compiledDecision{when: when, then: then})
	}

	prog.defaults, err = c.compileOutputs(def.Default)
	if err != nil {
		return nil, fmt.Errorf("default: %w", err)
	}
	prog.hasDefault = def.Default != nil

	return prog, nil
}

func (c *CELCompiler) compileExpr(expr string) (cel.Program, error) {
	ast, issues := c.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile error: %w", issues.Err())
	}

	prg, err := c.env.Program(ast,
		cel.CostLimit(c.costLimit),
		cel.InterruptCheckFrequency(100),
	)
	if err != nil {
		return nil, fmt.Errorf("program creation error: %w", err)
	}
	return prg, nil
}

func (c *CELCompiler) compileOutputs(outputs map[string]string) ([]compiledOutput, error) {
	keys := make([]string, 0, len(outputs))
	for k := range outputs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	compiled := make([]compiledOutput, 0, len(keys))
	for _, k := range keys {
		prg, err := c.compileExpr(outputs[k])
		if err != nil {
			return nil, fmt.Errorf("output %q: %w", k, err)
		}
		compiled = append(compiled, compiledOutput{key: k, prg: prg})
	}
	return compiled, nil
}

type compiledDecision struct {
	when cel.Program
	then []compiledOutput
}

type compiledOutput struct {
	key string
	prg cel.Program
}

type celProgram struct {
	ruleID     string
	decisions  []compiledDecision
	defaults   []compiledOutput
	hasDefault bool
}

// Evaluate runs the first-hit table. A condition that does not produce a
// boolean is treated as false.
func (p *celProgram) Evaluate(ctx context.Context, input map[string]any) (Output, error) {
	vars := map[string]any{"input": input}

	for i, dec := range p.decisions {
		out, _, err := dec.when.ContextEval(ctx, vars)
		if err != nil {
			return nil, fmt.Errorf("%w: decision %d condition: %v", ErrEvaluationFailed, i, err)
		}
		matched, _ := out.Value().(bool)
		if !matched {
			continue
		}
		return evalOutputs(ctx, dec.then, vars)
	}

	if p.hasDefault {
		return evalOutputs(ctx, p.defaults, vars)
	}
	return Output{}, nil
}

func evalOutputs(ctx context.Context, outputs []compiledOutput, vars map[string]any) (Output, error) {
	result := make(Output, len(outputs))
	for _, o := range outputs {
		val, _, err := o.prg.ContextEval(ctx, vars)
		if err != nil {
			return nil, fmt.Errorf("%w: output %q: %v", ErrEvaluationFailed, o.key, err)
		}
		native, err := val.ConvertToNative(structValueType)
		if err != nil {
			return nil, fmt.Errorf("%w: output %q is not JSON-compatible: %v", ErrEvaluationFailed, o.key, err)
		}
		result[o.key] = native.(*structpb.Value).AsInterface()
	}
	return result, nil
}
