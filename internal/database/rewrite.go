package database

import (
	"context"
	"errors"
	"fmt"

	"desdbi/internal/metrics"
)

// Rule rewrites one idiom of Oracle-flavoured SQL into something the
// embedded engine accepts. Rules run in a fixed order; later rules may
// assume earlier ones already normalized their syntax.
type Rule interface {
	// Name returns the rule name for error reports
	Name() string

	// Rewrite returns the transformed statement, or an error if the
	// statement uses the idiom in an unsupported way.
	Rewrite(ctx context.Context, stmt string) (string, error)
}

type ruleFunc struct {
	name string
	fn   func(string) (string, error)
}

func (r ruleFunc) Name() string { return r.name }

func (r ruleFunc) Rewrite(_ context.Context, stmt string) (string, error) { return r.fn(stmt) }

// ExecFunc executes a statement inside the caller's current transaction.
type ExecFunc func(ctx context.Context, stmt string) error

// Rewriter is the ordered idiom pipeline applied to every statement sent to
// the embedded backend.
type Rewriter struct {
	rules []Rule
	exec  ExecFunc
}

// NewRewriter builds the pipeline. exec populates the staging tables the
// materialize rule asks for, once every rule has succeeded; with a nil exec,
// statements carrying a materialize hint fail.
func NewRewriter(exec ExecFunc) *Rewriter {
	return &Rewriter{exec: exec, rules: []Rule{
		&materializeRule{},
		ruleFunc{"listagg", rewriteListagg},
		ruleFunc{"dates", rewriteDates},
		ruleFunc{"nullcmp", rewriteNullCmp},
		ruleFunc{"concat", rewriteConcat},
		ruleFunc{"dual-exists", rewriteDualExists},
		ruleFunc{"tokens", rewriteTokens},
	}}
}

// Rules returns the pipeline's rules in execution order.
func (r *Rewriter) Rules() []Rule {
	return append([]Rule(nil), r.rules...)
}

// Rewrite runs stmt through every rule. The first failure aborts the
// pipeline and is reported as a *RewriteError carrying the original text.
// Staging statements queued by rules run only after the last rule
// succeeds, so a failed rewrite leaves no rows behind.
func (r *Rewriter) Rewrite(ctx context.Context, stmt string) (string, error) {
	var plan *stagingPlan
	if r.exec != nil {
		plan = &stagingPlan{}
		ctx = context.WithValue(ctx, stagingPlanKey{}, plan)
	}

	out := stmt
	for _, rule := range r.rules {
		next, err := rule.Rewrite(ctx, out)
		if err != nil {
			return "", rewriteFailure(rule.Name(), stmt, err)
		}
		out = next
	}
	if plan != nil {
		for _, st := range plan.steps {
			if err := r.exec(ctx, st.stmt); err != nil {
				return "", rewriteFailure(st.rule, stmt, fmt.Errorf("failed to %s %s: %w", st.action, st.table, err))
			}
		}
	}
	metrics.RewritesTotal.WithLabelValues(metrics.Ok).Inc()
	return out, nil
}

func rewriteFailure(rule, stmt string, err error) error {
	metrics.RewritesTotal.WithLabelValues(metrics.Fail).Inc()
	var rerr *RewriteError
	if errors.As(err, &rerr) {
		return err
	}
	return &RewriteError{Rule: rule, Statement: stmt, Err: err}
}

type stagingPlanKey struct{}

// stagingPlan collects the statements a rewrite needs executed before the
// rewritten statement can run.
type stagingPlan struct {
	steps []stagingStep
}

type stagingStep struct {
	rule, action, table, stmt string
}

func (p *stagingPlan) add(rule, action, table, stmt string) {
	p.steps = append(p.steps, stagingStep{rule: rule, action: action, table: table, stmt: stmt})
}

func stagingPlanFrom(ctx context.Context) *stagingPlan {
	p, _ := ctx.Value(stagingPlanKey{}).(*stagingPlan)
	return p
}
