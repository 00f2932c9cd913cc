// Package transform implements the AST transformer: a composable
// pipeline of rewrite rules, each able to report in dry-run mode
// whether it would edit a statement before committing to a real
// mutation pass. The dry run keeps native-only statements from being
// rewritten and deparsed for nothing, which is the overwhelmingly
// common case.
package transform

import (
	pg_query "github.com/pganalyze/pg_query_go/v6"

	"github.com/cipherstash/csproxy/pkg/eqlmapper"
)

// Rule is one rewrite pass. WouldEdit must be side-effect free; Apply
// mutates checked.Tree in place and returns only an error.
type Rule interface {
	Name() string
	WouldEdit(checked *eqlmapper.CheckedStatement) bool
	Apply(checked *eqlmapper.CheckedStatement, cipherFn LiteralEncryptFunc) error
}

// LiteralEncryptFunc encrypts one literal's plaintext bytes into its EQL
// JSONB ciphertext payload.
type LiteralEncryptFunc func(lit eqlmapper.Literal) (string, error)

// Pipeline is the ordered rule list.
type Pipeline struct {
	Rules []Rule
}

// DefaultPipeline returns the seven rewrite rules in their required
// order.
func DefaultPipeline() *Pipeline {
	return &Pipeline{Rules: []Rule{
		wrapGroupedEqlColInAggregateFn{},
		groupByEqlCol{},
		wrapEqlColsInOrderByWithOreFn{},
		preserveEffectiveAliases{},
		replacePlaintextEqlLiterals{},
		useEquivalentSqlFuncForEqlTypes{},
		failOnPlaceholderChange{},
	}}
}

// Result is the outcome of running a Pipeline against one statement.
type Result struct {
	Edited bool
	SQL    string // unchanged original SQL if !Edited, else the deparsed rewrite
}

// Run executes the pipeline: first a dry-run pass over every rule to
// decide whether anything would fire; if none would, the original
// statement is returned unmodified. Otherwise the rules run in order,
// each one's Apply only if its own WouldEdit reports true at that
// point, and the tree is deparsed back to SQL text.
func (p *Pipeline) Run(checked *eqlmapper.CheckedStatement, cipherFn LiteralEncryptFunc) (*Result, error) {
	any := false
	for _, r := range p.Rules {
		if r.WouldEdit(checked) {
			any = true
			break
		}
	}
	if !any {
		return &Result{Edited: false, SQL: checked.RawSQL}, nil
	}

	placeholdersBefore := countPlaceholders(checked)
	for _, r := range p.Rules {
		if !r.WouldEdit(checked) {
			continue
		}
		if err := r.Apply(checked, cipherFn); err != nil {
			return nil, err
		}
	}
	placeholdersAfter := countPlaceholders(checked)
	if placeholdersBefore != placeholdersAfter {
		return nil, errPlaceholderChanged
	}

	sql, err := pg_query.Deparse(checked.Tree)
	if err != nil {
		return nil, err
	}
	return &Result{Edited: true, SQL: sql}, nil
}

func countPlaceholders(checked *eqlmapper.CheckedStatement) int {
	return len(checked.Params)
}
