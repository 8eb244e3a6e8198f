// Package dispatch lets an operator override the engine registry's
// fixed "auto" probe order with rule expressions evaluated against the
// incoming task: each rule compiles an expr-lang/expr boolean
// expression once and runs it against a per-task environment.
package dispatch

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/smilemakc/taskflow/internal/application/engine"
	"github.com/smilemakc/taskflow/internal/infrastructure/logger"
	"github.com/smilemakc/taskflow/internal/infrastructure/storage/models"
)

// Rule is one ordered override: when its expression evaluates true for
// a task, Backend is resolved instead of falling through to the
// registry's built-in auto order.
type Rule struct {
	Name    string `json:"name"`
	When    string `json:"when"`
	Backend string `json:"backend"`
}

// Env is the expression environment a Rule's When clause evaluates
// against. Field names are the identifiers rule authors write in
// config, e.g. `extension == ".mp4" && priority > 5`.
type Env struct {
	FileName  string                 `expr:"file_name"`
	Extension string                 `expr:"extension"`
	Backend   string                 `expr:"backend"`
	Priority  int                    `expr:"priority"`
	Options   map[string]interface{} `expr:"options"`
}

// compiledRule pairs a Rule with its compiled program, so Resolve never
// recompiles an expression per task.
type compiledRule struct {
	rule    Rule
	program *vm.Program
}

// Router wraps an engine.Registry with rule-based "auto" overrides. It
// satisfies the same EngineResolver contract the worker uses, so wiring
// it in place of a bare *engine.Registry is a one-line change at
// startup.
type Router struct {
	registry *engine.Registry
	rules    []compiledRule
	logger   *logger.Logger
}

// NewRouter compiles every rule up front, returning an error that names
// the offending rule if any expression fails to compile.
func NewRouter(registry *engine.Registry, rules []Rule, log *logger.Logger) (*Router, error) {
	compiled := make([]compiledRule, 0, len(rules))
	for _, r := range rules {
		program, err := expr.Compile(r.When, expr.Env(Env{}), expr.AsBool())
		if err != nil {
			return nil, fmt.Errorf("dispatch rule %q: %w", r.Name, err)
		}
		compiled = append(compiled, compiledRule{rule: r, program: program})
	}
	return &Router{registry: registry, rules: compiled, logger: log}, nil
}

// ResolveTask picks the engine for task against filePath: an explicit,
// non-"auto" backend always resolves directly; otherwise every rule
// runs in configured order and the first match wins; if none match,
// resolution falls back to the registry's fixed auto-probe order.
func (rt *Router) ResolveTask(task *models.TaskModel, filePath string) (engine.Engine, error) {
	if task.Backend != "" && task.Backend != "auto" {
		return rt.registry.Get(task.Backend)
	}

	env := Env{
		FileName:  task.FileName,
		Extension: strings.ToLower(filepath.Ext(filePath)),
		Backend:   task.Backend,
		Priority:  task.Priority,
		Options:   map[string]interface{}(task.Options),
	}

	for _, cr := range rt.rules {
		matched, err := expr.Run(cr.program, env)
		if err != nil {
			rt.logger.Warn("dispatch rule evaluation failed", "rule", cr.rule.Name, "error", err)
			continue
		}
		if ok, _ := matched.(bool); ok {
			eng, err := rt.registry.Get(cr.rule.Backend)
			if err == nil {
				return eng, nil
			}
			rt.logger.Warn("dispatch rule matched unregistered backend",
				"rule", cr.rule.Name, "backend", cr.rule.Backend, "error", err)
		}
	}

	return rt.registry.Resolve("auto", filePath)
}
