package rules

import (
	"embed"
	"fmt"
	"github.com/antonmedv/expr"
	"github.com/antonmedv/expr/vm"
	"gopkg.in/yaml.v3"
	"io/fs"
	"path"
	"sort"
	"strings"
)

//go:embed default/*.yaml
var Embedded embed.FS

type Engine struct {
	RuleSets map[string]RuleSet
	Rules    []CompiledRule
}

func New() *Engine {
	return &Engine{RuleSets: map[string]RuleSet{}}
}

// CapabilityValues are expressions, evaluated against the Input, which describe how a capability was found.
type CapabilityValues map[string]string

type Capabilities struct {
	Add    map[string]CapabilityValues `yaml:"add"`
	Remove map[string]CapabilityValues `yaml:"remove"`
}

type Actions struct {
	Capabilities Capabilities `yaml:"capabilities"`
	Settings     Settings     `yaml:"settings"`
}

type Rule struct {
	Description string  `yaml:"description"`
	Filter      string  `yaml:"filter"`
	Actions     Actions `yaml:"actions"`
	Children    []Rule  `yaml:"children"`
}

type CompiledCapabilityValues map[string]*vm.Program

type CompiledCapabilities struct {
	Add    map[string]CompiledCapabilityValues
	Remove map[string]CompiledCapabilityValues
}

type CompiledActions struct {
	Capabilities CompiledCapabilities
	Settings     Settings
}

type CompiledRule struct {
	Description string
	Filter      *vm.Program
	Actions     CompiledActions
	Children    []CompiledRule
}

type RuleSet struct {
	Name      string   `yaml:"name"`
	DependsOn []string `yaml:"depends_on"`
	Rules     []Rule   `yaml:"rules"`
}

type InputIdentity struct {
	Vendor string
	Model  string
}

type InputEndpoint struct {
	ID          int
	ProfileID   int
	DeviceID    int
	InClusters  []int
	OutClusters []int
}

// Input is the environment rule filters and capability values are evaluated against, Self is the endpoint under
// consideration.
type Input struct {
	Self     int
	Identity InputIdentity
	Protocol string
	Endpoint map[int]InputEndpoint
}

type Output struct {
	Capabilities map[string]map[string]interface{}
	Settings     Settings
}

// LoadBytes parses a single YAML ruleset.
func (e *Engine) LoadBytes(data []byte) error {
	var rs RuleSet

	if err := yaml.Unmarshal(data, &rs); err != nil {
		return fmt.Errorf("ruleset parse: %w", err)
	}

	if rs.Name == "" {
		return fmt.Errorf("ruleset parse: ruleset has no name")
	}

	if _, found := e.RuleSets[rs.Name]; found {
		return fmt.Errorf("ruleset parse: duplicate ruleset: %s", rs.Name)
	}

	if e.RuleSets == nil {
		e.RuleSets = map[string]RuleSet{}
	}

	e.RuleSets[rs.Name] = rs
	return nil
}

// LoadFS loads every YAML file in the filesystem as a ruleset.
func (e *Engine) LoadFS(fsys fs.FS) error {
	return fs.WalkDir(fsys, ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if d.IsDir() {
			return nil
		}

		if ext := strings.ToLower(path.Ext(p)); ext != ".yaml" && ext != ".yml" {
			return nil
		}

		data, err := fs.ReadFile(fsys, p)
		if err != nil {
			return err
		}

		if err := e.LoadBytes(data); err != nil {
			return fmt.Errorf("%s: %w", p, err)
		}

		return nil
	})
}

func (e *Engine) CompileRules() error {
	alreadyLoaded := map[string]bool{}

	for k := range e.RuleSets {
		alreadyLoaded[k] = false
	}

	for _, k := range sortedKeys(e.RuleSets) {
		if !alreadyLoaded[k] {
			if err := e.compileRuleSet(alreadyLoaded, []string{}, k); err != nil {
				return err
			}
		}
	}

	return nil
}

func (e *Engine) compileRuleSet(alreadyLoaded map[string]bool, trail []string, name string) error {
	rs, ok := e.RuleSets[name]
	if !ok {
		return fmt.Errorf("ruleset missing dependency: %s->%s", strings.Join(trail, "->"), name)
	}

	trail = append(trail, rs.Name)

	for _, k := range rs.DependsOn {
		for _, t := range trail {
			if k == t {
				return fmt.Errorf("ruleset circular dependency: %s->%s", strings.Join(trail, "->"), k)
			}
		}

		if !alreadyLoaded[k] {
			if err := e.compileRuleSet(alreadyLoaded, trail, k); err != nil {
				return err
			}
		}
	}

	if cr, err := compileRules(rs.Rules); err != nil {
		return fmt.Errorf("ruleset compilation: %s: %w", strings.Join(trail, "->"), err)
	} else {
		e.Rules = append(e.Rules, cr...)
	}

	alreadyLoaded[name] = true

	return nil
}

func compileRules(rules []Rule) ([]CompiledRule, error) {
	var compiledRules []CompiledRule

	for _, rule := range rules {
		cf, err := expr.Compile(rule.Filter, expr.Env(Input{}), expr.AsBool())
		if err != nil {
			return nil, fmt.Errorf("filter compilation: %w", err)
		}

		ca, err := compileActions(rule.Actions)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", rule.Description, err)
		}

		if childCompiledRules, err := compileRules(rule.Children); err != nil {
			return nil, fmt.Errorf("%s: %w", rule.Description, err)
		} else {
			compiledRules = append(compiledRules, CompiledRule{
				Description: rule.Description,
				Filter:      cf,
				Actions:     ca,
				Children:    childCompiledRules,
			})
		}
	}

	return compiledRules, nil
}

func compileActions(a Actions) (CompiledActions, error) {
	add, err := compileCapabilities(a.Capabilities.Add)
	if err != nil {
		return CompiledActions{}, err
	}

	remove, err := compileCapabilities(a.Capabilities.Remove)
	if err != nil {
		return CompiledActions{}, err
	}

	return CompiledActions{
		Capabilities: CompiledCapabilities{Add: add, Remove: remove},
		Settings:     a.Settings,
	}, nil
}

func compileCapabilities(in map[string]CapabilityValues) (map[string]CompiledCapabilityValues, error) {
	out := map[string]CompiledCapabilityValues{}

	for name, values := range in {
		compiled := CompiledCapabilityValues{}

		for k, v := range values {
			p, err := expr.Compile(v, expr.Env(Input{}))
			if err != nil {
				return nil, fmt.Errorf("capability value compilation: %s.%s: %w", name, k, err)
			}

			compiled[k] = p
		}

		out[name] = compiled
	}

	return out, nil
}

// Execute runs every rule in dependency order. A matching rule's actions are applied and then its children are
// considered, later rules can remove capabilities earlier rules added.
func (e *Engine) Execute(i Input) (Output, error) {
	o := Output{
		Capabilities: map[string]map[string]interface{}{},
		Settings:     Settings{},
	}

	if err := executeRules(e.Rules, i, &o); err != nil {
		return Output{}, err
	}

	return o, nil
}

func executeRules(rules []CompiledRule, i Input, o *Output) error {
	for _, rule := range rules {
		result, err := expr.Run(rule.Filter, i)
		if err != nil {
			return fmt.Errorf("filter execution: %s: %w", rule.Description, err)
		}

		if matched, ok := result.(bool); !ok || !matched {
			continue
		}

		for name, values := range rule.Actions.Capabilities.Add {
			evaluated := map[string]interface{}{}

			for k, p := range values {
				v, err := expr.Run(p, i)
				if err != nil {
					return fmt.Errorf("capability value execution: %s: %s.%s: %w", rule.Description, name, k, err)
				}

				evaluated[k] = v
			}

			o.Capabilities[name] = evaluated
		}

		for name := range rule.Actions.Capabilities.Remove {
			delete(o.Capabilities, name)
		}

		o.Settings.Merge(rule.Actions.Settings)

		if err := executeRules(rule.Children, i, o); err != nil {
			return err
		}
	}

	return nil
}

func sortedKeys(m map[string]RuleSet) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}

	sort.Strings(keys)
	return keys
}
