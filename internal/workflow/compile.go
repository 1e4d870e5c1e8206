package workflow

import (
	"fmt"
	"regexp"
	"time"

	"github.com/rendis/browserflow/internal/expressions"
	"github.com/rendis/browserflow/pkg/schema"
)

// compileState accumulates issues while one definition is turned into a Workflow.
type compileState struct {
	engines *expressions.Engines
	result  *schema.ValidationResult
	wf      *Workflow

	// strategyNames holds strategy names and names declared inside
	// strategies. They must be unique but are not jump targets.
	strategyNames map[string]string
	refs          []stepRef
}

type stepRef struct {
	path   string
	target string
}

func (c *Compiler) compile(def *schema.WorkflowDefinition) (*Workflow, *schema.ValidationResult) {
	result := &schema.ValidationResult{}
	if def == nil {
		result.AddError("/", "workflow definition is nil")
		return nil, result
	}

	wf := &Workflow{
		Name:      def.Name,
		MaxVisits: DefaultMaxVisits,
		index:     make(map[string]*Node),
	}
	st := &compileState{
		engines:       c.engines,
		result:        result,
		wf:            wf,
		strategyNames: make(map[string]string),
	}

	if len(def.Steps) == 0 {
		result.AddError("steps", "workflow has no steps")
	}
	if def.Session != nil {
		wf.Session = *def.Session
		if p := def.Session.Profile; p != "" && !schema.ValidProfileName(p) {
			result.AddErrorf("session.profile", "invalid profile name %q: must be a single directory name", p)
		}
	}
	if def.MaxVisits < 0 {
		result.AddError("max_visits", "must be positive")
	} else if def.MaxVisits > 0 {
		wf.MaxVisits = def.MaxVisits
	}
	wf.Timeout = st.duration("timeout", def.Timeout)

	wf.Root = st.block("steps", nil, def.Steps)
	st.resolveRefs()
	return wf, result
}

func (st *compileState) block(path string, owner *Node, defs []schema.StepDefinition) *Block {
	blk := &Block{Path: path, Owner: owner}
	for i := range defs {
		st.node(fmt.Sprintf("%s[%d]", path, i), blk, &defs[i])
	}
	return blk
}

// singleBlock wraps one step (on_all_strategies_failed) in its own block.
func (st *compileState) singleBlock(path string, owner *Node, def *schema.StepDefinition) *Block {
	blk := &Block{Path: path, Owner: owner}
	st.node(path, blk, def)
	return blk
}

func (st *compileState) node(path string, blk *Block, def *schema.StepDefinition) {
	n := &Node{
		Key:   path,
		Name:  def.Name,
		Path:  path,
		Block: blk,
		Index: len(blk.Steps),
		End:   def.End,
		Next:  def.Next,
	}
	blk.Steps = append(blk.Steps, n)
	st.wf.nodes = append(st.wf.nodes, n)

	if def.Name != "" {
		n.Key = def.Name
		st.declare(path, def.Name, n)
	}
	st.directives(path, def)
	n.Step = st.step(path, n, def)
}

func (st *compileState) declare(path, name string, n *Node) {
	if prev, ok := st.wf.index[name]; ok {
		st.result.AddErrorf(path+".name", "duplicate step name %q (first declared at %s)", name, prev.Path)
		return
	}
	if prev, ok := st.strategyNames[name]; ok {
		st.result.AddErrorf(path+".name", "duplicate step name %q (first declared at %s)", name, prev)
		return
	}
	st.wf.index[name] = n
}

// reserve claims name for a strategy or a step inside one.
func (st *compileState) reserve(path, name string) {
	if prev, ok := st.wf.index[name]; ok {
		st.result.AddErrorf(path+".name", "duplicate step name %q (first declared at %s)", name, prev.Path)
		return
	}
	if prev, ok := st.strategyNames[name]; ok {
		st.result.AddErrorf(path+".name", "duplicate step name %q (first declared at %s)", name, prev)
		return
	}
	st.strategyNames[name] = path
}

func (st *compileState) directives(path string, def *schema.StepDefinition) {
	if def.End && def.Next != "" {
		st.result.AddError(path, "step combines end and next; at most one terminal directive is allowed")
	}
	switch def.Type {
	case schema.StepGoto, schema.StepSucceed, schema.StepFail:
		if def.End || def.Next != "" {
			st.result.AddErrorf(path, "%s step cannot carry end or next", def.Type)
		}
	}
	if def.Next != "" {
		st.refs = append(st.refs, stepRef{path: path + ".next", target: def.Next})
	}
	if def.Continue {
		st.result.AddWarning(path+".continue", "continue is deprecated and has no effect")
	}
}

func (st *compileState) step(path string, n *Node, def *schema.StepDefinition) Step {
	switch def.Type {
	case schema.StepSequence:
		if len(def.Steps) == 0 {
			st.result.AddWarning(path+".steps", "sequence has no steps")
		}
		return &SequenceStep{Body: st.block(path+".steps", n, def.Steps)}

	case schema.StepIf:
		return &IfStep{
			Condition: st.condition(path+".condition", def.Condition),
			Then:      st.block(path+".then", n, def.Then),
			Else:      st.block(path+".else", n, def.Else),
		}

	case schema.StepTry:
		if len(def.Strategies) == 0 {
			st.result.AddError(path+".strategies", "try step requires at least one strategy")
		}
		s := &TryStep{Strategies: st.strategies(path+".strategies", def.Strategies)}
		if def.OnAllStrategiesFailed != nil {
			s.OnFailure = st.singleBlock(path+".on_all_strategies_failed", n, def.OnAllStrategiesFailed)
		}
		return s

	case schema.StepSwitch:
		if len(def.Cases) == 0 {
			st.result.AddError(path+".cases", "switch step requires at least one case")
		}
		s := &SwitchStep{Cases: make([]SwitchCase, len(def.Cases))}
		for i, c := range def.Cases {
			casePath := fmt.Sprintf("%s.cases[%d]", path, i)
			s.Cases[i] = SwitchCase{
				When: st.condition(casePath+".when", c.When),
				Body: st.block(casePath+".steps", n, c.Steps),
			}
		}
		if def.Default != nil {
			s.Default = st.block(path+".default", n, def.Default)
		}
		return s

	case schema.StepGoto:
		if def.Target == "" {
			st.result.AddError(path+".target", "goto step requires a target")
		} else {
			st.refs = append(st.refs, stepRef{path: path + ".target", target: def.Target})
		}
		return &GotoStep{Target: def.Target}

	case schema.StepSucceed:
		return &SucceedStep{Message: def.Message}

	case schema.StepFail:
		return &FailStep{Message: def.Message, ErrorCode: def.ErrorCode}
	}

	if !def.Type.IsAction() {
		st.result.AddErrorf(path+".type", "unknown step type %q", def.Type)
		return &ActionStep{Action: Action{Type: def.Type}}
	}
	return &ActionStep{
		Action: st.action(path, def),
		Chain:  st.strategies(path+".escalation_chain", def.EscalationChain),
	}
}

func (st *compileState) action(path string, def *schema.StepDefinition) Action {
	a := Action{
		Type:      def.Type,
		URL:       def.URL,
		Selector:  def.Selector,
		Value:     def.Value,
		Keys:      def.Keys,
		Script:    def.Script,
		Attribute: def.Attribute,
		Path:      def.Path,
		FullPage:  def.FullPage,
		As:        def.As,
		Transform: def.Transform,
		Duration:  st.duration(path+".duration", def.Duration),
		Timeout:   st.duration(path+".timeout", def.Timeout),
	}

	required := func(field, value string) {
		if value == "" {
			st.result.AddErrorf(path+"."+field, "%s step requires %s", def.Type, field)
		}
	}
	switch def.Type {
	case schema.StepNavigate:
		required("url", def.URL)
	case schema.StepClick, schema.StepFill, schema.StepExtract:
		required("selector", def.Selector)
	case schema.StepWait:
		if def.Selector == "" && def.Duration == "" {
			st.result.AddError(path, "wait step requires selector or duration")
		}
	case schema.StepPress:
		required("keys", def.Keys)
	case schema.StepExecuteJS:
		required("script", def.Script)
	}

	if def.Transform != "" {
		if def.Type != schema.StepExtract && def.Type != schema.StepExecuteJS {
			st.result.AddError(path+".transform", "transform is only valid on extract and execute_js steps")
		} else if err := st.engines.JQ.Check(def.Transform); err != nil {
			st.result.AddError(path+".transform", err.Error())
		}
	}
	if def.As != "" && def.Type != schema.StepExtract && def.Type != schema.StepExecuteJS {
		st.result.AddWarning(path+".as", "as is ignored on "+string(def.Type)+" steps")
	}

	for _, p := range [][2]string{
		{"url", def.URL}, {"selector", def.Selector}, {"value", def.Value}, {"keys", def.Keys}, {"path", def.Path},
	} {
		if err := expressions.CheckInterpolation(p[1]); err != nil {
			st.result.AddError(path+"."+p[0], err.Error())
		}
	}
	return a
}

func (st *compileState) strategies(path string, defs []schema.StrategyDefinition) []*Strategy {
	if len(defs) == 0 {
		return nil
	}
	out := make([]*Strategy, len(defs))
	for i := range defs {
		out[i] = st.strategy(fmt.Sprintf("%s[%d]", path, i), &defs[i])
	}
	return out
}

func (st *compileState) strategy(path string, def *schema.StrategyDefinition) *Strategy {
	s := &Strategy{Name: def.Name}
	if s.Name == "" {
		s.Name = path
	} else {
		st.reserve(path, def.Name)
	}

	switch {
	case len(def.Steps) > 0 && def.Escalate != nil:
		st.result.AddError(path, "strategy sets both steps and escalate; exactly one is required")
	case len(def.Steps) == 0 && def.Escalate == nil:
		st.result.AddError(path, "strategy requires steps or escalate")
	}

	for i := range def.Steps {
		stepPath := fmt.Sprintf("%s.steps[%d]", path, i)
		sd := &def.Steps[i]
		if !sd.Type.IsAction() {
			st.result.AddErrorf(stepPath+".type", "strategy steps must be actions, got %q", sd.Type)
			continue
		}
		if sd.End || sd.Next != "" {
			st.result.AddError(stepPath, "steps inside a strategy cannot carry end or next")
		}
		if len(sd.EscalationChain) > 0 {
			st.result.AddError(stepPath+".escalation_chain", "steps inside a strategy cannot carry an escalation_chain")
		}
		if sd.Name != "" {
			st.reserve(stepPath, sd.Name)
		}
		s.Actions = append(s.Actions, st.action(stepPath, sd))
	}

	if e := def.Escalate; e != nil {
		escPath := path + ".escalate"
		switch e.Mode {
		case schema.EscalateVision, schema.EscalateProgressive, schema.EscalateHuman:
		default:
			st.result.AddErrorf(escPath+".mode", "unknown escalation mode %q", e.Mode)
		}
		if e.Prompt == "" {
			st.result.AddError(escPath+".prompt", "escalation requires a prompt")
		}
		if e.MaxActions < 0 {
			st.result.AddError(escPath+".max_actions", "must not be negative")
		}
		s.Escalate = &Escalation{
			Mode:       e.Mode,
			Prompt:     e.Prompt,
			MaxActions: e.MaxActions,
			Timeout:    st.duration(escPath+".timeout", e.Timeout),
		}
	}

	if def.Verify != nil {
		s.Verify = st.condition(path+".verify", def.Verify)
	}
	return s
}

func (st *compileState) condition(path string, def *schema.ConditionDefinition) Condition {
	if def == nil {
		st.result.AddError(path, "condition is required")
		return &And{}
	}

	timeout := st.duration(path+".timeout", def.Timeout)
	selector := func() string {
		if def.Selector == "" {
			st.result.AddErrorf(path+".selector", "%s condition requires selector", def.Type)
		}
		return def.Selector
	}
	value := func() string {
		if def.Value == "" {
			st.result.AddErrorf(path+".value", "%s condition requires value", def.Type)
		}
		return def.Value
	}

	switch def.Type {
	case schema.CondElementExists:
		return &ElementExists{Selector: selector(), Timeout: timeout}

	case schema.CondElementVisible:
		return &ElementVisible{Selector: selector(), Timeout: timeout}

	case schema.CondElementText:
		if def.Contains == nil && def.Equals == nil {
			st.result.AddError(path, "element_text condition requires contains or equals")
		}
		return &ElementText{Selector: selector(), Contains: def.Contains, Equals: def.Equals, Timeout: timeout}

	case schema.CondElementCount:
		if def.Min == nil && def.Max == nil {
			st.result.AddError(path, "element_count condition requires min or max")
		}
		if def.Min != nil && def.Max != nil && *def.Min > *def.Max {
			st.result.AddErrorf(path, "min (%d) is greater than max (%d)", *def.Min, *def.Max)
		}
		return &ElementCount{Selector: selector(), Min: def.Min, Max: def.Max, Timeout: timeout}

	case schema.CondURLContains:
		return &URLContains{Value: value(), Timeout: timeout}

	case schema.CondURLEquals:
		return &URLEquals{Value: value(), Timeout: timeout}

	case schema.CondURLMatches:
		re, err := regexp.Compile(value())
		if err != nil {
			st.result.AddErrorf(path+".value", "invalid regular expression: %s", err.Error())
		}
		return &URLMatches{Pattern: re, Timeout: timeout}

	case schema.CondJSEval:
		if def.Expression == "" {
			st.result.AddError(path+".expression", "js_eval condition requires expression")
		}
		return &JSEval{Expression: def.Expression, Expected: def.Expected}

	case schema.CondExpression:
		eng, err := st.engines.ForLang(def.Lang)
		if err != nil {
			st.result.AddError(path+".lang", err.Error())
		} else if def.Lang == "jq" {
			st.result.AddError(path+".lang", "jq cannot be used for conditions; use cel or expr")
		} else if err := eng.Check(def.Expression); err != nil {
			st.result.AddError(path+".expression", err.Error())
		}
		lang := def.Lang
		if lang == "" {
			lang = "cel"
		}
		return &Expression{Source: def.Expression, Lang: lang}

	case schema.CondAnd, schema.CondOr:
		conds := make([]Condition, len(def.Conditions))
		for i := range def.Conditions {
			conds[i] = st.condition(fmt.Sprintf("%s.conditions[%d]", path, i), &def.Conditions[i])
		}
		if def.Type == schema.CondAnd {
			return &And{Conditions: conds}
		}
		return &Or{Conditions: conds}

	case schema.CondNot:
		return &Not{Condition: st.condition(path+".condition", def.Condition)}
	}

	st.result.AddErrorf(path+".type", "unknown condition type %q", def.Type)
	return &And{}
}

func (st *compileState) duration(path, raw string) time.Duration {
	if raw == "" {
		return 0
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		st.result.AddErrorf(path, "invalid duration %q", raw)
		return 0
	}
	if d < 0 {
		st.result.AddErrorf(path, "duration %q must not be negative", raw)
		return 0
	}
	return d
}

func (st *compileState) resolveRefs() {
	for _, ref := range st.refs {
		if _, ok := st.wf.index[ref.target]; ok {
			continue
		}
		if _, ok := st.strategyNames[ref.target]; ok {
			st.result.AddErrorf(ref.path, "%q names a step inside a strategy, which cannot be jumped to", ref.target)
			continue
		}
		st.result.AddErrorf(ref.path, "references unknown step %q", ref.target)
	}
}
