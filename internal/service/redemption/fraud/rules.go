package fraud

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"
	"github.com/pkg/errors"

	"vouchercore/internal/service/redemption/domain"
)

// Rule 是一条可配置的 CEL 欺诈规则，表达式求值为 true 即命中。
type Rule struct {
	Name         string
	Expression   string
	Weight       int
	HighSeverity bool
}

// RuleFacts 是暴露给 CEL 表达式的变量。
type RuleFacts struct {
	CustomerRecentCount int64
	DistanceKm          float64
	SpeedKmh            float64
	DeviceCustomerCount int64
	ProviderRecentCount int64
	Offline             bool
	Hour                int64
}

func (f RuleFacts) activation() map[string]interface{} {
	return map[string]interface{}{
		"customer_recent_count": f.CustomerRecentCount,
		"distance_km":           f.DistanceKm,
		"speed_kmh":             f.SpeedKmh,
		"device_customer_count": f.DeviceCustomerCount,
		"provider_recent_count": f.ProviderRecentCount,
		"offline":               f.Offline,
		"hour":                  f.Hour,
	}
}

type compiledRule struct {
	rule    Rule
	program cel.Program
}

// CELRuleEngine 在启动时编译全部规则，编译失败即启动失败。
type CELRuleEngine struct {
	rules []compiledRule
}

func NewCELRuleEngine(rules []Rule) (*CELRuleEngine, error) {
	env, err := cel.NewEnv(
		cel.Variable("customer_recent_count", cel.IntType),
		cel.Variable("distance_km", cel.DoubleType),
		cel.Variable("speed_kmh", cel.DoubleType),
		cel.Variable("device_customer_count", cel.IntType),
		cel.Variable("provider_recent_count", cel.IntType),
		cel.Variable("offline", cel.BoolType),
		cel.Variable("hour", cel.IntType),
	)
	if err != nil {
		return nil, errors.Wrap(err, "create cel env")
	}

	engine := &CELRuleEngine{}
	for _, r := range rules {
		ast, iss := env.Compile(r.Expression)
		if iss.Err() != nil {
			return nil, errors.Wrapf(iss.Err(), "compile fraud rule %s", r.Name)
		}
		if !ast.OutputType().IsExactType(cel.BoolType) {
			return nil, fmt.Errorf("fraud rule %s must evaluate to bool, got %s", r.Name, ast.OutputType())
		}
		prg, err := env.Program(ast)
		if err != nil {
			return nil, errors.Wrapf(err, "build fraud rule %s", r.Name)
		}
		engine.rules = append(engine.rules, compiledRule{rule: r, program: prg})
	}
	return engine, nil
}

// Evaluate 返回所有命中的规则对应的标记。单条规则求值出错时跳过该规则并返回第一个错误。
func (e *CELRuleEngine) Evaluate(ctx context.Context, facts RuleFacts) ([]domain.FraudFlag, error) {
	vars := facts.activation()
	var flags []domain.FraudFlag
	var firstErr error
	for _, cr := range e.rules {
		out, _, err := cr.program.ContextEval(ctx, vars)
		if err != nil {
			if firstErr == nil {
				firstErr = errors.Wrapf(err, "evaluate fraud rule %s", cr.rule.Name)
			}
			continue
		}
		hit, ok := out.Value().(bool)
		if !ok || !hit {
			continue
		}
		severity := domain.SeverityMedium
		if cr.rule.HighSeverity {
			severity = domain.SeverityHigh
		}
		flags = append(flags, domain.FraudFlag{
			Name:     cr.rule.Name,
			Severity: severity,
			Weight:   cr.rule.Weight,
			Detail:   cr.rule.Expression,
		})
	}
	return flags, firstErr
}
