package application

import (
	"strings"

	"github.com/google/cel-go/cel"
	"github.com/pkg/errors"

	"flashsale/internal/service/inventory/domain"
)

// PurchasePolicy 用 CEL 表达式描述活动规则，例如 "qty == 1"。
// 可用变量：skuId (string)、userId (string)、qty (int)。引擎本身不限制数量。
type PurchasePolicy struct {
	expr string
	prg  cel.Program
}

// NewPurchasePolicy 编译规则表达式，表达式为空时放行所有请求。
func NewPurchasePolicy(expr string) (*PurchasePolicy, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return &PurchasePolicy{}, nil
	}

	env, err := cel.NewEnv(
		cel.Variable("skuId", cel.StringType),
		cel.Variable("userId", cel.StringType),
		cel.Variable("qty", cel.IntType),
	)
	if err != nil {
		return nil, errors.Wrap(err, "create cel env")
	}
	ast, iss := env.Compile(expr)
	if iss != nil && iss.Err() != nil {
		return nil, errors.Wrapf(iss.Err(), "compile purchase rule %q", expr)
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, errors.Errorf("purchase rule %q must evaluate to bool, got %v", expr, ast.OutputType())
	}
	prg, err := env.Program(ast)
	if err != nil {
		return nil, errors.Wrapf(err, "build purchase rule %q", expr)
	}
	return &PurchasePolicy{expr: expr, prg: prg}, nil
}

// Check 返回 nil 表示允许；不满足规则时返回 ErrPolicyRejected。
func (p *PurchasePolicy) Check(skuID, userID string, qty int) error {
	if p == nil || p.prg == nil {
		return nil
	}
	out, _, err := p.prg.Eval(map[string]interface{}{
		"skuId":  skuID,
		"userId": userID,
		"qty":    int64(qty),
	})
	if err != nil {
		return errors.Wrapf(err, "evaluate purchase rule %q", p.expr)
	}
	allowed, ok := out.Value().(bool)
	if !ok {
		return errors.Errorf("purchase rule %q returned %T", p.expr, out.Value())
	}
	if !allowed {
		return errors.Wrapf(domain.ErrPolicyRejected, "rule %q", p.expr)
	}
	return nil
}
