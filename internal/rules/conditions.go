package rules

import (
	"errors"
	"fmt"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// ErrInvalidRule is wrapped by every rule validation failure.
var ErrInvalidRule = errors.New("invalid rule")

// predicate is a compiled rule condition.
type predicate func(tx *domain.Transaction) (bool, error)

// compiler turns domain conditions into predicates. CEL expressions are
// compiled once against a fixed transaction environment.
type compiler struct {
	env *cel.Env
}

func newCompiler() (*compiler, error) {
	env, err := cel.NewEnv(
		cel.Variable("amount", cel.DoubleType),
		cel.Variable("currency", cel.StringType),
		cel.Variable("customer_email", cel.StringType),
		cel.Variable("merchant_id", cel.StringType),
		cel.Variable("ip_address", cel.StringType),
		cel.Variable("payment_method", cel.StringType),
		cel.Variable("hour", cel.IntType),
		cel.Variable("is_new_customer", cel.BoolType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return &compiler{env: env}, nil
}

func (c *compiler) compile(cond domain.Condition) (predicate, error) {
	switch cond.Kind {
	case domain.ConditionAmountAbove:
		limit := cond.Amount
		return func(tx *domain.Transaction) (bool, error) {
			return tx.Amount > limit, nil
		}, nil

	case domain.ConditionHourOutside:
		if cond.StartHour < 0 || cond.StartHour > 23 || cond.EndHour < 0 || cond.EndHour > 23 {
			return nil, fmt.Errorf("%w: hours must be within 0-23", ErrInvalidRule)
		}
		start, end := cond.StartHour, cond.EndHour
		return func(tx *domain.Transaction) (bool, error) {
			hour := tx.CreatedAt.Hour()
			return hour < start || hour > end, nil
		}, nil

	case domain.ConditionNewCustomerAmountAbove:
		limit := cond.Amount
		return func(tx *domain.Transaction) (bool, error) {
			return tx.IsNewCustomer && tx.Amount > limit, nil
		}, nil

	case domain.ConditionAll:
		if len(cond.Conditions) == 0 {
			return nil, fmt.Errorf("%w: all condition needs at least one nested condition", ErrInvalidRule)
		}
		parts := make([]predicate, 0, len(cond.Conditions))
		for _, nested := range cond.Conditions {
			p, err := c.compile(nested)
			if err != nil {
				return nil, err
			}
			parts = append(parts, p)
		}
		return func(tx *domain.Transaction) (bool, error) {
			for _, p := range parts {
				ok, err := p(tx)
				if err != nil || !ok {
					return false, err
				}
			}
			return true, nil
		}, nil

	case domain.ConditionNever:
		return func(*domain.Transaction) (bool, error) { return false, nil }, nil

	case domain.ConditionExpression:
		return c.compileExpression(cond.Expression)

	case domain.ConditionFunc:
		if cond.Func == nil {
			return nil, fmt.Errorf("%w: func condition has no predicate", ErrInvalidRule)
		}
		return predicate(cond.Func), nil

	default:
		return nil, fmt.Errorf("%w: unknown condition kind %q", ErrInvalidRule, cond.Kind)
	}
}

func (c *compiler) compileExpression(expr string) (predicate, error) {
	if expr == "" {
		return nil, fmt.Errorf("%w: expression is empty", ErrInvalidRule)
	}

	ast, issues := c.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("%w: failed to compile expression: %v", ErrInvalidRule, issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("%w: expression must return bool, got %s", ErrInvalidRule, ast.OutputType())
	}

	program, err := c.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create program: %v", ErrInvalidRule, err)
	}

	return func(tx *domain.Transaction) (bool, error) {
		out, _, err := program.Eval(activation(tx))
		if err != nil {
			return false, fmt.Errorf("evaluation error: %w", err)
		}
		b, ok := out.(types.Bool)
		if !ok {
			return false, fmt.Errorf("expression produced %s, want bool", out.Type())
		}
		return bool(b), nil
	}, nil
}

func activation(tx *domain.Transaction) map[string]any {
	return map[string]any{
		"amount":          tx.Amount,
		"currency":        tx.Currency,
		"customer_email":  tx.CustomerEmail,
		"merchant_id":     tx.MerchantID,
		"ip_address":      tx.IPAddress,
		"payment_method":  tx.PaymentMethod,
		"hour":            int64(tx.CreatedAt.Hour()),
		"is_new_customer": tx.IsNewCustomer,
	}
}
