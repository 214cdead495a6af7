// Copyright 2025 James Ross
package modules

import (
	"context"
	"fmt"
	"strings"

	"github.com/flyingrobots/constellation/internal/cvalue"
)

// RegisterBuiltins installs the demo module set the default server ships
// with. The full module standard library lives outside this repo; these
// cover arithmetic, strings, lists and the user-lookup demo.
func RegisterBuiltins(r *Registry) {
	r.MustRegister(NewFactory("math.add",
		[]Param{{Name: "a", Type: cvalue.Int64Type}, {Name: "b", Type: cvalue.Int64Type}},
		cvalue.Int64Type,
		func(_ context.Context, args map[string]cvalue.Value) (cvalue.Value, error) {
			a, _ := args["a"].AsInt64()
			b, _ := args["b"].AsInt64()
			return cvalue.Int64(a + b), nil
		}))

	r.MustRegister(NewFactory("math.sub",
		[]Param{{Name: "a", Type: cvalue.Int64Type}, {Name: "b", Type: cvalue.Int64Type}},
		cvalue.Int64Type,
		func(_ context.Context, args map[string]cvalue.Value) (cvalue.Value, error) {
			a, _ := args["a"].AsInt64()
			b, _ := args["b"].AsInt64()
			return cvalue.Int64(a - b), nil
		}))

	r.MustRegister(NewFactory("math.mul",
		[]Param{{Name: "a", Type: cvalue.Int64Type}, {Name: "b", Type: cvalue.Int64Type}},
		cvalue.Int64Type,
		func(_ context.Context, args map[string]cvalue.Value) (cvalue.Value, error) {
			a, _ := args["a"].AsInt64()
			b, _ := args["b"].AsInt64()
			return cvalue.Int64(a * b), nil
		}))

	r.MustRegister(NewFactory("math.div",
		[]Param{{Name: "a", Type: cvalue.Int64Type}, {Name: "b", Type: cvalue.Int64Type}},
		cvalue.Int64Type,
		func(_ context.Context, args map[string]cvalue.Value) (cvalue.Value, error) {
			a, _ := args["a"].AsInt64()
			b, _ := args["b"].AsInt64()
			if b == 0 {
				return cvalue.Null(), fmt.Errorf("division by zero")
			}
			return cvalue.Int64(a / b), nil
		}))

	r.MustRegister(NewFactory("string.concat",
		[]Param{{Name: "a", Type: cvalue.StringType}, {Name: "b", Type: cvalue.StringType}},
		cvalue.StringType,
		func(_ context.Context, args map[string]cvalue.Value) (cvalue.Value, error) {
			a, _ := args["a"].AsString()
			b, _ := args["b"].AsString()
			return cvalue.String(a + b), nil
		}))

	r.MustRegister(NewFactory("string.upper",
		[]Param{{Name: "s", Type: cvalue.StringType}},
		cvalue.StringType,
		func(_ context.Context, args map[string]cvalue.Value) (cvalue.Value, error) {
			s, _ := args["s"].AsString()
			return cvalue.String(strings.ToUpper(s)), nil
		}))

	r.MustRegister(NewFactory("string.length",
		[]Param{{Name: "s", Type: cvalue.StringType}},
		cvalue.Int64Type,
		func(_ context.Context, args map[string]cvalue.Value) (cvalue.Value, error) {
			s, _ := args["s"].AsString()
			return cvalue.Int64(int64(len(s))), nil
		}))

	r.MustRegister(NewFactory("list.length",
		[]Param{{Name: "l", Type: cvalue.ListOf(cvalue.Int64Type)}},
		cvalue.Int64Type,
		func(_ context.Context, args map[string]cvalue.Value) (cvalue.Value, error) {
			l, _ := args["l"].AsList()
			return cvalue.Int64(int64(len(l))), nil
		}))

	r.MustRegister(NewFactory("list.sum",
		[]Param{{Name: "l", Type: cvalue.ListOf(cvalue.Int64Type)}},
		cvalue.Int64Type,
		func(_ context.Context, args map[string]cvalue.Value) (cvalue.Value, error) {
			l, _ := args["l"].AsList()
			var sum int64
			for _, v := range l {
				i, _ := v.AsInt64()
				sum += i
			}
			return cvalue.Int64(sum), nil
		}))

	// Demo lookup used by the suspended-execution walkthrough.
	r.MustRegister(NewFactory("demo.GetUser",
		[]Param{{Name: "userId", Type: cvalue.StringType}},
		cvalue.RecordOf(
			cvalue.Field{Name: "id", Type: cvalue.StringType},
			cvalue.Field{Name: "name", Type: cvalue.StringType},
		),
		func(_ context.Context, args map[string]cvalue.Value) (cvalue.Value, error) {
			id, _ := args["userId"].AsString()
			name := "Alice"
			if id != "u1" {
				name = "user-" + id
			}
			return cvalue.Map(map[string]cvalue.Value{
				"id":   cvalue.String(id),
				"name": cvalue.String(name),
			}), nil
		}))

	// Identity gate: passes its value through once the Bool condition is
	// available. The compiler lowers `X when cond` onto this module.
	r.MustRegister(NewFactory("core.gate",
		[]Param{{Name: "value", Type: cvalue.AnyType}, {Name: "cond", Type: cvalue.BoolType}},
		cvalue.AnyType,
		func(_ context.Context, args map[string]cvalue.Value) (cvalue.Value, error) {
			cond, _ := args["cond"].AsBool()
			if !cond {
				return cvalue.Null(), fmt.Errorf("condition not satisfied")
			}
			return args["value"], nil
		}))
}
