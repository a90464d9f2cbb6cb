package shadow

import (
	"reflect"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

var anyType = reflect.TypeOf((*any)(nil)).Elem()

// asAny re-types a generator's results as interface{} so heterogeneous
// scalars can share one MapOf/SliceOf element type. gopter's Map cannot do
// this: a mapper returning any is mistaken for one returning *GenResult.
func asAny(g gopter.Gen) gopter.Gen {
	return func(params *gopter.GenParameters) *gopter.GenResult {
		value, ok := g(params).Retrieve()
		if !ok {
			return gopter.NewEmptyResult(anyType)
		}
		result := gopter.NewGenResult(value, gopter.NoShrinker)
		result.ResultType = anyType
		return result
	}
}

func genScalar() gopter.Gen {
	return gen.OneGenOf(
		asAny(gen.AlphaString()),
		asAny(gen.Int64Range(-1_000_000, 1_000_000)),
		asAny(gen.Float64Range(-1e6, 1e6)),
		asAny(gen.Bool()),
	)
}

func genPayload() gopter.Gen {
	return gopter.CombineGens(
		gen.MapOf(gen.Identifier(), genScalar()),
		gen.SliceOf(genScalar()),
	).Map(func(parts []any) map[string]any {
		return map[string]any{
			"kpis":   parts[0],
			"charts": parts[1],
		}
	})
}

func TestNormalizeProperties(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("normalize is idempotent", prop.ForAll(
		func(payload map[string]any) bool {
			once := Normalize(payload)
			return reflect.DeepEqual(once, Normalize(once))
		},
		genPayload(),
	))

	properties.Property("a payload never differs from itself", prop.ForAll(
		func(payload map[string]any) bool {
			result := Diff(payload, payload, DefaultMaxDiffs)
			return result.Equal && result.Total == 0
		},
		genPayload(),
	))

	properties.Property("hash ignores volatile keys", prop.ForAll(
		func(payload map[string]any) bool {
			noisy := map[string]any{
				"generated_at": "2025-06-01T10:00:00Z",
				"request_id":   "req-xyz",
			}
			for k, v := range payload {
				noisy[k] = v
			}
			return Hash(payload) == Hash(noisy)
		},
		genPayload(),
	))

	properties.Property("diff total is symmetric", prop.ForAll(
		func(a, b map[string]any) bool {
			return Diff(a, b, DefaultMaxDiffs).Total == Diff(b, a, DefaultMaxDiffs).Total
		},
		genPayload(),
		genPayload(),
	))

	properties.TestingRun(t)
}
