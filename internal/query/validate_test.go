package query

import (
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestValidate(t *testing.T) {
	cases := []struct {
		query string
		want  bool
	}{
		{"SELECT * FROM orders", true},
		{"select sum(cost) from billing where service = 'EC2'", true},
		{"  DROP table x", false},
		{"SeLeCt * from x; update y", false},
		{"DROP TABLE users", false},
		{"truncate logs", false},
		{"EXEC sp_who", false},
		{"grant all on x to bob", false},
		{"SELECT * FROM t WHERE note = 'please update me'", false},
		{"SELECT created_at FROM t", false},
	}
	for _, tc := range cases {
		if got := Validate(tc.query); got != tc.want {
			t.Errorf("Validate(%q) = %v, want %v", tc.query, got, tc.want)
		}
	}
}

func TestValidateProperties(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 200
	properties := gopter.NewProperties(params)

	keyword := gen.OneConstOf("DROP", "DELETE", "TRUNCATE", "ALTER", "CREATE", "INSERT",
		"UPDATE", "GRANT", "REVOKE", "EXEC", "EXECUTE")
	mixCase := func(s string, mask uint32) string {
		var b strings.Builder
		for i, r := range s {
			if mask&(1<<(uint(i)%32)) != 0 {
				b.WriteString(strings.ToLower(string(r)))
			} else {
				b.WriteRune(r)
			}
		}
		return b.String()
	}

	properties.Property("any denylisted keyword in any case is rejected", prop.ForAll(
		func(prefix, suffix, kw string, mask uint32) bool {
			return !Validate(prefix + mixCase(kw, mask) + suffix)
		},
		gen.AlphaString(), gen.AlphaString(), keyword, gen.UInt32(),
	))

	properties.Property("validation is pure", prop.ForAll(
		func(q string) bool {
			return Validate(q) == Validate(q)
		},
		gen.AnyString(),
	))

	properties.TestingRun(t)
}
