// Copyright 2025 James Ross
package cvalue

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTypeRoundTrip(t *testing.T) {
	cases := []string{
		"Int64", "Float64", "Bool", "String", "Bytes", "Null", "Any",
		"List<Int64>",
		"List<List<String>>",
		"Map<String,Int64>",
		"Map<String,List<Bool>>",
		"Record{id:String,age:Int64}",
		"Record{user:Record{id:String},tags:List<String>}",
	}
	for _, src := range cases {
		t.Run(src, func(t *testing.T) {
			parsed, err := ParseType(src)
			require.NoError(t, err)
			assert.Equal(t, src, parsed.String())
		})
	}
}

func TestParseTypeErrors(t *testing.T) {
	for _, src := range []string{"", "Intt64", "List<>", "List<Int64", "Map<Int64,String>", "Record{", "Int64 extra"} {
		_, err := ParseType(src)
		assert.Error(t, err, "expected error for %q", src)
	}
}

func TestTypeMatches(t *testing.T) {
	assert.True(t, Int64Type.Matches(Int64(1)))
	assert.False(t, Int64Type.Matches(String("x")))
	assert.True(t, Int64Type.Matches(Null())) // null inhabits every type
	assert.True(t, ListOf(Int64Type).Matches(List([]Value{Int64(1), Int64(2)})))
	assert.False(t, ListOf(Int64Type).Matches(List([]Value{String("x")})))
	assert.True(t, AnyType.Matches(String("anything")))

	rec := RecordOf(Field{Name: "id", Type: StringType})
	assert.True(t, rec.Matches(Map(map[string]Value{"id": String("u1")})))
	assert.False(t, rec.Matches(Map(map[string]Value{"other": String("u1")})))
}

func TestAssignableTo(t *testing.T) {
	assert.True(t, Int64Type.AssignableTo(Int64Type))
	assert.False(t, Int64Type.AssignableTo(StringType))
	assert.True(t, Int64Type.AssignableTo(AnyType))
	assert.True(t, AnyType.AssignableTo(Int64Type))
}
