package namespace

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func docDefinition(t *testing.T) *Definition {
	t.Helper()
	def, err := NewDefinition("doc",
		[]RelationDef{
			{Name: "direct_viewer", SubjectTypes: []string{"user", "group"}},
			{Name: "direct_owner"},
			{Name: "parent", SubjectTypes: []string{"folder"}},
		},
		map[string]*Rewrite{
			"view": Union(
				This(),
				ComputedUserset("direct_owner"),
				TupleToUserset("parent", "view"),
			),
		})
	require.NoError(t, err)
	return def
}

func TestDefinitionLookups(t *testing.T) {
	def := docDefinition(t)

	assert.True(t, def.HasRelation("direct_viewer"))
	assert.False(t, def.HasRelation("view"))

	rw, ok := def.Rewrite("view")
	require.True(t, ok)
	assert.Equal(t, KindUnion, rw.Kind)

	// Plain relations evaluate as This.
	rw, ok = def.Rewrite("parent")
	require.True(t, ok)
	assert.Equal(t, KindThis, rw.Kind)

	_, ok = def.Rewrite("edit")
	assert.False(t, ok)
}

func TestDefinitionRejectsPermissionRelationClash(t *testing.T) {
	_, err := NewDefinition("doc",
		[]RelationDef{{Name: "view"}},
		map[string]*Rewrite{"view": This()})
	assert.ErrorContains(t, err, "collides")
}

func TestRegistryCycleDetection(t *testing.T) {
	// a -> b -> a through computed usersets is a configuration error.
	def, err := NewDefinition("doc",
		[]RelationDef{{Name: "direct_viewer"}},
		map[string]*Rewrite{
			"a": ComputedUserset("b"),
			"b": ComputedUserset("a"),
		})
	require.NoError(t, err)

	_, err = NewRegistry(def)
	assert.ErrorContains(t, err, "cycle")
}

func TestRegistryAllowsTupleToUsersetSelfReference(t *testing.T) {
	// view referencing view through tuple_to_userset is the standard
	// recursive-hierarchy pattern and must load; the evaluator's depth
	// bound guards it at runtime.
	reg, err := NewRegistry(docDefinition(t))
	require.NoError(t, err)
	assert.True(t, reg.HasType("doc"))
}

func TestRegistryRejectsUnknownReference(t *testing.T) {
	def, err := NewDefinition("doc",
		[]RelationDef{{Name: "direct_viewer"}},
		map[string]*Rewrite{"view": ComputedUserset("ghost")})
	require.NoError(t, err)

	_, err = NewRegistry(def)
	assert.ErrorContains(t, err, "unknown relation")
}

func TestRegistryRejectsDuplicateType(t *testing.T) {
	a := docDefinition(t)
	b := docDefinition(t)
	_, err := NewRegistry(a, b)
	assert.ErrorContains(t, err, "duplicate definition")
}

func TestStoreSwap(t *testing.T) {
	first, err := NewRegistry(docDefinition(t))
	require.NoError(t, err)
	store := NewStore(first)
	assert.Same(t, first, store.Current())

	groupDef, err := NewDefinition("group", []RelationDef{{Name: "member"}}, nil)
	require.NoError(t, err)
	second, err := NewRegistry(groupDef)
	require.NoError(t, err)

	store.Replace(second)
	assert.Same(t, second, store.Current())
	assert.False(t, store.Current().HasType("doc"))
}
