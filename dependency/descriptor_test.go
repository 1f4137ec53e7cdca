package dependency

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/jflux/errors"
	"github.com/c360/jflux/registry"
)

func TestNewDependencyDescriptor(t *testing.T) {
	d, err := NewDependencyDescriptor("clock", "time.Clock", Required,
		WithProperties(map[string]string{"zone": "utc"}),
		WithFilterString("(service.ranking>=1)"))
	require.NoError(t, err)

	assert.Equal(t, "clock", d.Name())
	assert.Equal(t, "time.Clock", d.ClassName())
	assert.Equal(t, map[string]string{"zone": "utc"}, d.Properties())
	assert.Equal(t, "(&(objectClass=time.Clock)(zone=utc)(service.ranking>=1))", d.Descriptor().Filter())

	props := d.Properties()
	props["zone"] = "changed"
	assert.Equal(t, "utc", d.Properties()["zone"])
}

func TestNewDependencyDescriptor_Invalid(t *testing.T) {
	tests := []struct {
		name      string
		depName   string
		className string
		typ       DependencyType
		opts      []DescriptorOption
	}{
		{"empty name", "", "a.B", Required, nil},
		{"empty class", "b", " ", Required, nil},
		{"bad type", "b", "a.B", DependencyType(9), nil},
		{"bad filter", "b", "a.B", Optional, []DescriptorOption{WithFilterString("(unclosed")}},
		{"key with equals", "b", "a.B", Required, []DescriptorOption{WithProperties(map[string]string{"zone=a": "b"})}},
		{"key with parens", "b", "a.B", Required, []DescriptorOption{WithProperties(map[string]string{"zone)": "b"})}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewDependencyDescriptor(tt.depName, tt.className, tt.typ, tt.opts...)
			require.Error(t, err)
			assert.True(t, errors.IsInvalid(err))
		})
	}
}

func TestNewServiceDependency_Cardinality(t *testing.T) {
	req, err := NewDependencyDescriptor("a", "x.A", Required)
	require.NoError(t, err)
	opt, err := NewDependencyDescriptor("b", "x.B", Optional)
	require.NoError(t, err)

	assert.Equal(t, MandatoryUnary, NewServiceDependency(req, false, Static).Cardinality())
	assert.Equal(t, MandatoryMultiple, NewServiceDependency(req, true, Static).Cardinality())
	assert.Equal(t, OptionalUnary, NewServiceDependency(opt, false, Dynamic).Cardinality())
	assert.Equal(t, OptionalMultiple, NewServiceDependency(opt, true, Dynamic).Cardinality())

	dep := NewServiceDependency(req, false, Dynamic)
	assert.True(t, dep.IsMandatory())
	assert.Equal(t, Dynamic, dep.UpdateStrategy())
	assert.False(t, NewServiceDependency(opt, true, Static).IsMandatory())
}

func TestBindingBuilder(t *testing.T) {
	desc, err := NewDependencyDescriptor("store", "kv.Store", Required,
		WithFilterString("(region=eu)"))
	require.NoError(t, err)
	dep := NewServiceDependency(desc, false, Static)

	b, err := NewBindingBuilder(dep).
		Lazy().
		Dynamic().
		WithProperty("tier", "hot").
		WithFilter("(service.ranking>=2)").
		Build()
	require.NoError(t, err)

	assert.Equal(t, "store", b.Name())
	assert.Equal(t, Lazy, b.BindingStrategy())
	assert.Equal(t, Dynamic, b.UpdateStrategy())
	assert.Equal(t,
		"(&(objectClass=kv.Store)(tier=hot)(&(region=eu)(service.ranking>=2)))",
		b.Descriptor().Filter())

	assert.True(t, b.Matches(registry.Reference{Properties: map[string]any{
		"objectClass": []string{"kv.Store"}, "tier": "hot", "region": "eu", "service.ranking": 3,
	}}))
	assert.False(t, b.Matches(registry.Reference{Properties: map[string]any{
		"objectClass": []string{"kv.Store"}, "tier": "hot", "region": "us", "service.ranking": 3,
	}}))
}

func TestBindingBuilder_Defaults(t *testing.T) {
	desc, err := NewDependencyDescriptor("store", "kv.Store", Optional)
	require.NoError(t, err)

	b, err := NewBindingBuilder(NewServiceDependency(desc, false, Dynamic)).Build()
	require.NoError(t, err)
	assert.Equal(t, Eager, b.BindingStrategy())
	assert.Equal(t, Dynamic, b.UpdateStrategy())
	assert.Equal(t, "(&(objectClass=kv.Store))", b.Descriptor().Filter())

	b, err = NewBindingBuilder(NewServiceDependency(desc, false, Dynamic)).Static().Eager().Build()
	require.NoError(t, err)
	assert.Equal(t, Static, b.UpdateStrategy())
}

func TestBindingBuilder_InvalidFilter(t *testing.T) {
	desc, err := NewDependencyDescriptor("store", "kv.Store", Required)
	require.NoError(t, err)

	_, err = NewBindingBuilder(NewServiceDependency(desc, false, Static)).WithFilter("(bad").Build()
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))

	_, err = NewBindingBuilder(ServiceDependency{}).Build()
	assert.True(t, errors.IsInvalid(err))
}

func TestBindingBuilder_RejectsReservedKeys(t *testing.T) {
	desc, err := NewDependencyDescriptor("store", "kv.Store", Required)
	require.NoError(t, err)
	dep := NewServiceDependency(desc, false, Static)

	for _, key := range []string{"zone=north", "a(b", "x*", " zone", ""} {
		_, err := NewBindingBuilder(dep).WithProperty(key, "v").Build()
		require.Error(t, err, key)
		assert.ErrorIs(t, err, errors.ErrInvalidFilter, key)
	}

	b, err := NewBindingBuilder(dep).WithProperty("service.zone", "north").Build()
	require.NoError(t, err)
	assert.Equal(t, "(&(objectClass=kv.Store)(service.zone=north))", b.Descriptor().Filter())
}
