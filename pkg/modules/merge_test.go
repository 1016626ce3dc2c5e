package modules

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adcplatform/adc/pkg/kernel"
)

func TestMergeDescriptorListsLaterEntriesWin(t *testing.T) {
	t.Parallel()

	defaults := []Descriptor{
		{Name: "object-provider", Type: kernel.KindProvider, Custom: map[string]any{
			"bucket": "default", "region": "eu",
		}},
		{Name: "kv-provider", Type: kernel.KindProvider},
	}
	instance := []Descriptor{
		{Name: "object-provider", Type: kernel.KindProvider, Custom: map[string]any{
			"bucket": "mine",
		}},
		{Name: "http-provider", Type: kernel.KindProvider},
	}

	merged := MergeDescriptorLists(defaults, instance)
	require.Len(t, merged, 3)
	assert.Equal(t, "object-provider", merged[0].Name)
	assert.Equal(t, "mine", merged[0].Custom["bucket"])
	assert.Equal(t, "eu", merged[0].Custom["region"])
	assert.Equal(t, "kv-provider", merged[1].Name)
	assert.Equal(t, "http-provider", merged[2].Name)
}

func TestMergeDescriptorRecursesIntoSubModules(t *testing.T) {
	t.Parallel()

	def := Descriptor{
		Name: "portal", Type: kernel.KindApp,
		Services: []Descriptor{
			{Name: "identity", Type: kernel.KindService, Custom: map[string]any{
				"cache": map[string]any{"ttl": float64(60), "size": float64(100)},
			}},
		},
	}
	inst := Descriptor{
		Name: "portal", Type: kernel.KindApp,
		FailOnError: true,
		Services: []Descriptor{
			{Name: "identity", Type: kernel.KindService, Custom: map[string]any{
				"cache": map[string]any{"ttl": float64(30)},
			}},
		},
	}

	merged := mergeDescriptor(def, inst)
	assert.True(t, merged.FailOnError)
	require.Len(t, merged.Services, 1)
	cache := merged.Services[0].Custom["cache"].(map[string]any)
	assert.Equal(t, float64(30), cache["ttl"])
	assert.Equal(t, float64(100), cache["size"])
}

func TestMergeCustomNilHandling(t *testing.T) {
	t.Parallel()

	only := map[string]any{"a": 1}
	assert.Equal(t, only, mergeCustom(nil, only))
	assert.Equal(t, only, mergeCustom(only, nil))
	assert.Nil(t, mergeCustom(nil, nil))
}
