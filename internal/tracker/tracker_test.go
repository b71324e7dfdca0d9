package tracker

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestItemRef_Key(t *testing.T) {
	tests := []struct {
		name string
		ref  ItemRef
		want string
	}{
		{name: "id", ref: ItemRef{ID: "42"}, want: "42"},
		{name: "id wins over url", ref: ItemRef{ID: "42", URL: "https://tracker.example/42"}, want: "42"},
		{name: "url only", ref: ItemRef{URL: "https://tracker.example/acme/app/pull/1"}, want: "https://tracker.example/acme/app/pull/1"},
		{name: "zero", ref: ItemRef{}, want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.ref.Key())
		})
	}
}

func TestItemRef_Matches(t *testing.T) {
	pr1 := ItemRef{URL: "https://tracker.example/acme/app/pull/1"}
	pr2 := ItemRef{URL: "https://tracker.example/acme/app/pull/2"}

	assert.True(t, pr1.Matches(pr1))
	assert.False(t, pr1.Matches(pr2))
	assert.True(t, ItemRef{ID: "42"}.Matches(ItemRef{ID: "42", URL: "https://tracker.example/42"}))
	assert.False(t, ItemRef{ID: "42"}.Matches(ItemRef{ID: "43"}))
	assert.False(t, ItemRef{ID: "42", URL: pr1.URL}.Matches(pr1))
}
