package gateway

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCatalogDiff(t *testing.T) {
	tests := []struct {
		name string
		prev []string
		next []string
		want string
	}{
		{"first catalog", nil, []string{"a", "b"}, "+a +b"},
		{"all gone", []string{"a", "b"}, nil, "-a -b"},
		{"one added", []string{"a", "c"}, []string{"a", "b", "c"}, "+b"},
		{"one swapped", []string{"a", "b"}, []string{"a", "x"}, "-b +x"},
		{"unchanged", []string{"a"}, []string{"a"}, ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, catalogDiff(tc.prev, tc.next))
		})
	}
}
