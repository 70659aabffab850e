package pagination

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func params(query string) Params {
	return FromRequest(httptest.NewRequest(http.MethodGet, "/api/v1/admin/users?"+query, nil))
}

func TestFromRequest(t *testing.T) {
	tests := []struct {
		query string
		want  Params
	}{
		{"", Params{Page: 1, PerPage: 20, Offset: 0}},
		{"page=3&per_page=10", Params{Page: 3, PerPage: 10, Offset: 20}},
		{"page=-1", Params{Page: 1, PerPage: 20, Offset: 0}},
		{"page=abc&per_page=0", Params{Page: 1, PerPage: 20, Offset: 0}},
		{"page=2&per_page=500", Params{Page: 2, PerPage: MaxPerPage, Offset: MaxPerPage}},
	}

	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			assert.Equal(t, tt.want, params(tt.query))
		})
	}
}

func TestNewResult(t *testing.T) {
	r := NewResult([]string{"a", "b"}, 5, Params{Page: 2, PerPage: 2})

	assert.Equal(t, 3, r.TotalPages)
	assert.True(t, r.HasNext)
	assert.True(t, r.HasPrev)

	last := NewResult([]string{"e"}, 5, Params{Page: 3, PerPage: 2})
	assert.False(t, last.HasNext)
}

func TestNewResult_Empty(t *testing.T) {
	r := NewResult[int](nil, 0, DefaultParams())

	assert.NotNil(t, r.Data)
	assert.Equal(t, 0, r.TotalPages)
	assert.False(t, r.HasNext)
	assert.False(t, r.HasPrev)
}
