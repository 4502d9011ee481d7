package config

import (
	"reflect"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNumberToMillisecondsHookFunc(t *testing.T) {
	hook := NumberToMillisecondsHookFunc()
	tests := []struct {
		name string
		data interface{}
		to   reflect.Type
		want interface{}
	}{
		{name: "int", data: 250, to: durationType, want: 250 * time.Millisecond},
		{name: "uint", data: uint(40), to: durationType, want: 40 * time.Millisecond},
		{name: "float", data: 1.5, to: durationType, want: 1500 * time.Microsecond},
		{name: "digit string", data: " 300 ", to: durationType, want: 300 * time.Millisecond},
		{name: "unit string passes", data: "2s", to: durationType, want: "2s"},
		{name: "duration passes", data: 3 * time.Second, to: durationType, want: 3 * time.Second},
		{name: "int field untouched", data: 8, to: reflect.TypeOf(0), want: 8},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := hook(reflect.TypeOf(tt.data), tt.to, tt.data)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestStringToSliceWithBracketHookFunc(t *testing.T) {
	hook := StringToSliceWithBracketHookFunc()

	got, err := hook(reflect.String, reflect.Slice, `["a","b"]`)
	require.NoError(t, err)
	assert.Equal(t, []interface{}{"a", "b"}, got)

	got, err = hook(reflect.String, reflect.Slice, "a,b")
	require.NoError(t, err)
	assert.Equal(t, "a,b", got, "plain lists are left to the comma hook")

	got, err = hook(reflect.String, reflect.Slice, "[broken")
	require.NoError(t, err)
	assert.Equal(t, "[broken", got)
}
