package legacy

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/serp-enricher/internal/model"
)

func TestNormalizeKey(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in, want string
	}{
		{"Buy Widget", "buy widget"},
		{"  buy   widget\t", "buy widget"},
		{"КУПИТЬ Виджет", "купить виджет"},
		{"ｗｉｄｇｅｔ", "widget"},
		{"", ""},
		{"   ", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizeKey(tt.in), "input %q", tt.in)
	}
}

type fakeStore struct {
	payload *model.Payload
	err     error
	calls   int
	closed  bool
}

func (f *fakeStore) Lookup(context.Context, string) (*model.Payload, error) {
	f.calls++
	return f.payload, f.err
}

func (f *fakeStore) Close() error {
	f.closed = true
	return f.err
}

func TestChain_FirstHitWins(t *testing.T) {
	miss := &fakeStore{}
	hit := &fakeStore{payload: &model.Payload{FoundDocs: 7}}
	never := &fakeStore{payload: &model.Payload{FoundDocs: 99}}

	p, err := Chain{miss, hit, never}.Lookup(context.Background(), "kw")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, int64(7), p.FoundDocs)
	assert.Equal(t, 1, miss.calls)
	assert.Equal(t, 0, never.calls)
}

func TestChain_AllMiss(t *testing.T) {
	p, err := Chain{&fakeStore{}, None{}}.Lookup(context.Background(), "kw")
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestChain_ErrorAborts(t *testing.T) {
	boom := errors.New("redis down")
	after := &fakeStore{payload: &model.Payload{}}

	_, err := Chain{&fakeStore{err: boom}, after}.Lookup(context.Background(), "kw")
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, after.calls)
}

func TestChain_CloseAll(t *testing.T) {
	a := &fakeStore{}
	b := &fakeStore{err: errors.New("close failed")}
	c := &fakeStore{}

	err := Chain{a, b, c}.Close()
	assert.Error(t, err)
	assert.True(t, a.closed)
	assert.True(t, c.closed)
}
