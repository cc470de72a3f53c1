package sheets

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anatolykoptev/go_roletrends/internal/engine"
)

type fakeValues struct {
	existing  int
	getErrs   []error
	gets      int
	appendRng string
	appended  [][]any
	appendErr error
}

func (f *fakeValues) Get(_ context.Context, _, rng string) ([][]any, error) {
	f.gets++
	if len(f.getErrs) > 0 {
		err := f.getErrs[0]
		f.getErrs = f.getErrs[1:]
		return nil, err
	}
	out := make([][]any, f.existing)
	for i := range out {
		out[i] = []any{"x"}
	}
	return out, nil
}

func (f *fakeValues) Append(_ context.Context, _, rng string, values [][]any) (string, error) {
	if f.appendErr != nil {
		return "", f.appendErr
	}
	f.appendRng = rng
	f.appended = values
	return rng, nil
}

func testSink(api valuesAPI) *Sink {
	s := newSink(api, "sheet-id", "", 18)
	s.retry = engine.RetryConfig{MaxRetries: 2, InitialWait: time.Millisecond, MaxWait: time.Millisecond, Multiplier: 1}
	return s
}

func TestAppendStartsAtFirstEmptyRow(t *testing.T) {
	api := &fakeValues{existing: 4}
	s := testSink(api)

	_, err := s.Append(context.Background(), [][]string{{"1", "Jane"}, {"2", "John"}})
	require.NoError(t, err)
	assert.Equal(t, "'Role Trends Raw'!A5:R", api.appendRng)
	require.Len(t, api.appended, 2)
	assert.Equal(t, []any{"1", "Jane"}, api.appended[0])
}

func TestAppendEmptyIsNoop(t *testing.T) {
	api := &fakeValues{}
	_, err := testSink(api).Append(context.Background(), nil)
	require.NoError(t, err)
	assert.Zero(t, api.gets)
	assert.Nil(t, api.appended)
}

func TestFirstEmptyRowRetriesTransient(t *testing.T) {
	api := &fakeValues{existing: 1, getErrs: []error{&engine.HTTPStatusError{StatusCode: 503}}}
	row, err := testSink(api).FirstEmptyRow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, row)
	assert.Equal(t, 2, api.gets)
}

func TestAppendFailureSurfaces(t *testing.T) {
	api := &fakeValues{appendErr: errors.New("permission denied")}
	_, err := testSink(api).Append(context.Background(), [][]string{{"1"}})
	assert.ErrorContains(t, err, "permission denied")
}

func TestQuotedTabEscapesQuotes(t *testing.T) {
	s := newSink(&fakeValues{}, "id", "Bob's tab", 18)
	assert.Equal(t, "'Bob''s tab'", s.quotedTab())
}
