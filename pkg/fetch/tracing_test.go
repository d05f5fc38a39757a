package fetch_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/NamanBalaji/fetch/pkg/fetch"
)

func newTracedClient(t *testing.T, opener *mockOpener) (*fetch.Client, *tracetest.SpanRecorder) {
	t.Helper()

	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { tp.Shutdown(context.Background()) })

	return newClient(t, opener, fetch.WithTracerProvider(tp)), recorder
}

func eventNames(span sdktrace.ReadOnlySpan) []string {
	var names []string
	for _, ev := range span.Events() {
		names = append(names, ev.Name)
	}
	return names
}

func attr(span sdktrace.ReadOnlySpan, key string) attribute.Value {
	for _, kv := range span.Attributes() {
		if string(kv.Key) == key {
			return kv.Value
		}
	}
	return attribute.Value{}
}

func TestTracing_RetriedSession(t *testing.T) {
	opener := sequence(
		newMockStream(200, 2, opened(), errored(timeoutErr())),
		newMockStream(200, 2, opened(), data("ok"), ended()),
	)
	c, spans := newTracedClient(t, opener)

	s, err := c.FetchURL(context.Background(), "http://example.test/", nil, 8, true, nil, "")
	require.NoError(t, err)
	waitDone(t, s)

	finished := spans.Ended()
	require.Len(t, finished, 1)

	span := finished[0]
	assert.Equal(t, "fetch.session", span.Name())
	assert.Equal(t, []string{"status", "retry"}, eventNames(span))
	assert.Equal(t, codes.Ok, span.Status().Code)
	assert.Equal(t, "http://example.test/", attr(span, "fetch.url").AsString())
	assert.Equal(t, int64(8), attr(span, "fetch.tag").AsInt64())
	assert.Equal(t, "finished", attr(span, "fetch.outcome").AsString())
	assert.Equal(t, int64(2), attr(span, "fetch.attempts").AsInt64())
}

func TestTracing_FailedSession(t *testing.T) {
	c, spans := newTracedClient(t, sequence())

	s, err := c.FetchURL(context.Background(), "not a url", nil, 0, false, nil, "")
	require.Error(t, err)
	waitDone(t, s)

	finished := spans.Ended()
	require.Len(t, finished, 1)
	assert.Equal(t, codes.Error, finished[0].Status().Code)
	assert.Equal(t, "failed", attr(finished[0], "fetch.outcome").AsString())
}
