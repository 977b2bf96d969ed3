package collyfetcher

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/marketplace-crawler/internal/crawler"
)

const pageHTML = `<html><body><h1 class="rt-Heading rt-r-size-5">Acme</h1></body></html>`

func newMockFetcher(t *testing.T, opts ...Option) (*Fetcher, *httpmock.MockTransport) {
	t.Helper()
	mt := httpmock.NewMockTransport()
	f := New(Config{
		BaseURL: "https://example.test",
		Headers: http.Header{"Accept-Language": {"en-US"}},
		Timeout: time.Second,
	}, append([]Option{WithTransport(mt)}, opts...)...)
	return f, mt
}

func TestFetchResolvesRelativeURLAndParses(t *testing.T) {
	t.Parallel()

	f, mt := newMockFetcher(t)
	var gotUA, gotLang string
	mt.RegisterResponder(http.MethodGet, "https://example.test/marketplace/a",
		func(req *http.Request) (*http.Response, error) {
			gotUA = req.Header.Get("User-Agent")
			gotLang = req.Header.Get("Accept-Language")
			return httpmock.NewStringResponse(http.StatusOK, pageHTML), nil
		})

	page, err := f.Fetch(context.Background(), "/marketplace/a", 0)
	require.NoError(t, err)
	require.Equal(t, "https://example.test/marketplace/a", page.URL)
	require.Equal(t, http.StatusOK, page.StatusCode)
	require.NotNil(t, page.Root)
	require.Equal(t, pageHTML, string(page.Body))
	require.Equal(t, DefaultUserAgent, gotUA)
	require.Equal(t, "en-US", gotLang)
}

func TestFetchAbsoluteURLUntouched(t *testing.T) {
	t.Parallel()

	f, mt := newMockFetcher(t)
	mt.RegisterResponder(http.MethodGet, "https://other.test/p",
		httpmock.NewStringResponder(http.StatusOK, pageHTML))

	_, err := f.Fetch(context.Background(), "https://other.test/p", 0)
	require.NoError(t, err)
	require.Equal(t, 1, mt.GetTotalCallCount())
}

func TestFetchHTTPStatusFailure(t *testing.T) {
	t.Parallel()

	f, mt := newMockFetcher(t)
	mt.RegisterResponder(http.MethodGet, "https://example.test/missing",
		httpmock.NewStringResponder(http.StatusNotFound, "nope"))

	_, err := f.Fetch(context.Background(), "/missing", 0)
	require.Error(t, err)

	var fe *crawler.FetchError
	require.True(t, errors.As(err, &fe))
	require.Equal(t, crawler.FetchErrorHTTPStatus, fe.Kind)
	require.Equal(t, http.StatusNotFound, fe.StatusCode)
}

func TestFetchNonErrorStatusesSucceed(t *testing.T) {
	t.Parallel()

	for _, code := range []int{http.StatusNonAuthoritativeInfo, http.StatusNoContent, http.StatusPartialContent} {
		f, mt := newMockFetcher(t)
		mt.RegisterResponder(http.MethodGet, "https://example.test/p",
			httpmock.NewStringResponder(code, pageHTML))

		page, err := f.Fetch(context.Background(), "/p", 0)
		require.NoError(t, err, "status %d", code)
		require.Equal(t, code, page.StatusCode)
		require.NotNil(t, page.Root)
	}
}

func TestFetchServerErrorStatus(t *testing.T) {
	t.Parallel()

	f, mt := newMockFetcher(t)
	mt.RegisterResponder(http.MethodGet, "https://example.test/flaky",
		httpmock.NewStringResponder(http.StatusServiceUnavailable, "busy"))

	_, err := f.Fetch(context.Background(), "/flaky", 0)
	var fe *crawler.FetchError
	require.ErrorAs(t, err, &fe)
	require.Equal(t, crawler.FetchErrorHTTPStatus, fe.Kind)
	require.Equal(t, http.StatusServiceUnavailable, fe.StatusCode)
}

func TestFetchNetworkFailure(t *testing.T) {
	t.Parallel()

	f, mt := newMockFetcher(t)
	mt.RegisterResponder(http.MethodGet, "https://example.test/down",
		httpmock.NewErrorResponder(errors.New("connection refused")))

	_, err := f.Fetch(context.Background(), "/down", 0)
	require.Error(t, err)
	require.Equal(t, "network", crawler.FetchErrorKindOf(err))
}

func TestFetchHonoursDelay(t *testing.T) {
	t.Parallel()

	f, mt := newMockFetcher(t)
	mt.RegisterResponder(http.MethodGet, "https://example.test/slow",
		httpmock.NewStringResponder(http.StatusOK, pageHTML))

	start := time.Now()
	_, err := f.Fetch(context.Background(), "/slow", 30*time.Millisecond)
	require.NoError(t, err)
	require.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestFetchDelayCanceled(t *testing.T) {
	t.Parallel()

	f, mt := newMockFetcher(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.Fetch(ctx, "/never", time.Minute)
	require.ErrorIs(t, err, context.Canceled)
	require.Zero(t, mt.GetTotalCallCount())
}

func TestFetchUsesLimiter(t *testing.T) {
	t.Parallel()

	limiter := &countingWaiter{}
	f, mt := newMockFetcher(t, WithLimiter(limiter))
	mt.RegisterResponder(http.MethodGet, "https://example.test/a",
		httpmock.NewStringResponder(http.StatusOK, pageHTML))

	for i := 0; i < 3; i++ {
		_, err := f.Fetch(context.Background(), "/a", 0)
		require.NoError(t, err)
	}
	require.EqualValues(t, 3, limiter.calls.Load())
	require.Equal(t, 3, mt.GetTotalCallCount(), "revisits of the same URL are allowed")
}

func TestFetchLimiterError(t *testing.T) {
	t.Parallel()

	f, mt := newMockFetcher(t, WithLimiter(&countingWaiter{err: errors.New("limited")}))
	_, err := f.Fetch(context.Background(), "/a", 0)
	require.EqualError(t, err, "rate limit wait: limited")
	require.Equal(t, "unknown", crawler.FetchErrorKindOf(err))
	require.Zero(t, mt.GetTotalCallCount())
}

func TestCloseIsIdempotent(t *testing.T) {
	t.Parallel()

	f := New(Config{})
	f.Close()
	f.Close()
}

func TestConfigureCollectorHooks(t *testing.T) {
	t.Parallel()

	f := New(Config{UserAgent: "coverage-agent", Headers: http.Header{"X-Trace": {"yes"}}})
	var page crawler.Page
	var fetchErr error

	hooks := &stubHooks{}
	f.configureCollectorHooks(hooks, "https://example.com", time.Unix(0, 0), &page, &fetchErr)
	require.NotNil(t, hooks.onRequest)
	require.NotNil(t, hooks.onResponse)
	require.NotNil(t, hooks.onError)

	collyReq := &colly.Request{Headers: &http.Header{}}
	hooks.onRequest(collyReq)
	require.Equal(t, "yes", collyReq.Headers.Get("X-Trace"))
	require.Equal(t, "coverage-agent", collyReq.Headers.Get("User-Agent"))

	hooks.onResponse(&colly.Response{
		StatusCode: http.StatusCreated,
		Body:       []byte("body"),
		Headers:    &http.Header{"X-Resp": {"ok"}},
		Request:    &colly.Request{URL: mustParseURL(t, "https://example.com")},
	})
	require.Equal(t, http.StatusCreated, page.StatusCode)
	require.Equal(t, "body", string(page.Body))
	require.Equal(t, "ok", page.Headers.Get("X-Resp"))
	require.NoError(t, fetchErr)

	hooks.onResponse(&colly.Response{
		StatusCode: http.StatusTooManyRequests,
		Headers:    &http.Header{},
		Request:    &colly.Request{URL: mustParseURL(t, "https://example.com")},
	})
	require.Equal(t, "http_status", crawler.FetchErrorKindOf(fetchErr))

	hooks.onError(&colly.Response{StatusCode: http.StatusBadGateway}, errors.New("Bad Gateway"))
	require.Equal(t, "http_status", crawler.FetchErrorKindOf(fetchErr))

	hooks.onError(nil, errors.New("boom"))
	require.Equal(t, "network", crawler.FetchErrorKindOf(fetchErr))
}

type countingWaiter struct {
	calls atomic.Int64
	err   error
}

func (w *countingWaiter) Wait(context.Context, string) error {
	w.calls.Add(1)
	return w.err
}

func mustParseURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u
}

type stubHooks struct {
	onRequest  colly.RequestCallback
	onResponse colly.ResponseCallback
	onError    colly.ErrorCallback
}

func (s *stubHooks) OnRequest(cb colly.RequestCallback) {
	s.onRequest = cb
}

func (s *stubHooks) OnResponse(cb colly.ResponseCallback) {
	s.onResponse = cb
}

func (s *stubHooks) OnError(cb colly.ErrorCallback) {
	s.onError = cb
}
