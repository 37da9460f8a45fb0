package convert

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dhcgn/mailscribe/model"
)

func newTestClient(t *testing.T, url string, attempts int) *Client {
	t.Helper()
	c, err := New(Config{
		BaseURL:       url,
		Timeout:       2 * time.Second,
		RetryAttempts: attempts,
		RetryDelay:    time.Millisecond,
	}, nil)
	require.NoError(t, err)
	return c
}

var voice = model.Attachment{
	Filename:    "voice.mp3",
	ContentType: "audio/mpeg",
	Data:        []byte("ID3-fake-audio"),
	AudioVideo:  true,
}

func TestConvert_UploadsMultipart(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, DefaultEndpoint, r.URL.Path)

		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "voice.mp3", r.FormValue("filename"))
		assert.Equal(t, "audio/mpeg", r.FormValue("contentType"))

		f, hdr, err := r.FormFile("file")
		require.NoError(t, err)
		defer f.Close()
		data, _ := io.ReadAll(f)
		assert.Equal(t, "voice.mp3", hdr.Filename)
		assert.Equal(t, voice.Data, data)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"transcript":"hello world"}`))
	}))
	defer srv.Close()

	got, err := newTestClient(t, srv.URL, 3).Convert(context.Background(), voice)
	require.NoError(t, err)
	assert.Equal(t, "hello world", got)
}

func TestConvert_FailsTwiceThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"text":"third time"}`))
	}))
	defer srv.Close()

	got, err := newTestClient(t, srv.URL, 3).Convert(context.Background(), voice)
	require.NoError(t, err)
	assert.Equal(t, "third time", got)
	assert.Equal(t, int32(3), calls.Load())
}

func TestConvert_AlwaysFails(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv.URL, 4).Convert(context.Background(), voice)
	require.Error(t, err)
	assert.Equal(t, int32(4), calls.Load())

	var cerr *ConversionError
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, 4, cerr.Attempts)
	assert.Equal(t, "voice.mp3", cerr.Filename)

	var serr *StatusError
	require.True(t, errors.As(err, &serr))
	assert.Equal(t, http.StatusInternalServerError, serr.StatusCode)
}

func TestConvert_TimeoutIsRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			select {
			case <-r.Context().Done():
			case <-time.After(time.Second):
			}
			return
		}
		_, _ = w.Write([]byte("plain transcript"))
	}))
	defer srv.Close()

	c, err := New(Config{BaseURL: srv.URL, Timeout: 50 * time.Millisecond, RetryAttempts: 2}, nil)
	require.NoError(t, err)

	got, err := c.Convert(context.Background(), voice)
	require.NoError(t, err)
	assert.Equal(t, "plain transcript", got)
	assert.Equal(t, int32(2), calls.Load())
}

func TestConvert_StopsWhenContextEnds(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "busy", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c, err := New(Config{BaseURL: srv.URL, Timeout: time.Second, RetryAttempts: 5, RetryDelay: time.Hour}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err = c.Convert(ctx, voice)
	require.Error(t, err)
	assert.Less(t, time.Since(start), 10*time.Second)
	assert.True(t, errors.Is(err, context.DeadlineExceeded), "got %v", err)
	assert.Equal(t, int32(1), calls.Load())

	var cerr *ConversionError
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, 1, cerr.Attempts)
}

func TestExtractTranscript(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{name: "transcript wins", body: `{"content":"c","text":"t","transcript":"tr"}`, want: "tr"},
		{name: "text before content", body: `{"content":"c","text":"t"}`, want: "t"},
		{name: "content only", body: `{"content":"c"}`, want: "c"},
		{name: "non-string field", body: `{"transcript":42}`, want: "42"},
		{name: "unknown fields", body: `{"result":"x"}`, want: `{"result":"x"}`},
		{name: "not json", body: "just words", want: "just words"},
		{name: "json array", body: `["a"]`, want: `["a"]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractTranscript([]byte(tt.body)))
		})
	}
}

func TestNew_RequiresBaseURL(t *testing.T) {
	_, err := New(Config{}, nil)
	require.Error(t, err)
}
