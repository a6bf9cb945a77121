package httpapi

import (
	"bytes"
	"context"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/fmueller/whisperd/internal/transcription"
	"github.com/fmueller/whisperd/internal/whisper"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

type fakeEngine struct {
	mu       sync.Mutex
	result   whisper.Result
	err      error
	requests []whisper.Request
	ctxErr   error
}

func (e *fakeEngine) Transcribe(ctx context.Context, req whisper.Request) (whisper.Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.requests = append(e.requests, req)
	e.ctxErr = ctx.Err()
	return e.result, e.err
}

func newTestRouter(t *testing.T, engine whisper.Engine) *gin.Engine {
	t.Helper()

	svc := transcription.NewService("large-v3", nil)
	if engine != nil {
		require.NoError(t, svc.Load(context.Background(), func(context.Context) (whisper.Engine, error) {
			return engine, nil
		}))
	} else {
		_ = svc.Load(context.Background(), func(context.Context) (whisper.Engine, error) {
			return nil, errors.New("cuda out of memory")
		})
	}
	return NewRouter(Options{Service: svc})
}

type upload struct {
	field    string
	filename string
	content  []byte
	fields   map[string]string
}

func multipartRequest(t *testing.T, target string, u upload) *http.Request {
	t.Helper()

	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	if u.filename != "" || u.content != nil {
		field := u.field
		if field == "" {
			field = "file"
		}
		part, err := w.CreateFormFile(field, u.filename)
		require.NoError(t, err)
		_, err = part.Write(u.content)
		require.NoError(t, err)
	}
	for k, v := range u.fields {
		require.NoError(t, w.WriteField(k, v))
	}
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, target, &body)
	req.Header.Set("Content-Type", w.FormDataContentType())
	return req
}

func serve(router http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestRootReportsAvailability(t *testing.T) {
	t.Parallel()

	rec := serve(newTestRouter(t, &fakeEngine{}), httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"message":"Whisper ASR API is running. Model large-v3 is available."}`, rec.Body.String())

	rec = serve(newTestRouter(t, nil), httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"message":"Whisper ASR API is running. Model large-v3 is unavailable (failed to load)."}`, rec.Body.String())
}

func TestTranscribeUnavailableBeatsValidation(t *testing.T) {
	t.Parallel()

	router := newTestRouter(t, nil)
	for _, u := range []upload{
		{filename: "speech.mp3", content: []byte("id3")},
		{filename: "a.xyz", content: []byte("data")},
		{filename: "a.wav", content: []byte{}},
	} {
		rec := serve(router, multipartRequest(t, "/transcribe/", u))
		require.Equal(t, http.StatusServiceUnavailable, rec.Code, u.filename)
		require.JSONEq(t, `{"detail":"ASR model large-v3 is unavailable or not loaded"}`, rec.Body.String())
	}
}

func TestTranscribeMalformedRequestIs422EvenWhenUnavailable(t *testing.T) {
	t.Parallel()

	router := newTestRouter(t, nil)

	rec := serve(router, multipartRequest(t, "/transcribe/", upload{fields: map[string]string{"language": "en"}}))
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	require.JSONEq(t, `{"detail":"file: field required"}`, rec.Body.String())

	rec = serve(router, multipartRequest(t, "/transcribe/?return_timestamps=maybe", upload{filename: "a.wav", content: []byte("RIFF")}))
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestTranscribeRejectsUnsupportedExtension(t *testing.T) {
	t.Parallel()

	engine := &fakeEngine{}
	rec := serve(newTestRouter(t, engine), multipartRequest(t, "/transcribe/", upload{filename: "a.xyz", content: []byte("data")}))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), ".mp3, .wav, .flac, .ogg, .m4a, .opus")
	require.Empty(t, engine.requests)
}

func TestTranscribeRejectsEmptyFile(t *testing.T) {
	t.Parallel()

	engine := &fakeEngine{}
	rec := serve(newTestRouter(t, engine), multipartRequest(t, "/transcribe/", upload{filename: "a.wav", content: []byte{}}))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.JSONEq(t, `{"detail":"uploaded file is empty"}`, rec.Body.String())
	require.Empty(t, engine.requests)
}

func TestTranscribeWithTimestamps(t *testing.T) {
	t.Parallel()

	engine := &fakeEngine{result: whisper.Result{
		Text: "hello world",
		Chunks: []whisper.Chunk{
			{Text: "hello", Start: 0.0, End: 0.5},
			{Text: "world", Start: 0.5, End: 1.0},
		},
	}}
	router := newTestRouter(t, engine)

	rec := serve(router, multipartRequest(t, "/transcribe/?return_timestamps=true", upload{filename: "speech.mp3", content: []byte("id3")}))
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"text":"hello world","timestamps":[{"text":"hello","start":0.0,"end":0.5},{"text":"world","start":0.5,"end":1.0}]}`, rec.Body.String())
	require.NotEmpty(t, rec.Header().Get(RequestIDHeader))

	require.Len(t, engine.requests, 1)
	require.Equal(t, whisper.GranularityWord, engine.requests[0].Granularity)
	require.Equal(t, "ru", engine.requests[0].Language)
	require.Equal(t, []byte("id3"), engine.requests[0].Audio)
}

func TestTranscribeWithoutTimestampsOmitsKey(t *testing.T) {
	t.Parallel()

	engine := &fakeEngine{result: whisper.Result{Text: " hello world ", Chunks: []whisper.Chunk{{Text: "hello world", End: 1}}}}
	rec := serve(newTestRouter(t, engine), multipartRequest(t, "/transcribe/", upload{
		filename: "speech.WAV",
		content:  []byte("RIFF"),
		fields:   map[string]string{"language": "en"},
	}))
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"text":"hello world"}`, rec.Body.String())
	require.Equal(t, whisper.GranularitySegment, engine.requests[0].Granularity)
	require.Equal(t, "en", engine.requests[0].Language)
}

func TestTranscribeEmptyTimestampsWhenNoChunks(t *testing.T) {
	t.Parallel()

	engine := &fakeEngine{result: whisper.Result{Text: "hmm"}}
	rec := serve(newTestRouter(t, engine), multipartRequest(t, "/transcribe/", upload{
		filename: "clip.opus",
		content:  []byte("OggS"),
		fields:   map[string]string{"return_timestamps": "yes"},
	}))
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"text":"hmm","timestamps":[]}`, rec.Body.String())
}

func TestTranscribeQueryWinsOverForm(t *testing.T) {
	t.Parallel()

	engine := &fakeEngine{}
	rec := serve(newTestRouter(t, engine), multipartRequest(t, "/transcribe/?language=de&return_timestamps=0", upload{
		filename: "a.flac",
		content:  []byte("fLaC"),
		fields:   map[string]string{"language": "fr", "return_timestamps": "true"},
	}))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "de", engine.requests[0].Language)
	require.Equal(t, whisper.GranularitySegment, engine.requests[0].Granularity)
}

func TestTranscribeEngineFailureIs500(t *testing.T) {
	t.Parallel()

	engine := &fakeEngine{err: errors.New("window 0 at 0s: whisper transcribe failed: exit status 1")}
	rec := serve(newTestRouter(t, engine), multipartRequest(t, "/transcribe/", upload{filename: "a.m4a", content: []byte("ftyp")}))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.JSONEq(t, `{"detail":"internal server error during transcription: window 0 at 0s: whisper transcribe failed: exit status 1"}`, rec.Body.String())
}

func TestTranscribeMalformedRequests(t *testing.T) {
	t.Parallel()

	router := newTestRouter(t, &fakeEngine{})

	rec := serve(router, multipartRequest(t, "/transcribe/", upload{fields: map[string]string{"language": "ru"}}))
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	require.JSONEq(t, `{"detail":"file: field required"}`, rec.Body.String())

	rec = serve(router, multipartRequest(t, "/transcribe/?return_timestamps=maybe", upload{filename: "a.wav", content: []byte("x")}))
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	require.Contains(t, rec.Body.String(), "valid boolean")

	req := httptest.NewRequest(http.MethodPost, "/transcribe/", strings.NewReader(`{"file":"x"}`))
	req.Header.Set("Content-Type", "application/json")
	rec = serve(router, req)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestTranscribeIgnoresClientCancellation(t *testing.T) {
	t.Parallel()

	engine := &fakeEngine{result: whisper.Result{Text: "ok"}}
	router := newTestRouter(t, engine)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := multipartRequest(t, "/transcribe/", upload{filename: "a.wav", content: []byte("x")}).WithContext(ctx)

	rec := serve(router, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, engine.ctxErr)
}

func TestRequestIDIsEchoed(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "abc-123")
	rec := serve(newTestRouter(t, &fakeEngine{}), req)
	require.Equal(t, "abc-123", rec.Header().Get(RequestIDHeader))
}

func TestUnknownRoutesUseDetailBody(t *testing.T) {
	t.Parallel()

	router := newTestRouter(t, &fakeEngine{})

	rec := serve(router, httptest.NewRequest(http.MethodGet, "/nope", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.JSONEq(t, `{"detail":"Not Found"}`, rec.Body.String())

	rec = serve(router, httptest.NewRequest(http.MethodGet, "/transcribe/", nil))
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	require.JSONEq(t, `{"detail":"Method Not Allowed"}`, rec.Body.String())
}

func TestCORSPreflight(t *testing.T) {
	t.Parallel()

	svc := transcription.NewService("tiny", nil)
	router := NewRouter(Options{Service: svc, CORSOrigins: []string{"http://localhost:5173"}})

	req := httptest.NewRequest(http.MethodOptions, "/transcribe/", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := serve(router, req)
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, "http://localhost:5173", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "http://evil.example")
	rec = serve(router, req)
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestRecoveryReturnsDetail(t *testing.T) {
	t.Parallel()

	router := NewRouter(Options{Service: panicService{}})
	rec := serve(router, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.JSONEq(t, `{"detail":"Internal Server Error"}`, rec.Body.String())
}

type panicService struct{}

func (panicService) Status() string { panic("boom") }

func (panicService) Transcribe(context.Context, transcription.Request) (transcription.Response, error) {
	return transcription.Response{}, io.EOF
}

func TestStatusFor(t *testing.T) {
	t.Parallel()

	require.Equal(t, http.StatusServiceUnavailable, StatusFor(transcription.KindUnavailable))
	require.Equal(t, http.StatusBadRequest, StatusFor(transcription.KindInvalidInput))
	require.Equal(t, http.StatusInternalServerError, StatusFor(transcription.KindInternal))
	require.Equal(t, http.StatusInternalServerError, StatusFor(""))
}
