package worker

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aprudkin/whisper-bot/internal/groq"
	"github.com/aprudkin/whisper-bot/internal/metrics"
	"github.com/aprudkin/whisper-bot/internal/ratelimit"
	"github.com/aprudkin/whisper-bot/internal/storage"
	"github.com/aprudkin/whisper-bot/pkg/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const (
	allowedChat    = int64(-1001234567890)
	strangerChat   = int64(777)
	voiceAudio     = "OggS-voice-bytes"
	telegramPath   = "voice/file_1.oga"
	rawTranscript  = "привет как дела"
	correctedReply = "Привет, как дела?"
)

type MockMessenger struct {
	mock.Mock
}

func (m *MockMessenger) FilePath(ctx context.Context, fileID string) (string, error) {
	args := m.Called(ctx, fileID)
	return args.String(0), args.Error(1)
}

func (m *MockMessenger) Download(ctx context.Context, filePath string) (io.ReadCloser, error) {
	args := m.Called(ctx, filePath)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(io.ReadCloser), args.Error(1)
}

func (m *MockMessenger) Reply(ctx context.Context, job model.Job, text string) error {
	args := m.Called(ctx, job, text)
	return args.Error(0)
}

type MockTranscriber struct {
	mock.Mock
}

func (m *MockTranscriber) Transcribe(ctx context.Context, audioPath, language string) (*groq.TranscriptionResult, error) {
	args := m.Called(ctx, audioPath, language)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*groq.TranscriptionResult), args.Error(1)
}

type panicCorrector struct{}

func (panicCorrector) Correct(context.Context, string) string {
	panic("corrector exploded")
}

type stubSettings struct {
	allowed     map[int64]bool
	postprocess bool
}

func (s stubSettings) IsChatAllowed(chatID int64) bool { return s.allowed[chatID] }
func (s stubSettings) PostprocessEnabled() bool        { return s.postprocess }

func settings(postprocess bool) stubSettings {
	return stubSettings{allowed: map[int64]bool{allowedChat: true}, postprocess: postprocess}
}

func voiceJob(chatID int64) model.Job {
	return model.Job{
		ID:        "job-1",
		ChatID:    chatID,
		MessageID: 10,
		Sender:    "alice",
		Media: model.Media{
			Kind:     model.KindVoice,
			FileID:   "file-1",
			UniqueID: "AgADvoice",
			Duration: 5,
		},
	}
}

func videoJob(chatID int64) model.Job {
	return model.Job{
		ID:        "job-2",
		ChatID:    chatID,
		MessageID: 11,
		Sender:    "mallory",
		Media: model.Media{
			Kind:     model.KindVideoNote,
			FileID:   "file-2",
			UniqueID: "AgADvideo",
			Duration: 7,
		},
	}
}

func body(s string) io.ReadCloser {
	return io.NopCloser(strings.NewReader(s))
}

// groqServer serves both the transcription and the chat completion endpoint
type groqServer struct {
	*httptest.Server
	transcriptionCalls int32
	chatCalls          int32
	uploaded           []byte
	uploadedName       string
}

func newGroqServer(t *testing.T, transcriptionStatus int, transcriptionBody string, chatStatus int, chatContent string) *groqServer {
	t.Helper()
	gs := &groqServer{}

	mux := http.NewServeMux()
	mux.HandleFunc("/audio/transcriptions", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&gs.transcriptionCalls, 1)
		if file, fh, err := r.FormFile("file"); err == nil {
			gs.uploaded, _ = io.ReadAll(file)
			gs.uploadedName = fh.Filename
			file.Close()
		}
		w.Header().Set(groq.HeaderRemainingRequests, "1999")
		w.WriteHeader(transcriptionStatus)
		_, _ = w.Write([]byte(transcriptionBody))
	})
	mux.HandleFunc("/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&gs.chatCalls, 1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(chatStatus)
		if chatStatus != http.StatusOK {
			_, _ = w.Write([]byte(`{"error":{"message":"unavailable","type":"server_error"}}`))
			return
		}
		_, _ = w.Write([]byte(`{"id":"c1","object":"chat.completion","choices":[{"index":0,"message":{"role":"assistant","content":"` + chatContent + `"}}]}`))
	})

	gs.Server = httptest.NewServer(mux)
	t.Cleanup(gs.Close)
	return gs
}

type fixture struct {
	processor *Processor
	messenger *MockMessenger
	tracker   *ratelimit.Tracker
	scratch   string
}

func newFixture(t *testing.T, s stubSettings, transcriber Transcriber, corrector Corrector) *fixture {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "scratch")
	messenger := new(MockMessenger)

	p := NewProcessor(s, messenger, transcriber, corrector, storage.NewScratch(dir), metrics.New(), Options{
		Language:    "ru",
		Concurrency: 2,
	})

	return &fixture{processor: p, messenger: messenger, scratch: dir}
}

func newGroqFixture(t *testing.T, s stubSettings, gs *groqServer) *fixture {
	t.Helper()
	tracker := ratelimit.NewTracker()
	client := groq.NewClient("gsk_test", gs.URL, "", tracker)
	corrector := groq.NewCorrector("gsk_test", gs.URL, "")

	f := newFixture(t, s, client, corrector)
	f.tracker = tracker
	return f
}

func assertScratchEmpty(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return
	}
	require.NoError(t, err)
	assert.Empty(t, entries, "temporary files must not outlive the invocation")
}

func expectDownload(m *MockMessenger, job model.Job) {
	m.On("FilePath", mock.Anything, job.Media.FileID).Return(telegramPath, nil).Once()
	m.On("Download", mock.Anything, telegramPath).Return(body(voiceAudio), nil).Once()
}

func TestProcessor_VoiceNoteWithoutPostprocess(t *testing.T) {
	gs := newGroqServer(t, http.StatusOK, `{"text":"`+rawTranscript+`"}`, http.StatusOK, correctedReply)
	f := newGroqFixture(t, settings(false), gs)
	job := voiceJob(allowedChat)

	expectDownload(f.messenger, job)
	f.messenger.On("Reply", mock.Anything, job, rawTranscript).Return(nil).Once()

	f.processor.Handle(context.Background(), job)

	f.messenger.AssertExpectations(t)
	assert.Equal(t, int32(0), atomic.LoadInt32(&gs.chatCalls))
	assert.Equal(t, []byte(voiceAudio), gs.uploaded)
	assert.Equal(t, "AgADvoice.ogg", gs.uploadedName)
	assertScratchEmpty(t, f.scratch)

	r, ok := f.tracker.Current()
	require.True(t, ok)
	assert.Equal(t, int64(1999), r.RequestsRemaining)
}

func TestProcessor_VoiceNoteWithPostprocess(t *testing.T) {
	gs := newGroqServer(t, http.StatusOK, `{"text":"`+rawTranscript+`"}`, http.StatusOK, correctedReply)
	f := newGroqFixture(t, settings(true), gs)
	job := voiceJob(allowedChat)

	expectDownload(f.messenger, job)
	f.messenger.On("Reply", mock.Anything, job, correctedReply).Return(nil).Once()

	f.processor.Handle(context.Background(), job)

	f.messenger.AssertExpectations(t)
	assert.Equal(t, int32(1), atomic.LoadInt32(&gs.chatCalls))
	assertScratchEmpty(t, f.scratch)
}

func TestProcessor_PostprocessFailureKeepsRawTranscript(t *testing.T) {
	gs := newGroqServer(t, http.StatusOK, `{"text":"`+rawTranscript+`"}`, http.StatusInternalServerError, "")
	f := newGroqFixture(t, settings(true), gs)
	job := voiceJob(allowedChat)

	expectDownload(f.messenger, job)
	f.messenger.On("Reply", mock.Anything, job, rawTranscript).Return(nil).Once()

	f.processor.Handle(context.Background(), job)

	f.messenger.AssertExpectations(t)
	assert.Equal(t, int32(1), atomic.LoadInt32(&gs.chatCalls))
	assertScratchEmpty(t, f.scratch)
}

func TestProcessor_PostprocessLengthGuard(t *testing.T) {
	gs := newGroqServer(t, http.StatusOK, `{"text":"`+rawTranscript+`"}`, http.StatusOK, "Да.")
	f := newGroqFixture(t, settings(true), gs)
	job := voiceJob(allowedChat)

	expectDownload(f.messenger, job)
	f.messenger.On("Reply", mock.Anything, job, rawTranscript).Return(nil).Once()

	f.processor.Handle(context.Background(), job)

	f.messenger.AssertExpectations(t)
}

func TestProcessor_RateLimitedTranscription(t *testing.T) {
	gs := newGroqServer(t, http.StatusTooManyRequests, `{"error":{"message":"Rate limit reached"}}`, http.StatusOK, "")
	f := newGroqFixture(t, settings(true), gs)
	job := voiceJob(allowedChat)

	expectDownload(f.messenger, job)
	var reply string
	f.messenger.On("Reply", mock.Anything, job, mock.AnythingOfType("string")).
		Run(func(args mock.Arguments) { reply = args.String(2) }).
		Return(nil).Once()

	assert.NotPanics(t, func() {
		f.processor.Handle(context.Background(), job)
	})

	f.messenger.AssertExpectations(t)
	assert.True(t, strings.HasPrefix(reply, "Ошибка распознавания: "), reply)
	assert.Contains(t, reply, "429")
	assert.Equal(t, int32(0), atomic.LoadInt32(&gs.chatCalls))
	assertScratchEmpty(t, f.scratch)

	_, ok := f.tracker.Current()
	assert.False(t, ok)
}

func TestProcessor_UnauthorizedVideoNote(t *testing.T) {
	gs := newGroqServer(t, http.StatusOK, `{"text":"secret"}`, http.StatusOK, "Secret.")
	f := newGroqFixture(t, settings(true), gs)

	f.processor.Handle(context.Background(), videoJob(strangerChat))

	f.messenger.AssertNotCalled(t, "FilePath", mock.Anything, mock.Anything)
	f.messenger.AssertNotCalled(t, "Download", mock.Anything, mock.Anything)
	f.messenger.AssertNotCalled(t, "Reply", mock.Anything, mock.Anything, mock.Anything)
	assert.Equal(t, int32(0), atomic.LoadInt32(&gs.transcriptionCalls))
	assert.Equal(t, int32(0), atomic.LoadInt32(&gs.chatCalls))

	_, err := os.Stat(f.scratch)
	assert.True(t, os.IsNotExist(err), "no scratch file may be created for unauthorized chats")
}

func TestProcessor_EmptyTranscript(t *testing.T) {
	transcriber := new(MockTranscriber)
	transcriber.On("Transcribe", mock.Anything, mock.Anything, "ru").
		Return(&groq.TranscriptionResult{Text: "   "}, nil).Once()
	f := newFixture(t, settings(true), transcriber, panicCorrector{})
	job := voiceJob(allowedChat)

	expectDownload(f.messenger, job)
	f.messenger.On("Reply", mock.Anything, job, MsgEmptyRecording).Return(nil).Once()

	f.processor.Handle(context.Background(), job)

	f.messenger.AssertExpectations(t)
	transcriber.AssertExpectations(t)
	assertScratchEmpty(t, f.scratch)
}

func TestProcessor_TempFileLifecycle(t *testing.T) {
	transcriber := new(MockTranscriber)
	f := newFixture(t, settings(false), transcriber, nil)
	job := videoJob(allowedChat)

	expectedPath := filepath.Join(f.scratch, "AgADvideo.mp4")
	transcriber.On("Transcribe", mock.Anything, expectedPath, "ru").
		Run(func(args mock.Arguments) {
			data, err := os.ReadFile(args.String(1))
			require.NoError(t, err)
			assert.Equal(t, voiceAudio, string(data))
		}).
		Return(&groq.TranscriptionResult{Text: "hello"}, nil).Once()

	expectDownload(f.messenger, job)
	f.messenger.On("Reply", mock.Anything, job, "hello").Return(nil).Once()

	f.processor.Handle(context.Background(), job)

	transcriber.AssertExpectations(t)
	f.messenger.AssertExpectations(t)
	_, err := os.Stat(expectedPath)
	assert.True(t, os.IsNotExist(err))
}

func TestProcessor_FilePathUnavailable(t *testing.T) {
	transcriber := new(MockTranscriber)
	f := newFixture(t, settings(false), transcriber, nil)
	job := voiceJob(allowedChat)

	f.messenger.On("FilePath", mock.Anything, job.Media.FileID).Return("", nil).Once()
	f.messenger.On("Reply", mock.Anything, job, MsgFileUnavailable).Return(nil).Once()

	f.processor.Handle(context.Background(), job)

	f.messenger.AssertExpectations(t)
	transcriber.AssertNotCalled(t, "Transcribe", mock.Anything, mock.Anything, mock.Anything)
	assertScratchEmpty(t, f.scratch)
}

func TestProcessor_TransportErrorOnDownload(t *testing.T) {
	transcriber := new(MockTranscriber)
	f := newFixture(t, settings(false), transcriber, nil)
	job := voiceJob(allowedChat)

	f.messenger.On("FilePath", mock.Anything, job.Media.FileID).Return(telegramPath, nil).Once()
	f.messenger.On("Download", mock.Anything, telegramPath).
		Return(nil, &TransportError{Op: "download", Err: errors.New("connection reset")}).Once()
	f.messenger.On("Reply", mock.Anything, job, MsgDownloadError).Return(nil).Once()

	f.processor.Handle(context.Background(), job)

	f.messenger.AssertExpectations(t)
	transcriber.AssertNotCalled(t, "Transcribe", mock.Anything, mock.Anything, mock.Anything)
	assertScratchEmpty(t, f.scratch)
}

func TestProcessor_ReplyFailureStillCleansUp(t *testing.T) {
	transcriber := new(MockTranscriber)
	transcriber.On("Transcribe", mock.Anything, mock.Anything, "ru").
		Return(&groq.TranscriptionResult{Text: "hello"}, nil).Once()
	f := newFixture(t, settings(false), transcriber, nil)
	job := voiceJob(allowedChat)

	expectDownload(f.messenger, job)
	f.messenger.On("Reply", mock.Anything, job, "hello").
		Return(&TransportError{Op: "send", Err: errors.New("forbidden")}).Once()
	f.messenger.On("Reply", mock.Anything, job, MsgDownloadError).
		Return(&TransportError{Op: "send", Err: errors.New("forbidden")}).Once()

	assert.NotPanics(t, func() {
		f.processor.Handle(context.Background(), job)
	})

	f.messenger.AssertExpectations(t)
	assertScratchEmpty(t, f.scratch)
}

func TestProcessor_TranscriberPanicIsContained(t *testing.T) {
	transcriber := new(MockTranscriber)
	transcriber.On("Transcribe", mock.Anything, mock.Anything, "ru").
		Run(func(mock.Arguments) { panic("decoder crashed") }).
		Return(nil, nil).Once()
	f := newFixture(t, settings(false), transcriber, nil)
	job := voiceJob(allowedChat)

	expectDownload(f.messenger, job)
	var reply string
	f.messenger.On("Reply", mock.Anything, job, mock.AnythingOfType("string")).
		Run(func(args mock.Arguments) { reply = args.String(2) }).
		Return(nil).Once()

	assert.NotPanics(t, func() {
		f.processor.Handle(context.Background(), job)
	})

	assert.Contains(t, reply, "Ошибка распознавания")
	assert.Contains(t, reply, "decoder crashed")
	assertScratchEmpty(t, f.scratch)
}

func TestProcessor_CorrectorPanicKeepsRawTranscript(t *testing.T) {
	transcriber := new(MockTranscriber)
	transcriber.On("Transcribe", mock.Anything, mock.Anything, "ru").
		Return(&groq.TranscriptionResult{Text: rawTranscript}, nil).Once()
	f := newFixture(t, settings(true), transcriber, panicCorrector{})
	job := voiceJob(allowedChat)

	expectDownload(f.messenger, job)
	f.messenger.On("Reply", mock.Anything, job, rawTranscript).Return(nil).Once()

	f.processor.Handle(context.Background(), job)

	f.messenger.AssertExpectations(t)
}

func TestProcessor_BusyWhenSaturated(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})

	transcriber := new(MockTranscriber)
	transcriber.On("Transcribe", mock.Anything, mock.Anything, "ru").
		Run(func(mock.Arguments) {
			close(started)
			<-release
		}).
		Return(&groq.TranscriptionResult{Text: "first"}, nil).Once()

	messenger := new(MockMessenger)
	dir := filepath.Join(t.TempDir(), "scratch")
	p := NewProcessor(settings(false), messenger, transcriber, nil, storage.NewScratch(dir), nil, Options{
		Language:    "ru",
		Concurrency: 1,
	})

	first := voiceJob(allowedChat)
	second := videoJob(allowedChat)

	expectDownload(messenger, first)
	messenger.On("Reply", mock.Anything, first, "first").Return(nil).Once()
	messenger.On("Reply", mock.Anything, second, MsgBusy).Return(nil).Once()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.Handle(context.Background(), first)
	}()

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("first job did not start")
	}

	p.Handle(context.Background(), second)
	close(release)
	wg.Wait()

	messenger.AssertExpectations(t)
	assertScratchEmpty(t, dir)
}

// echoTranscriber returns the scratch file content as the transcript. The
// first call waits for release before reading the file.
type echoTranscriber struct {
	calls   int32
	started chan struct{}
	release chan struct{}
}

func (e *echoTranscriber) Transcribe(ctx context.Context, audioPath, language string) (*groq.TranscriptionResult, error) {
	if atomic.AddInt32(&e.calls, 1) == 1 {
		close(e.started)
		<-e.release
	}
	data, err := os.ReadFile(audioPath)
	if err != nil {
		return nil, err
	}
	return &groq.TranscriptionResult{Text: string(data)}, nil
}

func TestProcessor_ForwardedNotesDoNotShareScratchFile(t *testing.T) {
	transcriber := &echoTranscriber{
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
	f := newFixture(t, settings(false), transcriber, nil)

	original := voiceJob(allowedChat)
	forwarded := voiceJob(allowedChat)
	forwarded.ID = "job-forwarded"
	forwarded.MessageID = 20
	forwarded.Media.FileID = "file-forwarded"

	secondWaiting := make(chan struct{})
	f.messenger.On("FilePath", mock.Anything, original.Media.FileID).Return("voice/original.oga", nil).Once()
	f.messenger.On("Download", mock.Anything, "voice/original.oga").Return(body("original audio"), nil).Once()
	f.messenger.On("FilePath", mock.Anything, forwarded.Media.FileID).
		Run(func(mock.Arguments) { close(secondWaiting) }).
		Return("voice/forwarded.oga", nil).Once()
	f.messenger.On("Download", mock.Anything, "voice/forwarded.oga").Return(body("forwarded audio"), nil).Once()
	f.messenger.On("Reply", mock.Anything, original, "original audio").Return(nil).Once()
	f.messenger.On("Reply", mock.Anything, forwarded, "forwarded audio").Return(nil).Once()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		f.processor.Handle(context.Background(), original)
	}()

	select {
	case <-transcriber.started:
	case <-time.After(2 * time.Second):
		t.Fatal("first job did not start")
	}

	go func() {
		defer wg.Done()
		f.processor.Handle(context.Background(), forwarded)
	}()

	select {
	case <-secondWaiting:
	case <-time.After(2 * time.Second):
		t.Fatal("second job did not start")
	}
	// let the second job reach the scratch file while the first still uses it
	time.Sleep(50 * time.Millisecond)
	close(transcriber.release)
	wg.Wait()

	f.messenger.AssertExpectations(t)
	assert.Equal(t, int32(2), atomic.LoadInt32(&transcriber.calls))
	assertScratchEmpty(t, f.scratch)
}
