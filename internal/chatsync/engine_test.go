package chatsync

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"pmchat/internal/domain"
	"pmchat/internal/identity"
	"pmchat/internal/metrics"
	"pmchat/internal/multimodal"
	"pmchat/internal/remote"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeStore is an in-memory domain.RemoteStore.
type fakeStore struct {
	mu         sync.Mutex
	history    map[domain.ConversationKey]*domain.History
	historyErr error
	upsertErr  error
	upserts    []domain.ConversationMeta
	block      chan struct{} // when set, History waits on it
	entered    chan struct{} // closed when History is first called
}

func newFakeStore() *fakeStore {
	return &fakeStore{history: make(map[domain.ConversationKey]*domain.History)}
}

func (s *fakeStore) History(ctx context.Context, key domain.ConversationKey) (*domain.History, error) {
	if s.entered != nil {
		close(s.entered)
	}
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.historyErr != nil {
		return nil, s.historyErr
	}
	h, ok := s.history[key]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &domain.History{Messages: domain.CloneMessages(h.Messages), Title: h.Title}, nil
}

func (s *fakeStore) UpsertConversation(ctx context.Context, meta domain.ConversationMeta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.upsertErr != nil {
		return s.upsertErr
	}
	s.upserts = append(s.upserts, meta)
	return nil
}

// ctxBody blocks reads until its context is done.
type ctxBody struct{ ctx context.Context }

func (b ctxBody) Read(p []byte) (int, error) {
	<-b.ctx.Done()
	return 0, b.ctx.Err()
}
func (b ctxBody) Close() error { return nil }

// fakeCompleter records requests and answers with reply, or blocks when hang
// is set.
type fakeCompleter struct {
	mu        sync.Mutex
	reply     string
	err       error
	hang      bool
	hangBody  bool
	started   chan struct{}
	requests  []domain.ChatRequest
	endpoints []string
}

func (c *fakeCompleter) Stream(ctx context.Context, endpoint string, req domain.ChatRequest) (io.ReadCloser, error) {
	c.mu.Lock()
	c.requests = append(c.requests, req)
	c.endpoints = append(c.endpoints, endpoint)
	c.mu.Unlock()
	if c.started != nil {
		close(c.started)
	}
	if c.hang {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if c.err != nil {
		return nil, c.err
	}
	if c.hangBody {
		return ctxBody{ctx: ctx}, nil
	}
	return io.NopCloser(strings.NewReader(c.reply)), nil
}

// spyEncoder counts calls and optionally fails.
type spyEncoder struct {
	calls int
	err   error
	inner *multimodal.Encoder
}

func (s *spyEncoder) Encode(ctx context.Context, files []multimodal.File) ([]domain.Part, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.inner.Encode(ctx, files)
}

type fixture struct {
	engine    *Engine
	store     *fakeStore
	completer *fakeCompleter
	encoder   *spyEncoder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:     newFakeStore(),
		completer: &fakeCompleter{reply: "ok"},
		encoder:   &spyEncoder{inner: multimodal.NewEncoder(multimodal.EncoderConfig{Logger: testLogger()})},
	}
	f.engine = New(Config{
		Store:     f.store,
		Completer: f.completer,
		Router:    remote.NewRouter(remote.DefaultEndpoints()),
		Encoder:   f.encoder,
		Logger:    testLogger(),
	})
	return f
}

func textMsg(id string, role domain.MessageRole, text string) domain.Message {
	return domain.Message{ID: id, Role: role, Parts: []domain.Part{domain.TextPart(text)}}
}

var (
	poKey  = identity.DeriveKey(domain.RoleProductOwner, identity.Ref(42), identity.Ref(9))
	devKey = identity.DeriveKey(domain.RoleDeveloper, nil, identity.Ref(1))
)

// --- Load ---

func TestLoad_NotFoundIsEmptyAndNotAnError(t *testing.T) {
	f := newFixture(t)
	called := false
	f.engine.OnHistory(func(domain.ConversationKey, []domain.Message) { called = true })

	msgs, err := f.engine.Load(context.Background(), poKey)

	require.NoError(t, err)
	assert.NotNil(t, msgs)
	assert.Empty(t, msgs)
	assert.NoError(t, f.engine.Err(poKey))
	assert.Equal(t, uint64(0), f.engine.Cache().Revision(poKey))
	assert.Equal(t, 1, f.engine.Cache().Len())
	assert.False(t, called)
}

func TestLoad_ReplacesCacheAndNotifies(t *testing.T) {
	f := newFixture(t)
	f.store.history[poKey] = &domain.History{
		Title:    "Sprint 3",
		Messages: []domain.Message{textMsg("1", domain.MessageUser, "plan"), textMsg("2", domain.MessageAssistant, "done")},
	}

	var observedKey domain.ConversationKey
	var observed []domain.Message
	unsubscribe := f.engine.OnHistory(func(key domain.ConversationKey, msgs []domain.Message) {
		observedKey = key
		observed = msgs
	})

	msgs, err := f.engine.Load(context.Background(), poKey)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, poKey, observedKey)
	assert.Equal(t, msgs, observed)

	conv := f.engine.Conversation(poKey)
	assert.Equal(t, "Sprint 3", conv.Title)
	assert.Len(t, conv.Messages, 2)

	unsubscribe()
	observed = nil
	_, err = f.engine.Load(context.Background(), poKey)
	require.NoError(t, err)
	assert.Nil(t, observed)
}

func TestLoad_FailureRecordedAndCacheUnchanged(t *testing.T) {
	f := newFixture(t)
	f.engine.Cache().AppendMessage(poKey, textMsg("a", domain.MessageAssistant, "kept"))
	f.store.historyErr = &domain.NetworkError{Op: "history", Err: errors.New("connection reset")}

	msgs, err := f.engine.Load(context.Background(), poKey)

	assert.Nil(t, msgs)
	var netErr *domain.NetworkError
	require.ErrorAs(t, err, &netErr)
	assert.Equal(t, err, f.engine.Err(poKey))
	require.Len(t, f.engine.Conversation(poKey).Messages, 1)

	f.store.historyErr = nil
	_, err = f.engine.Load(context.Background(), poKey)
	require.NoError(t, err)
	assert.NoError(t, f.engine.Err(poKey), "successful load clears the stored error")
}

func TestLoad_StaleResultDoesNotOverwriteNewerAppend(t *testing.T) {
	f := newFixture(t)
	f.store.history[poKey] = &domain.History{Messages: []domain.Message{textMsg("old", domain.MessageUser, "old")}}
	f.store.block = make(chan struct{})
	f.store.entered = make(chan struct{})

	called := false
	f.engine.OnHistory(func(domain.ConversationKey, []domain.Message) { called = true })

	done := make(chan []domain.Message)
	go func() {
		msgs, err := f.engine.Load(context.Background(), poKey)
		assert.NoError(t, err)
		done <- msgs
	}()

	<-f.store.entered
	f.engine.AppendAssistant(poKey, "fresh reply")
	close(f.store.block)

	msgs := <-done
	require.Len(t, msgs, 1)
	assert.Equal(t, "fresh reply", msgs[0].Text())
	assert.False(t, called)
	assert.Equal(t, "fresh reply", f.engine.Conversation(poKey).Messages[0].Text())
}

func TestLoad_CanceledIsSilent(t *testing.T) {
	f := newFixture(t)
	f.store.block = make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	msgs, err := f.engine.Load(ctx, poKey)

	assert.Nil(t, msgs)
	assert.NoError(t, err)
	assert.NoError(t, f.engine.Err(poKey))
}

// --- Send ---

func TestSend_NoFilesSkipsEncoder(t *testing.T) {
	f := newFixture(t)

	h, err := f.engine.Send(context.Background(), SendRequest{Key: poKey, Text: "plan sprint 3"})
	require.NoError(t, err)
	require.NotNil(t, h)
	defer h.Close()

	assert.Equal(t, 0, f.encoder.calls)
	require.Len(t, f.completer.requests, 1)
	msg := f.completer.requests[0].Message
	assert.Equal(t, domain.MessageUser, msg.Role)
	assert.NotEmpty(t, msg.ID)
	require.Len(t, msg.Parts, 1)
	assert.Equal(t, domain.TextPart("plan sprint 3"), msg.Parts[0])
}

func TestSend_FilesFollowTextInOrder(t *testing.T) {
	f := newFixture(t)
	files := []multimodal.File{
		multimodal.MemoryFile("a.txt", "text/plain", []byte("A")),
		multimodal.MemoryFile("b.png", "image/png", []byte("B")),
		multimodal.MemoryFile("c.pdf", "application/pdf", []byte("C")),
	}

	h, err := f.engine.Send(context.Background(), SendRequest{Key: devKey, Text: "review these", Files: files})
	require.NoError(t, err)
	defer h.Close()

	assert.Equal(t, 1, f.encoder.calls)
	parts := f.completer.requests[0].Message.Parts
	require.Len(t, parts, len(files)+1)
	assert.Equal(t, domain.TextPart("review these"), parts[0])
	for i, name := range []string{"a.txt", "b.png", "c.pdf"} {
		assert.Equal(t, domain.PartFile, parts[i+1].Kind)
		assert.Equal(t, name, parts[i+1].Filename)
	}
}

func TestSend_EncoderFailureFallsBackToText(t *testing.T) {
	f := newFixture(t)
	f.encoder.err = &domain.EncodingError{File: "x.bin", Err: errors.New("unreadable")}

	h, err := f.engine.Send(context.Background(), SendRequest{
		Key:   devKey,
		Text:  "with attachment",
		Files: []multimodal.File{multimodal.MemoryFile("x.bin", "", []byte("x"))},
	})
	require.NoError(t, err)
	defer h.Close()

	parts := f.completer.requests[0].Message.Parts
	require.Len(t, parts, 1)
	assert.Equal(t, "with attachment", parts[0].Text)
	assert.NoError(t, f.engine.Err(devKey))
}

func TestSend_DoesNotCacheUserMessage(t *testing.T) {
	f := newFixture(t)

	h, err := f.engine.Send(context.Background(), SendRequest{Key: poKey, Text: "hello"})
	require.NoError(t, err)
	defer h.Close()

	assert.Empty(t, f.engine.Conversation(poKey).Messages)
	assert.Equal(t, uint64(0), f.engine.Cache().Revision(poKey))
}

func TestSend_UpsertCarriesConversationMeta(t *testing.T) {
	f := newFixture(t)

	h, err := f.engine.Send(context.Background(), SendRequest{Key: poKey, Text: "hi", Model: "large", WebSearch: true})
	require.NoError(t, err)
	defer h.Close()

	require.Len(t, f.store.upserts, 1)
	meta := f.store.upserts[0]
	assert.Equal(t, poKey, meta.Key)
	assert.Equal(t, domain.RoleProductOwner, meta.Role)
	require.NotNil(t, meta.ProjectID)
	assert.Equal(t, int64(42), *meta.ProjectID)

	req := f.completer.requests[0]
	assert.Equal(t, "/api/chat/product-owner", f.completer.endpoints[0])
	assert.Equal(t, "large", req.Model)
	assert.True(t, req.WebSearch)
	assert.Equal(t, int64(42), *req.ProjectID)
}

func TestSend_UnmappedRoleFailsBeforeNetwork(t *testing.T) {
	f := newFixture(t)
	key := identity.DeriveKey("stakeholder", identity.Ref(1), nil)

	h, err := f.engine.Send(context.Background(), SendRequest{Key: key, Text: "hi"})

	assert.Nil(t, h)
	var cfgErr *domain.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Empty(t, f.store.upserts)
	assert.Empty(t, f.completer.requests)
	assert.Equal(t, err, f.engine.Err(key))
}

func TestSend_UpsertFailureStopsSend(t *testing.T) {
	f := newFixture(t)
	f.store.upsertErr = &domain.RequestFailedError{Op: "upsert conversation", StatusCode: 500}

	h, err := f.engine.Send(context.Background(), SendRequest{Key: poKey, Text: "hi"})

	assert.Nil(t, h)
	var reqErr *domain.RequestFailedError
	require.ErrorAs(t, err, &reqErr)
	assert.Empty(t, f.completer.requests)
	assert.Error(t, f.engine.Err(poKey))
}

func TestSend_StreamFailureRecorded(t *testing.T) {
	f := newFixture(t)
	f.completer.err = &domain.RequestFailedError{Op: "stream", StatusCode: 502}

	h, err := f.engine.Send(context.Background(), SendRequest{Key: poKey, Text: "hi"})

	assert.Nil(t, h)
	var reqErr *domain.RequestFailedError
	require.ErrorAs(t, err, &reqErr)
	assert.Equal(t, 502, reqErr.StatusCode)
	assert.Empty(t, f.engine.Conversation(poKey).Messages)
}

func TestSend_EmptyMessageRejected(t *testing.T) {
	f := newFixture(t)
	failures := metrics.SendFailures.Value()

	_, err := f.engine.Send(context.Background(), SendRequest{Key: poKey, Text: "   "})
	assert.ErrorIs(t, err, domain.ErrEmptyMessage)
	assert.ErrorIs(t, f.engine.Err(poKey), domain.ErrEmptyMessage)
	assert.Equal(t, failures+1, metrics.SendFailures.Value())
	assert.Empty(t, f.store.upserts)
}

func TestSend_CancelBeforeResponseIsSilent(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	f := newFixture(t)
	f.completer.hang = true
	f.completer.started = make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	type result struct {
		h   *StreamHandle
		err error
	}
	done := make(chan result)
	go func() {
		h, err := f.engine.Send(ctx, SendRequest{Key: poKey, Text: "never mind"})
		done <- result{h, err}
	}()

	<-f.completer.started
	cancel()
	res := <-done

	assert.Nil(t, res.h)
	assert.NoError(t, res.err)
	assert.NoError(t, f.engine.Err(poKey))
	assert.Empty(t, f.engine.Conversation(poKey).Messages)
}

// --- Stream consumption ---

func TestComplete_AppendsAssistantAfterDrain(t *testing.T) {
	f := newFixture(t)
	f.completer.reply = "Sprint 3 planned."

	h, err := f.engine.Send(context.Background(), SendRequest{Key: poKey, Text: "plan sprint 3"})
	require.NoError(t, err)

	var chunks []string
	msg, ok, err := f.engine.Complete(poKey, h, func(c string) { chunks = append(chunks, c) })
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, domain.MessageAssistant, msg.Role)
	assert.Equal(t, "Sprint 3 planned.", strings.Join(chunks, ""))

	conv := f.engine.Conversation(poKey)
	require.Len(t, conv.Messages, 1)
	assert.Equal(t, "Sprint 3 planned.", conv.Messages[0].Text())
}

func TestComplete_CanceledStreamAppendsNothing(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	f := newFixture(t)
	f.completer.hangBody = true

	ctx, cancel := context.WithCancel(context.Background())
	h, err := f.engine.Send(ctx, SendRequest{Key: poKey, Text: "long answer please"})
	require.NoError(t, err)

	done := make(chan bool)
	go func() {
		_, ok, err := f.engine.Complete(poKey, h, nil)
		assert.NoError(t, err)
		done <- ok
	}()
	cancel()

	assert.False(t, <-done)
	assert.True(t, h.Canceled())
	assert.Empty(t, f.engine.Conversation(poKey).Messages)
	assert.NoError(t, f.engine.Err(poKey))
}

func TestStreamHandle_SingleConsumer(t *testing.T) {
	f := newFixture(t)

	h, err := f.engine.Send(context.Background(), SendRequest{Key: devKey, Text: "hi"})
	require.NoError(t, err)

	text, err := h.Consume(nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", text)

	_, err = h.Consume(nil)
	assert.ErrorIs(t, err, domain.ErrStreamConsumed)
	assert.NoError(t, h.Close(), "Close after Consume is a no-op")
}

func TestAppendAssistant_SingleTextPart(t *testing.T) {
	f := newFixture(t)

	msg := f.engine.AppendAssistant(devKey, "done")

	assert.NotEmpty(t, msg.ID)
	assert.Equal(t, []domain.Part{domain.TextPart("done")}, msg.Parts)
	assert.Len(t, f.engine.Conversation(devKey).Messages, 1)
}

func TestOpen_DerivesKey(t *testing.T) {
	f := newFixture(t)

	conv := f.engine.Open(domain.RoleProductOwner, identity.Ref(42), identity.Ref(9))

	assert.Equal(t, domain.ConversationKey("product-owner:proj-42:user-9"), conv.Key)
	assert.Equal(t, domain.RoleProductOwner, conv.Role)
}
