package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/wafleet/internal/bus"
	"github.com/matheus3301/wafleet/internal/cache"
	"github.com/matheus3301/wafleet/internal/client"
	"github.com/matheus3301/wafleet/internal/media"
	"github.com/matheus3301/wafleet/internal/reconnect"
	"github.com/matheus3301/wafleet/internal/state"
)

const testNumber = "5511999990000"

type fakeSession struct {
	picURL string
}

func (f *fakeSession) Initialize(context.Context) error { return nil }
func (f *fakeSession) Destroy(context.Context) error    { return nil }
func (f *fakeSession) Reload(context.Context) error     { return nil }
func (f *fakeSession) SendMessage(context.Context, string, string) (string, error) {
	return "SRV-MSG-1", nil
}
func (f *fakeSession) Chats(context.Context) ([]cache.Chat, error) { return nil, nil }
func (f *fakeSession) GroupMetadata(context.Context, string) (cache.GroupMetadata, error) {
	return cache.GroupMetadata{}, nil
}
func (f *fakeSession) ProfilePicURL(context.Context, string) (string, error) {
	return f.picURL, nil
}
func (f *fakeSession) IsProcessAlive() bool        { return true }
func (f *fakeSession) Probe(context.Context) error { return nil }
func (f *fakeSession) HasIdentity() bool           { return true }
func (f *fakeSession) IsReady() bool               { return true }

type testEnv struct {
	srv    *Server
	bus    *bus.Bus
	states *state.Store
	cache  *cache.Cache
	pipe   *media.Pipeline
	mgr    *client.Manager

	mu    sync.Mutex
	saved [][]string
}

func newEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := zap.NewNop()
	b := bus.New()
	states := state.NewStore(b)
	ch := cache.New(logger)

	scfg := reconnect.DefaultConfig()
	scfg.BaseDelay = time.Hour
	sched := reconnect.NewScheduler(scfg, logger)
	t.Cleanup(sched.Stop)

	mcfg := media.DefaultConfig()
	mcfg.Workers = 0
	mcfg.QuickTimeout = 0
	mcfg.Dir = t.TempDir()
	pipe := media.New(mcfg, b, logger)

	factory := func(ctx context.Context, number string) (client.Session, error) {
		return &fakeSession{picURL: "https://example.invalid/pic.jpg"}, nil
	}
	mgr := client.NewManager(factory, states, ch, sched, pipe, b, logger)

	env := &testEnv{bus: b, states: states, cache: ch, pipe: pipe, mgr: mgr}
	env.srv = NewServer("127.0.0.1:0", Deps{
		Manager:  mgr,
		States:   states,
		Cache:    ch,
		Pipeline: pipe,
		SaveClients: func(numbers []string) error {
			env.mu.Lock()
			defer env.mu.Unlock()
			env.saved = append(env.saved, numbers)
			return nil
		},
	}, logger)
	return env
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v (%s)", err, w.Body.String())
	}
	return body
}

func TestHealthz(t *testing.T) {
	env := newEnv(t)
	w := env.do(t, http.MethodGet, "/healthz", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if body := decode(t, w); body["status"] != "ok" {
		t.Errorf("body = %v", body)
	}
}

func TestRequestIDHeader(t *testing.T) {
	env := newEnv(t)

	w := env.do(t, http.MethodGet, "/healthz", "")
	if w.Header().Get("X-Request-ID") == "" {
		t.Error("X-Request-ID not set")
	}

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "fixed-id")
	rec := httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(rec, req)
	if got := rec.Header().Get("X-Request-ID"); got != "fixed-id" {
		t.Errorf("X-Request-ID = %q, want propagated fixed-id", got)
	}
}

func TestAddClient(t *testing.T) {
	env := newEnv(t)

	w := env.do(t, http.MethodPost, "/clients", `{"number":"`+testNumber+`"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}

	env.mu.Lock()
	saves := len(env.saved)
	env.mu.Unlock()
	if saves != 1 {
		t.Errorf("roster saves = %d, want 1", saves)
	}

	// Duplicate.
	if w := env.do(t, http.MethodPost, "/clients", `{"number":"`+testNumber+`"}`); w.Code != http.StatusConflict {
		t.Errorf("duplicate status = %d, want 409", w.Code)
	}
}

func TestAddClientValidation(t *testing.T) {
	env := newEnv(t)
	if w := env.do(t, http.MethodPost, "/clients", `{}`); w.Code != http.StatusBadRequest {
		t.Errorf("missing number status = %d, want 400", w.Code)
	}
	if w := env.do(t, http.MethodPost, "/clients", `{"number":"abc"}`); w.Code != http.StatusBadRequest {
		t.Errorf("bad number status = %d, want 400", w.Code)
	}
}

func TestRemoveClient(t *testing.T) {
	env := newEnv(t)
	env.do(t, http.MethodPost, "/clients", `{"number":"`+testNumber+`"}`)

	if w := env.do(t, http.MethodDelete, "/clients/"+testNumber, ""); w.Code != http.StatusNoContent {
		t.Fatalf("status = %d", w.Code)
	}
	if w := env.do(t, http.MethodDelete, "/clients/"+testNumber, ""); w.Code != http.StatusNotFound {
		t.Errorf("second delete status = %d, want 404", w.Code)
	}
}

func TestListClients(t *testing.T) {
	env := newEnv(t)
	env.do(t, http.MethodPost, "/clients", `{"number":"`+testNumber+`"}`)

	w := env.do(t, http.MethodGet, "/clients", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	body := decode(t, w)
	clients, ok := body["clients"].([]any)
	if !ok || len(clients) != 1 {
		t.Fatalf("clients = %v", body["clients"])
	}
	entry := clients[0].(map[string]any)
	if entry["number"] != testNumber {
		t.Errorf("entry = %v", entry)
	}
}

func TestClientState(t *testing.T) {
	env := newEnv(t)
	env.do(t, http.MethodPost, "/clients", `{"number":"`+testNumber+`"}`)
	env.states.SetState(testNumber, state.Ready, nil)

	w := env.do(t, http.MethodGet, "/clients/"+testNumber+"/state", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	body := decode(t, w)
	if body["state"] != string(state.Ready) {
		t.Errorf("state = %v", body["state"])
	}
	if hist, ok := body["history"].([]any); !ok || len(hist) < 2 {
		t.Errorf("history = %v", body["history"])
	}

	if w := env.do(t, http.MethodGet, "/clients/552100000000/state", ""); w.Code != http.StatusNotFound {
		t.Errorf("unknown client status = %d, want 404", w.Code)
	}
}

func TestClientQR(t *testing.T) {
	env := newEnv(t)
	env.do(t, http.MethodPost, "/clients", `{"number":"`+testNumber+`"}`)

	if w := env.do(t, http.MethodGet, "/clients/"+testNumber+"/qr", ""); w.Code != http.StatusNotFound {
		t.Fatalf("no code yet, status = %d, want 404", w.Code)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	env.mgr.Start(ctx)
	env.bus.Emit(bus.KindQR, testNumber, bus.QRPayload{Code: "pairing-code"})

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok := env.mgr.QR(testNumber); ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("QR code never stored")
		}
		time.Sleep(5 * time.Millisecond)
	}

	w := env.do(t, http.MethodGet, "/clients/"+testNumber+"/qr?format=text", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if body := decode(t, w); body["code"] != "pairing-code" {
		t.Errorf("code = %v", body["code"])
	}

	w = env.do(t, http.MethodGet, "/clients/"+testNumber+"/qr", "")
	if w.Code != http.StatusOK {
		t.Fatalf("png status = %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "image/png" {
		t.Errorf("content type = %q", ct)
	}
	if w.Body.Len() == 0 {
		t.Error("empty png body")
	}
}

func TestForceReconnect(t *testing.T) {
	env := newEnv(t)
	env.do(t, http.MethodPost, "/clients", `{"number":"`+testNumber+`"}`)

	if w := env.do(t, http.MethodPost, "/clients/"+testNumber+"/reconnect", ""); w.Code != http.StatusAccepted {
		t.Errorf("status = %d, want 202", w.Code)
	}
	if w := env.do(t, http.MethodPost, "/clients/552100000000/reconnect", ""); w.Code != http.StatusNotFound {
		t.Errorf("unknown client status = %d, want 404", w.Code)
	}
}

func TestSendMessage(t *testing.T) {
	env := newEnv(t)
	env.do(t, http.MethodPost, "/clients", `{"number":"`+testNumber+`"}`)

	w := env.do(t, http.MethodPost, "/clients/"+testNumber+"/messages",
		`{"chat_id":"a@s.whatsapp.net","text":"hello"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	if body := decode(t, w); body["message_id"] != "SRV-MSG-1" {
		t.Errorf("message_id = %v", body["message_id"])
	}

	if w := env.do(t, http.MethodPost, "/clients/"+testNumber+"/messages", `{"text":"x"}`); w.Code != http.StatusBadRequest {
		t.Errorf("missing chat_id status = %d, want 400", w.Code)
	}
}

func TestListChatsAndUnread(t *testing.T) {
	env := newEnv(t)
	env.do(t, http.MethodPost, "/clients", `{"number":"`+testNumber+`"}`)
	env.cache.Initialize(testNumber, []cache.Chat{
		{ID: "a@s.whatsapp.net", Name: "Alice", Timestamp: 2},
		{ID: "b@s.whatsapp.net", Name: "Bob", Timestamp: 1},
	})
	env.cache.MarkUnread(testNumber, "a@s.whatsapp.net", false, 1)

	w := env.do(t, http.MethodGet, "/clients/"+testNumber+"/chats", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	body := decode(t, w)
	if chats := body["chats"].([]any); len(chats) != 2 {
		t.Errorf("chats = %d, want 2", len(chats))
	}
	if body["ready"] != true {
		t.Error("ready = false")
	}

	w = env.do(t, http.MethodGet, "/clients/"+testNumber+"/chats/unread", "")
	body = decode(t, w)
	if chats := body["chats"].([]any); len(chats) != 1 {
		t.Errorf("unread chats = %d, want 1", len(chats))
	}
}

func TestListGroups(t *testing.T) {
	env := newEnv(t)
	env.do(t, http.MethodPost, "/clients", `{"number":"`+testNumber+`"}`)
	env.cache.AddGroup(testNumber, "123@g.us", "Team")

	w := env.do(t, http.MethodGet, "/clients/"+testNumber+"/groups", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	body := decode(t, w)
	if groups := body["groups"].([]any); len(groups) != 1 {
		t.Errorf("groups = %v", body["groups"])
	}
}

func TestClientPicture(t *testing.T) {
	env := newEnv(t)
	env.do(t, http.MethodPost, "/clients", `{"number":"`+testNumber+`"}`)

	w := env.do(t, http.MethodGet, "/clients/"+testNumber+"/picture?chat=a@s.whatsapp.net", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if body := decode(t, w); body["url"] != "https://example.invalid/pic.jpg" {
		t.Errorf("url = %v", body["url"])
	}

	if w := env.do(t, http.MethodGet, "/clients/"+testNumber+"/picture", ""); w.Code != http.StatusBadRequest {
		t.Errorf("missing chat status = %d, want 400", w.Code)
	}
}

func TestMediaStatus(t *testing.T) {
	env := newEnv(t)

	if w := env.do(t, http.MethodGet, "/media/UNKNOWN", ""); w.Code != http.StatusNotFound {
		t.Fatalf("unknown media status = %d, want 404", w.Code)
	}

	env.pipe.Enqueue("M1", testNumber, "document", media.PriorityNormal,
		func(ctx context.Context) ([]byte, error) { return []byte("x"), nil })

	w := env.do(t, http.MethodGet, "/media/M1", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	body := decode(t, w)
	if body["status"] != string(media.StatusQueued) {
		t.Errorf("status = %v", body["status"])
	}
	if body["position"] != float64(1) {
		t.Errorf("position = %v", body["position"])
	}
}

func TestMediaFileNotFound(t *testing.T) {
	env := newEnv(t)
	if w := env.do(t, http.MethodGet, "/media/M1/file", ""); w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestMediaStats(t *testing.T) {
	env := newEnv(t)
	w := env.do(t, http.MethodGet, "/media-stats", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	body := decode(t, w)
	if body["queued"] != float64(0) {
		t.Errorf("queued = %v", body["queued"])
	}
}

func TestReconnectStatus(t *testing.T) {
	env := newEnv(t)
	w := env.do(t, http.MethodGet, "/reconnect-status", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestUnknownRoute(t *testing.T) {
	env := newEnv(t)
	w := env.do(t, http.MethodGet, "/nope", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d", w.Code)
	}
	if body := decode(t, w); body["code"] != errCodeNotFound {
		t.Errorf("code = %v", body["code"])
	}
}
