package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/wuwenbin0122/chatrelay/internal/auth"
	"github.com/wuwenbin0122/chatrelay/internal/completion"
	"github.com/wuwenbin0122/chatrelay/internal/models"
	"github.com/wuwenbin0122/chatrelay/internal/store"
)

type staticVerifier map[string]int64

func (v staticVerifier) VerifyToken(_ context.Context, token string) (*auth.Claims, error) {
	userID, ok := v[token]
	if !ok {
		return nil, auth.ErrInvalidToken
	}
	return &auth.Claims{UserID: userID}, nil
}

func newTestServer(t *testing.T, r *Relay, verifier TokenVerifier) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	router := gin.New()
	NewHandler(r, verifier).RegisterRoutes(router)

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/chatbot" + query
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readText(t *testing.T, conn *websocket.Conn) string {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	messageType, payload, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.TextMessage, messageType)
	return string(payload)
}

func writeText(t *testing.T, conn *websocket.Conn, text string) {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(text)))
}

func TestWebsocketScenario(t *testing.T) {
	var upstreamCalls atomic.Int32
	r := New(completerFunc(func(_ context.Context, prompt string, _ int) (string, error) {
		upstreamCalls.Add(1)
		if prompt != "Answer the following question: hello" {
			return "unexpected prompt: " + prompt, nil
		}
		return "hi there", nil
	}), nil, nil, Options{WriteTimeout: time.Second, ReadLimit: 1024}, nil)
	srv := newTestServer(t, r, nil)

	conn := dial(t, srv, "")
	require.Equal(t, WelcomeText, readText(t, conn))

	writeText(t, conn, "")
	require.Equal(t, InvalidQuestionText, readText(t, conn))
	require.Zero(t, upstreamCalls.Load())

	writeText(t, conn, "hello")
	require.Equal(t, "hi there", readText(t, conn))
	require.EqualValues(t, 1, upstreamCalls.Load())

	require.NoError(t, conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")))
	require.Eventually(t, func() bool { return r.Registry().Count() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestDisconnectDoesNotAffectOtherSessions(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})

	r := New(completerFunc(func(_ context.Context, prompt string, _ int) (string, error) {
		if strings.HasSuffix(prompt, "slow") {
			close(entered)
			<-release
			return "late answer", nil
		}
		return "fast answer", nil
	}), nil, nil, Options{WriteTimeout: time.Second}, nil)
	srv := newTestServer(t, r, nil)

	slow := dial(t, srv, "")
	fast := dial(t, srv, "")
	require.Equal(t, WelcomeText, readText(t, slow))
	require.Equal(t, WelcomeText, readText(t, fast))

	writeText(t, slow, "slow")
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("slow question never reached the completer")
	}
	require.NoError(t, slow.Close())

	writeText(t, fast, "fast")
	require.Equal(t, "fast answer", readText(t, fast))

	close(release)
	require.Eventually(t, func() bool { return r.Registry().Count() == 1 }, 2*time.Second, 10*time.Millisecond)

	writeText(t, fast, "again")
	require.Equal(t, "fast answer", readText(t, fast))
}

func TestWebsocketUpstreamFailureKeepsChannelOpen(t *testing.T) {
	fail := true
	r := New(completerFunc(func(context.Context, string, int) (string, error) {
		if fail {
			fail = false
			return "", &completion.UpstreamError{Kind: completion.KindTimeout, Message: "upstream did not respond in time"}
		}
		return "ok", nil
	}), nil, nil, Options{}, nil)
	srv := newTestServer(t, r, nil)

	conn := dial(t, srv, "")
	require.Equal(t, WelcomeText, readText(t, conn))
	writeText(t, conn, "one")
	require.Equal(t, "Error: upstream did not respond in time", readText(t, conn))
	writeText(t, conn, "two")
	require.Equal(t, "ok", readText(t, conn))
}

// conversationFixture stores a conversation owned by one user and a second
// user who must not be able to write into it.
type conversationFixture struct {
	mem    *store.Memory
	conv   *models.Conversation
	tokens staticVerifier
}

func newConversationFixture(t *testing.T) conversationFixture {
	t.Helper()
	ctx := context.Background()

	mem := store.NewMemory()
	owner := &models.User{Name: "carol", Email: "carol@example.com", Password: "hash"}
	require.NoError(t, mem.CreateUser(ctx, owner))
	other := &models.User{Name: "mallory", Email: "mallory@example.com", Password: "hash"}
	require.NoError(t, mem.CreateUser(ctx, other))

	conv, err := mem.CreateConversation(ctx, owner.ID, "general")
	require.NoError(t, err)

	return conversationFixture{
		mem:    mem,
		conv:   conv,
		tokens: staticVerifier{"owner-token": owner.ID, "other-token": other.ID},
	}
}

func (f conversationFixture) messages(t *testing.T) []models.Message {
	t.Helper()
	msgs, err := f.mem.ListMessages(context.Background(), f.conv.ID)
	require.NoError(t, err)
	return msgs
}

func TestWebsocketBindsConversationForOwnerOnly(t *testing.T) {
	fx := newConversationFixture(t)
	r := New(completerFunc(func(context.Context, string, int) (string, error) {
		return "stored answer", nil
	}), fx.mem, nil, Options{}, nil)
	srv := newTestServer(t, r, fx.tokens)

	base := "ws" + strings.TrimPrefix(srv.URL, "http") + "/chatbot?conversation_id="
	convID := strconv.FormatInt(fx.conv.ID, 10)

	handshake := func(rawURL string, header http.Header) int {
		t.Helper()
		_, resp, err := websocket.DefaultDialer.Dial(rawURL, header)
		require.ErrorIs(t, err, websocket.ErrBadHandshake)
		require.NotNil(t, resp)
		return resp.StatusCode
	}
	bearer := func(token string) http.Header {
		return http.Header{"Authorization": []string{"Bearer " + token}}
	}

	require.Equal(t, http.StatusBadRequest, handshake(base+"abc", nil))
	require.Equal(t, http.StatusUnauthorized, handshake(base+convID, nil))
	require.Equal(t, http.StatusUnauthorized, handshake(base+"999", nil))
	require.Equal(t, http.StatusUnauthorized, handshake(base+convID, bearer("forged-token")))
	require.Equal(t, http.StatusForbidden, handshake(base+convID, bearer("other-token")))
	require.Equal(t, http.StatusNotFound, handshake(base+"999", bearer("owner-token")))
	require.Empty(t, fx.messages(t))

	conn := dial(t, srv, "?conversation_id="+convID+"&token=owner-token")
	require.Equal(t, WelcomeText, readText(t, conn))
	writeText(t, conn, "remember me")
	require.Equal(t, "stored answer", readText(t, conn))

	msgs := fx.messages(t)
	require.Len(t, msgs, 2)
	require.Equal(t, "remember me", msgs[0].Content)
	require.Equal(t, "stored answer", msgs[1].Content)
}

func TestHandleAskBindsConversationForOwnerOnly(t *testing.T) {
	fx := newConversationFixture(t)
	r := New(completerFunc(func(context.Context, string, int) (string, error) {
		return "stored answer", nil
	}), fx.mem, nil, Options{}, nil)
	srv := newTestServer(t, r, fx.tokens)

	ask := func(token string) int {
		t.Helper()
		body := `{"question":"write this down","conversationId":` + strconv.FormatInt(fx.conv.ID, 10) + `}`
		req, err := http.NewRequest(http.MethodPost, srv.URL+"/chatbot/ask", strings.NewReader(body))
		require.NoError(t, err)
		req.Header.Set("Content-Type", "application/json")
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}

		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		return resp.StatusCode
	}

	require.Equal(t, http.StatusUnauthorized, ask(""))
	require.Equal(t, http.StatusForbidden, ask("other-token"))
	require.Empty(t, fx.messages(t))

	require.Equal(t, http.StatusCreated, ask("owner-token"))
	msgs := fx.messages(t)
	require.Len(t, msgs, 2)
	require.Equal(t, "write this down", msgs[0].Content)
}

func TestWebsocketRejectsDisallowedOrigin(t *testing.T) {
	r := New(completerFunc(func(context.Context, string, int) (string, error) { return "", nil }),
		nil, nil, Options{AllowedOrigins: []string{"https://app.example.com"}}, nil)
	srv := newTestServer(t, r, nil)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/chatbot"

	header := http.Header{"Origin": []string{"https://evil.example.com"}}
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.Error(t, err)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	header = http.Header{"Origin": []string{"https://app.example.com"}}
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.NoError(t, err)
	defer conn.Close()
	require.Equal(t, WelcomeText, readText(t, conn))
}

func TestOriginChecker(t *testing.T) {
	request := func(origin string) *http.Request {
		req := httptest.NewRequest(http.MethodGet, "/chatbot", nil)
		if origin != "" {
			req.Header.Set("Origin", origin)
		}
		return req
	}

	require.True(t, originChecker(nil)(request("https://anything.test")))
	require.True(t, originChecker([]string{"*"})(request("https://anything.test")))

	check := originChecker([]string{"https://app.example.com/", "http://localhost:5173"})
	require.True(t, check(request("https://app.example.com")))
	require.True(t, check(request("HTTP://LOCALHOST:5173")))
	require.True(t, check(request("")))
	require.False(t, check(request("https://other.example.com")))
	require.False(t, check(request("::not a url")))
}

func TestHandleAsk(t *testing.T) {
	r := New(completerFunc(func(_ context.Context, prompt string, _ int) (string, error) {
		switch {
		case strings.HasSuffix(prompt, "timeout"):
			return "", &completion.UpstreamError{Kind: completion.KindTimeout, Message: "upstream did not respond in time"}
		case strings.HasSuffix(prompt, "broken"):
			return "", &completion.UpstreamError{Kind: completion.KindUpstream, Status: 500, Message: "server error"}
		default:
			return "an answer", nil
		}
	}), nil, nil, Options{}, nil)
	srv := newTestServer(t, r, nil)

	post := func(body string) (int, map[string]any) {
		resp, err := http.Post(srv.URL+"/chatbot/ask", "application/json", bytes.NewBufferString(body))
		require.NoError(t, err)
		defer resp.Body.Close()

		var payload map[string]any
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
		return resp.StatusCode, payload
	}

	status, payload := post(`{"question":"what?"}`)
	require.Equal(t, http.StatusCreated, status)
	require.Equal(t, "an answer", payload["answer"])

	status, payload = post(`{"question":"   "}`)
	require.Equal(t, http.StatusBadRequest, status)
	require.Equal(t, InvalidQuestionText, payload["error"])

	status, _ = post(`{"question":"timeout"}`)
	require.Equal(t, http.StatusGatewayTimeout, status)

	status, _ = post(`{"question":"broken"}`)
	require.Equal(t, http.StatusBadGateway, status)

	status, _ = post(`not json`)
	require.Equal(t, http.StatusBadRequest, status)

	status, _ = post(`{"question":"hi","conversationId":5}`)
	require.Equal(t, http.StatusUnauthorized, status)
}
