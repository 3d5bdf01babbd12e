package websocket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	gorilla "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailtrack/backend/internal/auth/jwt"
	"mailtrack/backend/internal/domain"
	"mailtrack/backend/internal/notify"
)

var _ notify.Publisher = (*Hub)(nil)

func startHub(t *testing.T, validator TokenValidator) (*Hub, string) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	hub := NewHub(nil, validator, nil)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)

	r := gin.New()
	r.GET("/v1/ws", HandleWebSocket(hub))
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	return hub, "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/ws"
}

func readMessage(t *testing.T, conn *gorilla.Conn) Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var msg Message
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func subscribe(t *testing.T, conn *gorilla.Conn, trackingID string) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(Message{Type: MessageTypeSubscribe, TrackingID: trackingID}))
	ack := readMessage(t, conn)
	require.Equal(t, MessageTypeSubscribed, ack.Type)
	require.Equal(t, trackingID, ack.TrackingID)
}

func TestHub(t *testing.T) {
	event := notify.Notification{
		TrackingID: "abc123",
		Event:      domain.OpenEvent{ID: 1, TrackingID: "abc123", Kind: domain.EventKindOpen},
	}

	t.Run("订阅后收到事件", func(t *testing.T) {
		hub, url := startHub(t, nil)
		conn, _, err := gorilla.DefaultDialer.Dial(url, nil)
		require.NoError(t, err)
		defer conn.Close()

		subscribe(t, conn, "abc123")
		require.NoError(t, hub.Publish(context.Background(), event))

		msg := readMessage(t, conn)
		assert.Equal(t, MessageTypeTrackingEvent, msg.Type)
		assert.Equal(t, "abc123", msg.TrackingID)

		var n notify.Notification
		require.NoError(t, json.Unmarshal(msg.Data, &n))
		assert.Equal(t, int64(1), n.Event.ID)
	})

	t.Run("通配订阅收到所有事件", func(t *testing.T) {
		hub, url := startHub(t, nil)
		conn, _, err := gorilla.DefaultDialer.Dial(url, nil)
		require.NoError(t, err)
		defer conn.Close()

		subscribe(t, conn, AllTrackingIDs)
		subscribe(t, conn, "abc123")
		require.NoError(t, hub.Publish(context.Background(), event))

		msg := readMessage(t, conn)
		assert.Equal(t, "abc123", msg.TrackingID)

		// 同时匹配两个订阅也只投递一次
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
		_, _, err = conn.ReadMessage()
		assert.Error(t, err)
	})

	t.Run("缺少追踪ID返回错误", func(t *testing.T) {
		_, url := startHub(t, nil)
		conn, _, err := gorilla.DefaultDialer.Dial(url, nil)
		require.NoError(t, err)
		defer conn.Close()

		require.NoError(t, conn.WriteJSON(Message{Type: MessageTypeSubscribe}))
		msg := readMessage(t, conn)
		assert.Equal(t, MessageTypeError, msg.Type)
	})

	t.Run("启用认证时拒绝无令牌连接", func(t *testing.T) {
		tokens := jwt.NewManager("test-secret-key-for-development-32-chars", "mailtrack", time.Minute, time.Hour)
		_, url := startHub(t, tokens)

		_, resp, err := gorilla.DefaultDialer.Dial(url, nil)
		require.Error(t, err)
		require.NotNil(t, resp)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

		pair, err := tokens.GenerateTokenPair("admin", "admin")
		require.NoError(t, err)
		conn, _, err := gorilla.DefaultDialer.Dial(url+"?token="+pair.AccessToken, nil)
		require.NoError(t, err)
		conn.Close()
	})

	t.Run("断开后清理客户端", func(t *testing.T) {
		hub, url := startHub(t, nil)
		conn, _, err := gorilla.DefaultDialer.Dial(url, nil)
		require.NoError(t, err)
		subscribe(t, conn, "abc123")
		assert.Equal(t, 1, hub.ClientCount())

		conn.Close()
		assert.Eventually(t, func() bool { return hub.ClientCount() == 0 }, 2*time.Second, 10*time.Millisecond)
	})
}
