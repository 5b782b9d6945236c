package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"whatsapp-inbox/internal/access"
	"whatsapp-inbox/internal/models"
	"whatsapp-inbox/internal/routing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type gateFunc func(models.Employee, models.Conversation) bool

func (f gateFunc) ShouldEmitToUser(u models.Employee, c models.Conversation) bool { return f(u, c) }

func testDirectory(t *testing.T) *routing.Directory {
	t.Helper()
	d, err := routing.NewDirectory([]routing.Entry{
		{PhoneNumberID: "phone-athens", Area: "athens", AllowedRoles: []models.Role{models.RoleSales, models.RoleAdvert}},
		{PhoneNumberID: "phone-milan", Area: "milan", AllowedRoles: []models.Role{models.RoleSales, models.RoleAdvert}},
	}, routing.DefaultGlobalRoles)
	require.NoError(t, err)
	return d
}

func startHub(t *testing.T) *Hub {
	t.Helper()
	h := NewHub(gateFunc(access.ShouldEmitToUser), testDirectory(t), nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go h.Run(ctx)
	return h
}

func join(h *Hub, user models.Employee) *Client {
	c := &Client{
		hub:   h,
		send:  make(chan []byte, sendBuffer),
		user:  user,
		rooms: h.phones.AllowedPhoneIDs(user.Role, user.AllotedArea),
	}
	h.register <- c
	return c
}

func next(t *testing.T, c *Client) wireEvent {
	t.Helper()
	select {
	case raw, ok := <-c.send:
		require.True(t, ok, "client channel closed")
		var ev wireEvent
		require.NoError(t, json.Unmarshal(raw, &ev))
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return wireEvent{}
}

func TestPublishScopesToPhoneRoom(t *testing.T) {
	h := startHub(t)
	athens := join(h, models.Employee{ID: "s1", Role: models.RoleSales, AllotedArea: []string{"athens"}})
	milan := join(h, models.Employee{ID: "s2", Role: models.RoleSales, AllotedArea: []string{"milan"}})

	h.Publish(Event{Type: EventNewMessage, Conversation: models.Conversation{ID: "c-athens", BusinessPhoneID: "phone-athens"}})
	h.Publish(Event{Type: EventNewMessage, Conversation: models.Conversation{ID: "c-milan", BusinessPhoneID: "phone-milan"}})

	assert.Equal(t, "c-athens", next(t, athens).ConversationID)
	assert.Equal(t, "c-milan", next(t, milan).ConversationID)
}

func TestPublishFollowsHandover(t *testing.T) {
	h := startHub(t)
	sales := join(h, models.Employee{ID: "s1", Role: models.RoleSales, AllotedArea: []string{"athens"}})
	advert := join(h, models.Employee{ID: "a1", Role: models.RoleAdvert, AllotedArea: []string{"athens"}})

	pre := models.Conversation{ID: "pre", BusinessPhoneID: "phone-athens", IsRetarget: true, RetargetStage: models.StageEngaged}
	post := models.Conversation{ID: "post", BusinessPhoneID: "phone-athens", IsRetarget: true, RetargetStage: models.StageHandedToSales, AssignedAgent: "someone-else"}
	plain := models.Conversation{ID: "plain", BusinessPhoneID: "phone-athens"}

	h.NotifyConversation(pre)
	h.NotifyConversation(post)
	h.NotifyConversation(plain)

	// Events are dispatched in order, so the first one each client sees
	// shows which of the retarget events were withheld.
	assert.Equal(t, "post", next(t, sales).ConversationID)
	assert.Equal(t, "plain", next(t, sales).ConversationID)

	assert.Equal(t, "pre", next(t, advert).ConversationID)
	assert.Equal(t, "plain", next(t, advert).ConversationID)
}

func TestUnregisterLeavesRooms(t *testing.T) {
	h := startHub(t)
	c := join(h, models.Employee{ID: "s1", Role: models.RoleSales, AllotedArea: []string{"athens", "milan"}})
	require.Eventually(t, func() bool {
		return h.Subscribers("phone-athens") == 1 && h.Subscribers("phone-milan") == 1
	}, 2*time.Second, 10*time.Millisecond)

	h.unregister <- c
	_, ok := <-c.send
	assert.False(t, ok)
	assert.Zero(t, h.Subscribers("phone-athens"))
	assert.Zero(t, h.Subscribers("phone-milan"))
}

func TestSlowClientIsDropped(t *testing.T) {
	h := startHub(t)
	c := &Client{hub: h, send: make(chan []byte), user: models.Employee{ID: "s1", Role: models.RoleSales}, rooms: []string{"phone-athens"}}
	h.register <- c

	h.Publish(Event{Type: EventNewMessage, Conversation: models.Conversation{BusinessPhoneID: "phone-athens"}})
	assert.Eventually(t, func() bool { return h.Subscribers("phone-athens") == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestServeWs(t *testing.T) {
	h := startHub(t)
	user := models.Employee{ID: "a1", Role: models.RoleAdvert, AllotedArea: []string{"athens"}}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.ServeWs(w, r, user)
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return h.Subscribers("phone-athens") == 1 }, 2*time.Second, 10*time.Millisecond)

	conv := models.Conversation{ID: "c1", BusinessPhoneID: "phone-athens", IsRetarget: true, RetargetStage: models.StageInitiated}
	h.NotifyMessage(conv, models.Message{ConversationID: "c1", Content: "hello"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)

	var ev struct {
		Type           string         `json:"type"`
		ConversationID string         `json:"conversation_id"`
		Data           models.Message `json:"data"`
	}
	require.NoError(t, json.Unmarshal(raw, &ev))
	assert.Equal(t, EventNewMessage, ev.Type)
	assert.Equal(t, "c1", ev.ConversationID)
	assert.Equal(t, "hello", ev.Data.Content)
}
