package bridge

import (
	"context"
	"testing"

	"github.com/n42/matrix-rocketchat/internal/database"
	"github.com/n42/matrix-rocketchat/internal/matrix"
	"github.com/n42/matrix-rocketchat/pkg/errors"
)

const testBridgedRoom = "!general:localhost"

func newForwardingBridge(t *testing.T) *testBridge {
	t.Helper()
	tb := newTestBridge(t)
	tb.seedServer("rc", "https://chat.example.com", "token")
	tb.seedServerUser(&database.ServerUser{
		MatrixUserID:        testAdmin,
		RocketchatServerID:  "rc",
		RocketchatUserID:    database.NullString("rcid"),
		RocketchatAuthToken: database.NullString("secret"),
	})
	tb.seedBridgedRoom(testBridgedRoom, "rc", "ch1", testAdmin)
	return tb
}

func TestMessageForwarding(t *testing.T) {
	tb := newForwardingBridge(t)

	tb.process(messageEvent(t, testBridgedRoom, testAdmin, matrix.MsgTypeText, "hello rocketchat"))

	if len(tb.sessions.session.posted) != 1 {
		t.Fatalf("posted %d messages, want 1", len(tb.sessions.session.posted))
	}
	post := tb.sessions.session.posted[0]
	if post.channelID != "ch1" || post.text != "hello rocketchat" {
		t.Errorf("posted = %+v, want channel ch1 with the event body", post)
	}

	last := tb.sessions.requests[len(tb.sessions.requests)-1]
	if last.serverURL != "https://chat.example.com" || last.userID != "rcid" || last.authToken != "secret" {
		t.Errorf("session built with %+v, want the stored credentials", last)
	}

	user, err := tb.db.Users.Get(context.Background(), testAdmin)
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	if user == nil || user.LastMessageSent == 0 {
		t.Errorf("user activity = %+v, want last_message_sent set", user)
	}

	if got := healthCounter(t, tb.router.metrics, "forwarded", "matrix_to_rocketchat"); got != 1 {
		t.Errorf("matrix_to_rocketchat = %d, want 1", got)
	}
}

func TestMessageForwardingWithoutCredentials(t *testing.T) {
	tb := newTestBridge(t)
	tb.seedServer("rc", "https://chat.example.com", "token")
	tb.seedServerUser(&database.ServerUser{
		MatrixUserID:       testAdmin,
		RocketchatServerID: "rc",
	})
	tb.seedBridgedRoom(testBridgedRoom, "rc", "ch1", testAdmin)

	tb.process(messageEvent(t, testBridgedRoom, testAdmin, matrix.MsgTypeText, "hello"))

	if len(tb.sessions.requests) != 1 {
		t.Fatalf("%d sessions built, want 1", len(tb.sessions.requests))
	}
	if req := tb.sessions.requests[0]; req.userID != "" || req.authToken != "" {
		t.Errorf("session built with %+v, want empty credentials", req)
	}
}

func TestMessageInUnknownRoomIsIgnored(t *testing.T) {
	tb := newForwardingBridge(t)

	tb.process(messageEvent(t, "!nowhere:localhost", testAdmin, matrix.MsgTypeText, "hello"))

	if len(tb.sessions.session.posted) != 0 {
		t.Errorf("posted %d messages, want 0", len(tb.sessions.session.posted))
	}
	if got := len(tb.matrix.notices); got != 0 {
		t.Errorf("sent %d notices, want 0", got)
	}
	if got := healthCounter(t, tb.router.metrics, "events", "ignored"); got != 1 {
		t.Errorf("ignored = %d, want 1", got)
	}
}

func TestVirtualUserEchoIsNotForwarded(t *testing.T) {
	tb := newForwardingBridge(t)
	virtualID := "@rocketchat_rc_joe:localhost"
	tb.seedServerUser(&database.ServerUser{
		MatrixUserID:       virtualID,
		RocketchatServerID: "rc",
		RocketchatUserID:   database.NullString("joe"),
		IsVirtualUser:      true,
	})

	tb.process(messageEvent(t, testBridgedRoom, virtualID, matrix.MsgTypeText, "echoed"))

	if len(tb.sessions.session.posted) != 0 {
		t.Errorf("posted %d messages, want 0", len(tb.sessions.session.posted))
	}
	if got := healthCounter(t, tb.router.metrics, "events", "ignored"); got != 1 {
		t.Errorf("ignored = %d, want 1", got)
	}
}

func TestNonTextMessageIsNotForwarded(t *testing.T) {
	tb := newForwardingBridge(t)

	tb.process(messageEvent(t, testBridgedRoom, testAdmin, "m.image", "cat.png"))

	if len(tb.sessions.session.posted) != 0 {
		t.Errorf("posted %d messages, want 0", len(tb.sessions.session.posted))
	}
	user, err := tb.db.Users.Get(context.Background(), testAdmin)
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	if user == nil || user.LastMessageSent == 0 {
		t.Error("unsupported message should still count as activity")
	}
}

func TestForwardingFailureNotifiesRoom(t *testing.T) {
	tb := newForwardingBridge(t)
	tb.sessions.session.postErr = errors.New(errors.RocketchatAPIError, "500 Internal Server Error")

	tb.process(messageEvent(t, testBridgedRoom, testAdmin, matrix.MsgTypeText, "hello"))

	if len(tb.matrix.notices) != 1 {
		t.Fatalf("sent %d notices, want 1", len(tb.matrix.notices))
	}
	notice := tb.matrix.notices[0]
	if notice.roomID != testBridgedRoom || notice.body != internalErrorMessage {
		t.Errorf("notice = %+v, want the internal error message in the bridged room", notice)
	}
	if got := healthCounter(t, tb.router.metrics, "forwarded", "failed"); got != 1 {
		t.Errorf("failed = %d, want 1", got)
	}
}
