package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	gws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wslicense/internal/license"
	"wslicense/internal/websocket"
)

func startHub(t *testing.T) *websocket.Hub {
	t.Helper()
	hub := websocket.NewHub(quietLogger(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = hub.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return hub
}

func wsURL(srv *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + path
}

func readFrame(t *testing.T, conn *gws.Conn) websocket.Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg websocket.Message
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func frameStatus(t *testing.T, msg websocket.Message) license.Status {
	t.Helper()
	raw, err := json.Marshal(msg.Data)
	require.NoError(t, err)
	var s license.Status
	require.NoError(t, json.Unmarshal(raw, &s))
	return s
}

func TestWorkshopStreamIsScopedToToken(t *testing.T) {
	svc := newTestService(t)
	hub := startHub(t)
	srv := httptest.NewServer(newRouter(svc, hub))
	t.Cleanup(srv.Close)

	tok, err := svc.Issue(context.Background(), license.IssueRequest{WorkshopCode: "WS-001", HardwareFingerprint: fingerprint})
	require.NoError(t, err)

	q := url.Values{"token": {tok.Token}, "fp": {fingerprint}}
	conn, _, err := gws.DefaultDialer.Dial(wsURL(srv, "/ws/license?"+q.Encode()), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	assert.Equal(t, websocket.TypeConnection, readFrame(t, conn).Type)
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 10*time.Millisecond)

	hub.Publish(license.Status{WorkshopCode: "WS-002", State: license.StateGrace})
	hub.Publish(license.Status{WorkshopCode: "WS-001", State: license.StateGrace, HoursOffline: 2})

	msg := readFrame(t, conn)
	assert.Equal(t, websocket.TypeLicenseStatus, msg.Type)
	assert.Equal(t, "WS-001", frameStatus(t, msg).WorkshopCode)
}

func TestWorkshopStreamRequiresToken(t *testing.T) {
	srv := httptest.NewServer(newRouter(newTestService(t), startHub(t)))
	t.Cleanup(srv.Close)

	_, resp, err := gws.DefaultDialer.Dial(wsURL(srv, "/ws/license"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestOperatorStreamSeesAllWorkshops(t *testing.T) {
	hub := startHub(t)
	srv := httptest.NewServer(newRouter(newTestService(t), hub))
	t.Cleanup(srv.Close)

	header := http.Header{"Authorization": {"Bearer " + adminToken}}
	conn, _, err := gws.DefaultDialer.Dial(wsURL(srv, "/ws/license/all"), header)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	readFrame(t, conn)
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 10*time.Millisecond)

	hub.Publish(license.Status{WorkshopCode: "WS-001", State: license.StateOnline})
	hub.Publish(license.Status{WorkshopCode: "WS-002", State: license.StateRestricted})

	assert.Equal(t, "WS-001", frameStatus(t, readFrame(t, conn)).WorkshopCode)
	second := frameStatus(t, readFrame(t, conn))
	assert.Equal(t, "WS-002", second.WorkshopCode)
	assert.Equal(t, license.StateRestricted, second.State)
}
