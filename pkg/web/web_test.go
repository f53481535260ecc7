// SPDX-License-Identifier: GPL-2.0-or-later

package web

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"arrec/pkg/encoder"
	"arrec/pkg/frame"
	"arrec/pkg/geom"
	"arrec/pkg/log"
	"arrec/pkg/metadata"
	"arrec/pkg/session"
	"arrec/pkg/system"
	"arrec/pkg/web/auth"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

func TestParseCSVParam(t *testing.T) {
	cases := []struct {
		input  string
		output []string
	}{
		{"", nil},
		{"a,b,c", []string{"a", "b", "c"}},
	}
	for _, tc := range cases {
		t.Run(tc.input, func(t *testing.T) {
			query := url.Values{}
			query.Add("test", tc.input)
			actual := parseCSVParam(query, "test")
			require.Equal(t, tc.output, actual)
		})
	}
}

func newTestController(t *testing.T) *session.Controller {
	t.Helper()
	ctrl, err := session.NewController(session.Config{
		StorageDir:    t.TempDir(),
		FPS:           30,
		QueueSize:     64,
		SchemaVersion: metadata.Schema2,
		Clip:          metadata.ClipDefaults{ZNear: 0.001, ZFar: 1000},
	}, log.NewMockLogger())
	require.NoError(t, err)
	return ctrl
}

func dialIngest(t *testing.T, ctrl Controller) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(Ingest(ctrl, log.NewMockLogger()))
	t.Cleanup(srv.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, cmd Command) Response {
	t.Helper()
	require.NoError(t, conn.WriteJSON(cmd))
	return readResponse(t, conn)
}

func readResponse(t *testing.T, conn *websocket.Conn) Response {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(20*time.Second)))
	var res Response
	require.NoError(t, conn.ReadJSON(&res))
	return res
}

func sendFrame(t *testing.T, conn *websocket.Conn, ts time.Duration) Response {
	t.Helper()
	color, err := frame.NewBuffer(frame.FormatBGRA, 32, 16)
	require.NoError(t, err)
	pose := geom.Translation(0, 0, float32(ts.Seconds()))
	intrinsics := geom.NewIntrinsics(30, 30, 16, 8)
	msg, err := EncodeFrame(&frame.Event{
		Timestamp:   ts,
		Color:       color,
		Pose:        &pose,
		Intrinsics:  &intrinsics,
		Orientation: frame.OrientationLandscapeLeft,
		ViewWidth:   844,
		ViewHeight:  390,
	})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, msg))
	return readResponse(t, conn)
}

func TestIngest(t *testing.T) {
	t.Run("session", func(t *testing.T) {
		ctrl := newTestController(t)
		conn := dialIngest(t, ctrl)

		require.Equal(t, Response{Type: RespArmed}, send(t, conn, Command{Type: CmdArm}))

		for i := 0; i < 3; i++ {
			res := sendFrame(t, conn, time.Duration(i)*100*time.Millisecond)
			require.Equal(t, RespFrame, res.Type)
			require.Empty(t, res.Error)
			require.Equal(t, encoder.Accepted, res.Frame.Color)
			require.Equal(t, i == 0, res.Frame.Started)
		}

		place := Command{Type: CmdPlace, Transform: geom.Translation(1, 1, 1).Rows()}
		require.Equal(t, Response{Type: RespPlaced}, send(t, conn, place))

		res := send(t, conn, Command{Type: CmdStatus})
		require.Equal(t, session.Recording, res.Status.State)
		require.Equal(t, 3, res.Status.Frames)

		require.Equal(t, Response{Type: RespStopping}, send(t, conn, Command{Type: CmdStop}))
		res = readResponse(t, conn)
		require.Equal(t, RespStopped, res.Type)
		require.Empty(t, res.Result.Error)
		require.Equal(t, 3, res.Result.Frames)
		require.Equal(t, filepath.Join(res.Result.Dir, session.MetadataFileName), res.Result.MetadataPath)
		require.Equal(t, session.Idle, ctrl.State())
	})
	t.Run("errors", func(t *testing.T) {
		conn := dialIngest(t, newTestController(t))

		res := send(t, conn, Command{Type: "jump"})
		require.Equal(t, RespError, res.Type)
		require.Contains(t, res.Error, ErrUnknownCommand.Error())

		res = send(t, conn, Command{Type: CmdStop})
		require.Equal(t, RespError, res.Type)
		require.Contains(t, res.Error, session.ErrInvalidState.Error())

		res = send(t, conn, Command{Type: CmdPlace, Transform: [][]float32{{1}}})
		require.Equal(t, RespError, res.Type)

		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{")))
		require.Equal(t, RespError, readResponse(t, conn).Type)

		require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte{1}))
		res = readResponse(t, conn)
		require.Equal(t, RespError, res.Type)
		require.Contains(t, res.Error, ErrShortMessage.Error())

		// Frames while idle are ignored.
		res = sendFrame(t, conn, 0)
		require.Equal(t, RespFrame, res.Type)
		require.Equal(t, session.Idle, res.Frame.State)
	})
	t.Run("disconnectStopsSession", func(t *testing.T) {
		ctrl := newTestController(t)
		conn := dialIngest(t, ctrl)

		send(t, conn, Command{Type: CmdArm})
		sendFrame(t, conn, 0)
		require.Equal(t, session.Recording, ctrl.State())

		conn.Close()
		require.Eventually(t, func() bool {
			status := ctrl.Status()
			return status.State == session.Idle && status.Last != nil
		}, 20*time.Second, 10*time.Millisecond)
		require.Equal(t, 1, ctrl.Status().Last.Frames)
	})
	t.Run("otherClientDisconnect", func(t *testing.T) {
		ctrl := newTestController(t)
		recorder := dialIngest(t, ctrl)

		send(t, recorder, Command{Type: CmdArm})
		sendFrame(t, recorder, 0)
		require.Equal(t, session.Recording, ctrl.State())

		handlerDone := make(chan struct{})
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer close(handlerDone)
			Ingest(ctrl, log.NewMockLogger()).ServeHTTP(w, r)
		}))
		defer srv.Close()
		observer, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
		require.NoError(t, err)

		res := send(t, observer, Command{Type: CmdStatus})
		require.Equal(t, session.Recording, res.Status.State)
		observer.Close()

		select {
		case <-handlerDone:
		case <-time.After(20 * time.Second):
			t.Fatal("timeout waiting for handler")
		}
		require.Equal(t, session.Recording, ctrl.State())

		// The owner still can stop its session.
		require.Equal(t, Response{Type: RespStopping}, send(t, recorder, Command{Type: CmdStop}))
		res = readResponse(t, recorder)
		require.Equal(t, RespStopped, res.Type)
		require.Equal(t, 1, res.Result.Frames)
	})
}

func TestStatus(t *testing.T) {
	sessionStatus := func() session.Status {
		return session.Status{State: session.Armed}
	}
	systemStatus := func() system.Status {
		return system.Status{DiskFree: 1000 * 1000 * 1000, DiskFreeFormatted: "1.00GB"}
	}
	handler := Status(sessionStatus, systemStatus)

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, jsonContentType, w.Header().Get("Content-Type"))

	var res struct {
		Session struct {
			State string `json:"state"`
		} `json:"session"`
		System system.Status `json:"system"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&res))
	require.Equal(t, "armed", res.Session.State)
	require.Equal(t, systemStatus(), res.System)

	w = httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/status", nil))
	require.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func newTestLogDB(t *testing.T) (*log.DB, *log.Logger) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	wg := &sync.WaitGroup{}
	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})

	logger := log.NewLogger(wg)
	logger.Start(ctx)

	logDB := log.NewDB(filepath.Join(t.TempDir(), "logs.db"), wg)
	require.NoError(t, logDB.Init(ctx))
	return logDB, logger
}

func TestLogQuery(t *testing.T) {
	logDB, logger := newTestLogDB(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	saved := make(chan struct{})
	go func() {
		defer close(saved)
		logDB.SaveLogs(ctx, logger)
	}()
	defer func() {
		cancel()
		<-saved
	}()

	handler := LogQuery(logDB)
	query := func(target string) (int, []log.Entry) {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, target, nil))
		var entries []log.Entry
		if w.Code == http.StatusOK {
			require.NoError(t, json.NewDecoder(w.Body).Decode(&entries))
		}
		return w.Code, entries
	}

	// Wait for the subscription before logging.
	require.Eventually(t, func() bool {
		logger.Info().Src("session").Session("a").Msg("started")
		code, entries := query("/api/log/query?limit=1&sessions=a")
		return code == http.StatusOK && len(entries) == 1
	}, 10*time.Second, 10*time.Millisecond)

	logger.Error().Src("encoder").Session("b").Msg("broken")
	require.Eventually(t, func() bool {
		_, entries := query("/api/log/query?limit=10&levels=16")
		return len(entries) == 1 && entries[0].Msg == "broken"
	}, 10*time.Second, 10*time.Millisecond)

	code, entries := query("/api/log/query?limit=10&sources=encoder,audio&sessions=a")
	require.Equal(t, http.StatusOK, code)
	require.Empty(t, entries)

	for _, target := range []string{
		"/api/log/query",
		"/api/log/query?limit=x",
		"/api/log/query?limit=1&levels=a",
		"/api/log/query?limit=1&time=-1",
	} {
		code, _ := query(target)
		require.Equal(t, http.StatusBadRequest, code, target)
	}
}

func TestLogFeed(t *testing.T) {
	_, logger := newTestLogDB(t)
	hash, err := auth.HashToken("secret", 4)
	require.NoError(t, err)
	a, err := auth.NewAuthenticator(hash, logger)
	require.NoError(t, err)

	srv := httptest.NewServer(a.Require(LogFeed(logger, a)))
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	_, res, err := websocket.DefaultDialer.Dial(wsURL+"?token=wrong", nil)
	require.Error(t, err)
	require.Equal(t, http.StatusUnauthorized, res.StatusCode)
	res.Body.Close()

	conn, _, err := websocket.DefaultDialer.Dial(wsURL+"?token=secret&sources=session", nil)
	require.NoError(t, err)
	defer conn.Close()

	// The feed subscribes after the upgrade, keep logging until received.
	done := make(chan struct{})
	defer close(done)
	go func() {
		for {
			select {
			case <-done:
				return
			case <-time.After(10 * time.Millisecond):
				logger.Info().Src("encoder").Msg("filtered")
				logger.Info().Src("session").Msg("armed")
			}
		}
	}()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(10*time.Second)))
	var entry log.Entry
	require.NoError(t, conn.ReadJSON(&entry))
	require.Equal(t, "session", entry.Src)
	require.Equal(t, "armed", entry.Msg)
}
