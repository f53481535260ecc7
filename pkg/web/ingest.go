// SPDX-License-Identifier: GPL-2.0-or-later

package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"arrec/pkg/frame"
	"arrec/pkg/geom"
	"arrec/pkg/log"
	"arrec/pkg/session"

	"github.com/gorilla/websocket"
)

// Controller the session operations driven by the ingest connection.
type Controller interface {
	Arm(session.ArmParams) error
	OnFrame(*frame.Event) (session.FrameResult, error)
	PlaceObject(geom.Transform) error
	Stop() (<-chan session.Result, error)
	Status() session.Status
}

// Control command types.
const (
	CmdArm    = "arm"
	CmdStop   = "stop"
	CmdPlace  = "place"
	CmdStatus = "status"
)

// Response types.
const (
	RespArmed    = "armed"
	RespFrame    = "frame"
	RespStopping = "stopping"
	RespStopped  = "stopped"
	RespPlaced   = "placed"
	RespStatus   = "status"
	RespError    = "error"
)

// ErrUnknownCommand unknown control command type.
var ErrUnknownCommand = errors.New("unknown command")

// Command text message sent by the tracking client.
type Command struct {
	Type string `json:"type"`

	// Arm.
	FPS        int `json:"fps,omitempty"`
	ViewWidth  int `json:"viewWidth,omitempty"`
	ViewHeight int `json:"viewHeight,omitempty"`

	// Place.
	Transform [][]float32 `json:"transform,omitempty"`
}

// Response sent for every message.
type Response struct {
	Type   string               `json:"type"`
	Frame  *session.FrameResult `json:"frame,omitempty"`
	Result *session.Result      `json:"result,omitempty"`
	Status *session.Status      `json:"status,omitempty"`
	Error  string               `json:"error,omitempty"`
}

func errorResponse(err error) Response {
	return Response{Type: RespError, Error: err.Error()}
}

const maxMessageSize = 64 << 20

// Ingest opens a websocket for the tracking client. Text messages are
// commands, binary messages are frame events. A session armed by the
// connection and still active when it closes is stopped.
func Ingest(ctrl Controller, logger *log.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "invalid request method", http.StatusMethodNotAllowed)
			return
		}

		upgrader := websocket.Upgrader{
			ReadBufferSize:  1 << 16,
			WriteBufferSize: 1 << 12,
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			// Upgrade replied to the client.
			return
		}
		defer conn.Close()
		conn.SetReadLimit(maxMessageSize)

		c := &ingestConn{conn: conn, ctrl: ctrl, logger: logger}
		defer c.release()

		logger.Info().Src("ingest").Msgf("client connected: %v", r.RemoteAddr)
		for {
			typ, msg, err := conn.ReadMessage()
			if err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					logger.Warn().Src("ingest").Msgf("read: %v", err)
				}
				return
			}

			var res Response
			var resultCh <-chan session.Result
			switch typ {
			case websocket.TextMessage:
				res, resultCh = c.command(msg)
			case websocket.BinaryMessage:
				res = c.frame(msg)
			default:
				continue
			}
			if err := c.write(res); err != nil {
				logger.Warn().Src("ingest").Msgf("write: %v", err)
				return
			}
			if resultCh != nil {
				c.sendResult(resultCh)
			}
		}
	})
}

type ingestConn struct {
	conn   *websocket.Conn
	ctrl   Controller
	logger *log.Logger

	// This connection armed the current session.
	owner bool

	// Stop results are written from another goroutine.
	writeMu sync.Mutex
	wg      sync.WaitGroup
}

func (c *ingestConn) write(res Response) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(res)
}

// command handles a control message. Stop also returns the channel
// of the session result.
func (c *ingestConn) command(msg []byte) (Response, <-chan session.Result) {
	var cmd Command
	if err := json.Unmarshal(msg, &cmd); err != nil {
		return errorResponse(fmt.Errorf("unmarshal command: %w", err)), nil
	}

	switch cmd.Type {
	case CmdArm:
		params := session.ArmParams{
			FPS:        cmd.FPS,
			ViewWidth:  cmd.ViewWidth,
			ViewHeight: cmd.ViewHeight,
		}
		if err := c.ctrl.Arm(params); err != nil {
			return errorResponse(err), nil
		}
		c.owner = true
		return Response{Type: RespArmed}, nil

	case CmdStop:
		resultCh, err := c.ctrl.Stop()
		if err != nil {
			return errorResponse(err), nil
		}
		c.owner = false
		return Response{Type: RespStopping}, resultCh

	case CmdPlace:
		t, err := geom.FromRows(cmd.Transform)
		if err != nil {
			return errorResponse(fmt.Errorf("transform: %w", err)), nil
		}
		if err := c.ctrl.PlaceObject(t); err != nil {
			return errorResponse(err), nil
		}
		return Response{Type: RespPlaced}, nil

	case CmdStatus:
		status := c.ctrl.Status()
		return Response{Type: RespStatus, Status: &status}, nil
	}
	return errorResponse(fmt.Errorf("%w: %q", ErrUnknownCommand, cmd.Type)), nil
}

// sendResult writes the session result once finalize completes.
func (c *ingestConn) sendResult(resultCh <-chan session.Result) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		result := <-resultCh
		if err := c.write(Response{Type: RespStopped, Result: &result}); err != nil {
			c.logger.Debug().Src("ingest").Session(result.SessionID).
				Msgf("could not send result: %v", err)
		}
	}()
}

func (c *ingestConn) frame(msg []byte) Response {
	ev, err := DecodeFrame(msg)
	if err != nil {
		return errorResponse(fmt.Errorf("decode frame: %w", err))
	}
	res, err := c.ctrl.OnFrame(ev)
	if err != nil {
		return Response{Type: RespFrame, Frame: &res, Error: err.Error()}
	}
	return Response{Type: RespFrame, Frame: &res}
}

// release stops the session this connection armed and waits for
// pending results. Sessions of other connections are left running.
func (c *ingestConn) release() {
	defer c.wg.Wait()
	if !c.owner {
		return
	}
	switch c.ctrl.Status().State {
	case session.Armed, session.Recording:
		resultCh, err := c.ctrl.Stop()
		if err == nil {
			result := <-resultCh
			c.logger.Info().Src("ingest").Session(result.SessionID).
				Msg("client disconnected, session stopped")
		}
	}
}
