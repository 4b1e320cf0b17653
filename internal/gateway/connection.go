package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/conarylabs/mira/internal/observability"
	"github.com/conarylabs/mira/internal/operations"
	"github.com/conarylabs/mira/internal/tools"
	"github.com/conarylabs/mira/pkg/models"
)

// Connection owns one client socket: an inbound reader, a mutex-guarded
// outbound writer, and a heartbeat task. Outbound ordering matches the
// order Send observes; the writer is the single point of serialization.
type Connection struct {
	id     string
	conn   *websocket.Conn
	engine *operations.Engine
	server *Server
	logger *observability.Logger

	// writeMu serializes all outbound writes.
	writeMu sync.Mutex

	mu           sync.Mutex
	lastActivity time.Time
	lastAnySend  time.Time
	processing   int
	sessionID    string
	operations   map[string]struct{} // running operation ids
	closed       bool
	closeCh      chan struct{}
}

func newConnection(conn *websocket.Conn, server *Server) *Connection {
	now := time.Now()
	return &Connection{
		id:           uuid.NewString(),
		conn:         conn,
		engine:       server.engine,
		server:       server,
		logger:       server.logger,
		lastActivity: now,
		lastAnySend:  now,
		operations:   make(map[string]struct{}),
		closeCh:      make(chan struct{}),
	}
}

// Send marshals and writes one frame. All writes funnel through here so
// the byte stream is a serialization of the observed call order.
func (c *Connection) Send(msg ServerMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return err
	}
	c.mu.Lock()
	c.lastAnySend = time.Now()
	c.mu.Unlock()
	return nil
}

// Run drives the connection until close or socket error.
func (c *Connection) Run(ctx context.Context) {
	ctx = observability.WithConnectionID(ctx, c.id)
	c.logger.Info(ctx, "client connected")

	if err := c.Send(ConnectionReady()); err != nil {
		c.logger.Error(ctx, "send connection_ready failed", "error", err)
		c.markClosed(ctx)
		return
	}

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)
		c.heartbeatLoop(ctx)
	}()

	c.readLoop(ctx)

	c.markClosed(ctx)
	<-heartbeatDone
	c.logger.Info(ctx, "client disconnected")
}

// readLoop decodes inbound frames. Malformed frames warn and continue; the
// connection never closes on a parse error alone.
func (c *Connection) readLoop(ctx context.Context) {
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Warn(ctx, "socket read error", "error", err)
			}
			return
		}

		c.mu.Lock()
		c.lastActivity = time.Now()
		c.mu.Unlock()

		msg, err := ValidateFrame(raw)
		if err != nil {
			c.logger.Warn(ctx, "malformed client frame", "error", err)
			_ = c.Send(ErrorMessage(err.Error(), "invalid_input"))
			continue
		}

		c.dispatch(ctx, msg)
	}
}

// dispatch routes one inbound frame.
func (c *Connection) dispatch(ctx context.Context, msg *ClientMessage) {
	switch msg.Type {
	case TypeChat:
		c.handleChat(ctx, msg)

	case TypeCommand:
		c.handleCommand(ctx, msg)

	case TypePing:
		_ = c.Send(Pong())

	case TypePong, TypeStatus, TypeTyping:
		// Activity-bearing frames with no reply.

	case TypeSessionCommand, TypeMemoryCommand, TypeProjectCommand:
		c.handleServiceCommand(ctx, msg)

	case TypeGitCommand, TypeFileSystemCommand, TypeCodeIntelCommand, TypeDocumentCommand, TypeTerminalCommand:
		// These dispatch to external collaborators not wired in this
		// process; the reply still correlates by request_id.
		reply := ErrorMessage("command surface not available: "+msg.Type, "unsupported")
		reply.RequestID = msg.RequestID()
		_ = c.Send(reply)

	default:
		c.logger.Warn(ctx, "unknown frame type", "type", msg.Type)
		_ = c.Send(ErrorMessage("unknown message type: "+msg.Type, "invalid_input"))
	}
}

// handleChat starts one operation and forwards its event stream.
func (c *Connection) handleChat(ctx context.Context, msg *ClientMessage) {
	sessionID := msg.SessionID
	if sessionID == "" {
		c.mu.Lock()
		if c.sessionID == "" {
			c.sessionID = uuid.NewString()
		}
		sessionID = c.sessionID
		c.mu.Unlock()
	}

	op, events, err := c.engine.Execute(ctx, operations.ExecuteParams{
		SessionID:    sessionID,
		UserMessage:  msg.Content,
		ProjectID:    msg.ProjectID,
		Capabilities: tools.AllCapabilities(),
	})
	if err != nil {
		_ = c.Send(ErrorMessage(err.Error(), "internal"))
		return
	}

	c.mu.Lock()
	c.operations[op.ID] = struct{}{}
	c.processing++
	c.mu.Unlock()

	_ = c.Send(Status("generating", ""))

	go func() {
		defer func() {
			c.mu.Lock()
			delete(c.operations, op.ID)
			c.processing--
			c.mu.Unlock()
		}()
		c.forwardEvents(ctx, events)
	}()
}

// forwardEvents translates engine events into outbound frames, preserving
// the engine's emit order.
func (c *Connection) forwardEvents(ctx context.Context, events <-chan operations.EngineEvent) {
	for event := range events {
		var err error
		switch event.Kind {
		case operations.EngineDelta:
			err = c.Send(Stream(event.Delta))

		case operations.EngineComplete:
			if event.Outcome != nil {
				err = c.Send(ChatComplete(
					event.Outcome.UserMessageID,
					event.Outcome.AssistantMessageID,
					event.Outcome.Content,
					event.Outcome.Artifacts,
					event.Outcome.Thinking,
				))
			}

		case operations.EngineErrorEvent:
			err = c.Send(ErrorMessage(event.Err, "operation_failed"))

		default:
			// Lifecycle, tool, artifact, and thinking events ride the
			// generic data frame.
			var frame ServerMessage
			frame, err = Data(engineEventPayload(event), "")
			if err == nil {
				err = c.Send(frame)
			}
		}
		if err != nil {
			c.logger.Warn(ctx, "event forward failed, draining operation", "error", err)
			for range events {
			}
			return
		}
	}
}

func engineEventPayload(event operations.EngineEvent) map[string]any {
	payload := map[string]any{
		"event":        string(event.Kind),
		"operation_id": event.OperationID,
	}
	if event.Status != "" {
		payload["status"] = string(event.Status)
	}
	if event.Reason != "" {
		payload["reason"] = event.Reason
	}
	if event.Delta != "" {
		payload["delta"] = event.Delta
	}
	if event.ToolCall != nil {
		payload["tool_call"] = event.ToolCall
	}
	if event.ToolResult != nil {
		payload["tool_result"] = event.ToolResult
	}
	if event.Artifact != nil {
		payload["artifact"] = event.Artifact
	}
	return payload
}

// handleCommand handles control commands, currently cancel.
func (c *Connection) handleCommand(ctx context.Context, msg *ClientMessage) {
	switch msg.Command {
	case "cancel":
		var args struct {
			OperationID string `json:"operation_id"`
		}
		if len(msg.Args) > 0 {
			_ = json.Unmarshal(msg.Args, &args)
		}
		if args.OperationID == "" {
			_ = c.Send(ErrorMessage("cancel requires operation_id", "invalid_input"))
			return
		}
		if !c.engine.Cancel(args.OperationID) {
			_ = c.Send(ErrorMessage("operation not running: "+args.OperationID, "not_found"))
			return
		}
		_ = c.Send(Status("cancelling", args.OperationID))

	default:
		_ = c.Send(ErrorMessage("unknown command: "+msg.Command, "invalid_input"))
	}
}

// handleServiceCommand answers session/memory/project commands with a
// correlated data frame.
func (c *Connection) handleServiceCommand(ctx context.Context, msg *ClientMessage) {
	requestID := msg.RequestID()
	reply := func(payload any) {
		frame, err := Data(payload, requestID)
		if err != nil {
			_ = c.Send(ErrorMessage(err.Error(), "internal"))
			return
		}
		_ = c.Send(frame)
	}
	replyErr := func(err error, code string) {
		frame := ErrorMessage(err.Error(), code)
		frame.RequestID = requestID
		_ = c.Send(frame)
	}

	var params map[string]any
	if len(msg.Params) > 0 {
		_ = json.Unmarshal(msg.Params, &params)
	}

	switch msg.Type {
	case TypeSessionCommand:
		c.handleSessionCommand(ctx, msg.Method, params, reply, replyErr)
	case TypeMemoryCommand:
		c.handleMemoryCommand(ctx, msg.Method, params, reply, replyErr)
	case TypeProjectCommand:
		c.handleProjectCommand(ctx, msg.Method, params, reply, replyErr)
	}
}

func (c *Connection) handleSessionCommand(ctx context.Context, method string, params map[string]any, reply func(any), replyErr func(error, string)) {
	store := c.server.memoryService.Store()
	switch method {
	case "list":
		sessions, err := store.ListSessions(ctx, intParam(params, "limit", 50))
		if err != nil {
			replyErr(err, "internal")
			return
		}
		reply(map[string]any{"sessions": sessions})

	case "history":
		sessionID, _ := params["session_id"].(string)
		entries, err := store.LoadRecent(ctx, sessionID, intParam(params, "limit", 50))
		if err != nil {
			replyErr(err, "internal")
			return
		}
		reply(map[string]any{"messages": entries})

	case "resume":
		sessionID, _ := params["session_id"].(string)
		session, err := store.GetSession(ctx, sessionID)
		if err != nil {
			replyErr(err, "not_found")
			return
		}
		c.mu.Lock()
		c.sessionID = session.ID
		c.mu.Unlock()
		reply(map[string]any{"session": session})

	default:
		replyErr(errUnknownMethod(method), "invalid_input")
	}
}

func (c *Connection) handleMemoryCommand(ctx context.Context, method string, params map[string]any, reply func(any), replyErr func(error, string)) {
	switch method {
	case "recall":
		sessionID, _ := params["session_id"].(string)
		query, _ := params["query"].(string)
		recall, err := c.server.memoryService.BuildContext(ctx, sessionID, query)
		if err != nil {
			replyErr(err, "internal")
			return
		}
		reply(recall)

	case "save":
		sessionID, _ := params["session_id"].(string)
		content, _ := params["content"].(string)
		id, err := c.server.memoryService.SaveMessage(ctx, sessionID, models.RoleUser, content, nil)
		if err != nil {
			replyErr(err, "internal")
			return
		}
		reply(map[string]any{"message_id": id})

	default:
		replyErr(errUnknownMethod(method), "invalid_input")
	}
}

func (c *Connection) handleProjectCommand(ctx context.Context, method string, params map[string]any, reply func(any), replyErr func(error, string)) {
	projects := c.server.projects
	switch method {
	case "get_guidelines":
		projectID, _ := params["project_id"].(string)
		value, err := projects.Get(ctx, "project:"+projectID+":guidelines")
		if err != nil {
			replyErr(err, "internal")
			return
		}
		reply(map[string]any{"guidelines": value})

	case "set_guidelines":
		projectID, _ := params["project_id"].(string)
		value, _ := params["guidelines"].(string)
		if err := projects.Set(ctx, "project:"+projectID+":guidelines", value); err != nil {
			replyErr(err, "internal")
			return
		}
		reply(map[string]any{"ok": true})

	default:
		replyErr(errUnknownMethod(method), "invalid_input")
	}
}

// markClosed flags the connection and cancels its running operations. The
// heartbeat task observes the flag and exits.
func (c *Connection) markClosed(ctx context.Context) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	running := make([]string, 0, len(c.operations))
	for id := range c.operations {
		running = append(running, id)
	}
	close(c.closeCh)
	c.mu.Unlock()

	for _, id := range running {
		c.engine.Cancel(id)
	}
	_ = c.conn.Close()
}

func (c *Connection) isProcessing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.processing > 0
}

func (c *Connection) sinceActivity() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Since(c.lastActivity)
}

func (c *Connection) sinceAnySend() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Since(c.lastAnySend)
}

func intParam(params map[string]any, key string, fallback int) int {
	if v, ok := params[key].(float64); ok && v > 0 {
		return int(v)
	}
	return fallback
}

type unknownMethodError string

func (e unknownMethodError) Error() string { return "unknown method: " + string(e) }

func errUnknownMethod(method string) error { return unknownMethodError(method) }
