package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"blockstage.ai/internal/protocol"
)

func main() {
	var (
		url     = flag.String("url", "ws://localhost:8080/v1/ws", "ws url")
		name    = flag.String("name", "bot", "client name")
		timeout = flag.Duration("timeout", 15*time.Second, "give up waiting for the swap after this long")
	)
	flag.Parse()

	logger, _ := zap.NewDevelopment()
	defer func() { _ = logger.Sync() }()

	conn, _, err := websocket.DefaultDialer.Dial(*url, nil)
	if err != nil {
		logger.Fatal("dial", zap.Error(err))
	}
	defer conn.Close()

	c := &client{conn: conn, log: logger}
	if err := c.hello(*name); err != nil {
		logger.Fatal("handshake", zap.Error(err))
	}

	res, err := c.runScenario(*timeout)
	if err != nil {
		logger.Fatal("scenario", zap.Error(err))
	}
	fmt.Printf("swap observed: A=%s scripts=%v pos=(%.1f,%.1f)  B=%s scripts=%v pos=(%.1f,%.1f)\n",
		res.A.ID, steps(res.A), res.A.Pos.X, res.A.Pos.Y,
		res.B.ID, steps(res.B), res.B.Pos.X, res.B.Pos.Y)
	os.Exit(0)
}

type client struct {
	conn  *websocket.Conn
	log   *zap.Logger
	seq   int
	state protocol.StateMsg
}

func (c *client) hello(name string) error {
	hello := protocol.HelloMsg{Type: protocol.TypeHello, ProtocolVersion: protocol.Version, ClientName: name}
	if err := c.conn.WriteJSON(hello); err != nil {
		return err
	}
	var w protocol.WelcomeMsg
	if err := c.conn.ReadJSON(&w); err != nil {
		return err
	}
	if w.Type != protocol.TypeWelcome {
		return fmt.Errorf("expected WELCOME, got %s", w.Type)
	}
	c.log.Info("WELCOME", zap.String("connection_id", w.ConnectionID), zap.Float64("collision_radius", w.StageParams.CollisionRadius))
	return nil
}

// next reads one frame, remembering the latest STATE.
func (c *client) next(deadline time.Time) (protocol.BaseMessage, []byte, error) {
	_ = c.conn.SetReadDeadline(deadline)
	_, msg, err := c.conn.ReadMessage()
	if err != nil {
		return protocol.BaseMessage{}, nil, err
	}
	base, err := protocol.DecodeBase(msg)
	if err != nil {
		return base, nil, err
	}
	if base.Type == protocol.TypeState {
		var st protocol.StateMsg
		if err := json.Unmarshal(msg, &st); err == nil {
			c.state = st
		}
	}
	return base, msg, nil
}

// send issues a command and waits for its ACK.
func (c *client) send(cmd protocol.CmdMsg) (protocol.AckMsg, error) {
	c.seq++
	cmd.Type = protocol.TypeCmd
	cmd.ProtocolVersion = protocol.Version
	cmd.ID = fmt.Sprintf("bot_%d", c.seq)
	if err := c.conn.WriteJSON(cmd); err != nil {
		return protocol.AckMsg{}, err
	}
	deadline := time.Now().Add(5 * time.Second)
	for {
		base, msg, err := c.next(deadline)
		if err != nil {
			return protocol.AckMsg{}, err
		}
		if base.Type != protocol.TypeAck {
			continue
		}
		var ack protocol.AckMsg
		if err := json.Unmarshal(msg, &ack); err != nil {
			return ack, err
		}
		if ack.AckFor != cmd.ID {
			continue
		}
		if !ack.Accepted {
			return ack, fmt.Errorf("%s rejected: %s %s", cmd.Op, ack.Code, ack.Message)
		}
		return ack, nil
	}
}

type scenarioResult struct {
	A, B protocol.SpriteState
}

func (c *client) addSprite(kind string, x, y, moveSteps float64) (string, error) {
	ack, err := c.send(protocol.CmdMsg{Op: protocol.OpAddSprite, Kind: kind})
	if err != nil {
		return "", err
	}
	id := ack.SpriteID
	for axis, v := range map[string]float64{"x": x, "y": y} {
		raw, _ := json.Marshal(v)
		if _, err := c.send(protocol.CmdMsg{Op: protocol.OpSetPosition, SpriteID: id, Axis: axis, Value: raw}); err != nil {
			return "", err
		}
	}
	block := &protocol.BlockSpec{Category: "motion", Subtype: "move_steps", Steps: &moveSteps}
	if _, err := c.send(protocol.CmdMsg{Op: protocol.OpAddBlock, SpriteID: id, Block: block}); err != nil {
		return "", err
	}
	return id, nil
}

// runScenario places A at (0,0) moving +100 and B at (90,0) moving -100,
// plays, and waits until both sprites have run their swapped scripts.
func (c *client) runScenario(timeout time.Duration) (scenarioResult, error) {
	if _, err := c.send(protocol.CmdMsg{Op: protocol.OpReset}); err != nil {
		return scenarioResult{}, err
	}
	a, err := c.addSprite("cat", 0, 0, 100)
	if err != nil {
		return scenarioResult{}, err
	}
	b, err := c.addSprite("dog", 90, 0, -100)
	if err != nil {
		return scenarioResult{}, err
	}
	ack, err := c.send(protocol.CmdMsg{Op: protocol.OpPlayToggle})
	if err != nil {
		return scenarioResult{}, err
	}
	if ack.Playing == nil || !*ack.Playing {
		return scenarioResult{}, fmt.Errorf("stage did not start playing")
	}
	c.log.Info("playing", zap.String("a", a), zap.String("b", b))

	deadline := time.Now().Add(timeout)
	for {
		if res, ok := swapped(c.state, a, b); ok {
			_, _ = c.send(protocol.CmdMsg{Op: protocol.OpPlayToggle})
			return res, nil
		}
		if _, _, err := c.next(deadline); err != nil {
			return scenarioResult{}, fmt.Errorf("waiting for swap: %w", err)
		}
	}
}

func swapped(st protocol.StateMsg, a, b string) (scenarioResult, bool) {
	var res scenarioResult
	found := 0
	for _, sp := range st.Sprites {
		switch sp.ID {
		case a:
			res.A = sp
			found++
		case b:
			res.B = sp
			found++
		}
	}
	if found != 2 || res.A.Executing || res.B.Executing {
		return res, false
	}
	if len(res.A.Scripts) != 1 || len(res.B.Scripts) != 1 {
		return res, false
	}
	if res.A.Scripts[0].Steps != -100 || res.B.Scripts[0].Steps != 100 {
		return res, false
	}
	// Both have run their swapped scripts: A ends left of its start, B right.
	return res, res.A.Pos.X < 0 && res.B.Pos.X > 90
}

func steps(sp protocol.SpriteState) []float64 {
	out := make([]float64, 0, len(sp.Scripts))
	for _, b := range sp.Scripts {
		out = append(out, b.Steps)
	}
	return out
}
