package protocol

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Autohost datagram codes, as emitted by the engine's autohost interface.
const (
	EvServerStarted      = 0
	EvServerQuit         = 1
	EvServerStartPlaying = 2
	EvServerGameOver     = 3
	EvServerMessage      = 4
	EvServerWarning      = 5
	EvPlayerJoined       = 10
	EvPlayerLeft         = 11
	EvPlayerReady        = 12
	EvPlayerChat         = 13
	EvPlayerDefeated     = 14
	EvGameTeamStat       = 60
)

// Chat destination values carried by EvPlayerChat.
const (
	ChatToAllies = 252
	ChatToSpecs  = 253
	ChatToAll    = 254
	ChatToHost   = 255
)

// AutohostEvent is one decoded datagram from the running game process.
type AutohostEvent struct {
	Code    int
	Player  int    // EvPlayer* events
	Dest    int    // EvPlayerChat destination
	Text    string // free-form payload
	Winners []int  // EvServerGameOver winning allyteams, as reported
	Stats   *TeamStats
}

// TeamStats is the per-team statistics frame of EvGameTeamStat.
type TeamStats struct {
	Team             int
	Frame            uint32
	MetalUsed        float32
	EnergyUsed       float32
	MetalProduced    float32
	EnergyProduced   float32
	MetalExcess      float32
	EnergyExcess     float32
	MetalReceived    float32
	EnergyReceived   float32
	MetalSent        float32
	EnergySent       float32
	DamageDealt      float32
	DamageReceived   float32
	UnitsProduced    uint32
	UnitsDied        uint32
	UnitsReceived    uint32
	UnitsSent        uint32
	UnitsCaptured    uint32
	UnitsOutCaptured uint32
	UnitsKilled      uint32
}

// DecodeAutohost parses one datagram. Unknown codes are returned as-is with
// the raw payload in Text so callers can log them.
func DecodeAutohost(buf []byte) (AutohostEvent, error) {
	if len(buf) == 0 {
		return AutohostEvent{}, fmt.Errorf("empty autohost datagram")
	}
	ev := AutohostEvent{Code: int(buf[0])}
	body := buf[1:]
	switch ev.Code {
	case EvServerStarted, EvServerQuit, EvServerStartPlaying:
		ev.Text = string(body)
	case EvServerGameOver:
		// playerNum, then the list of winning allyteams.
		if len(body) >= 1 {
			ev.Player = int(body[0])
			for _, w := range body[1:] {
				ev.Winners = append(ev.Winners, int(w))
			}
		}
	case EvServerMessage, EvServerWarning:
		ev.Text = string(body)
	case EvPlayerJoined, EvPlayerLeft, EvPlayerReady, EvPlayerDefeated:
		if len(body) < 1 {
			return ev, fmt.Errorf("autohost event %d: missing player number", ev.Code)
		}
		ev.Player = int(body[0])
		ev.Text = string(body[1:])
	case EvPlayerChat:
		if len(body) < 2 {
			return ev, fmt.Errorf("autohost chat: short datagram")
		}
		ev.Player = int(body[0])
		ev.Dest = int(body[1])
		ev.Text = string(body[2:])
	case EvGameTeamStat:
		st, err := decodeTeamStats(body)
		if err != nil {
			return ev, err
		}
		ev.Stats = st
	default:
		ev.Text = string(body)
	}
	return ev, nil
}

func decodeTeamStats(body []byte) (*TeamStats, error) {
	// team byte + frame + 12 floats + 7 uint32s, little endian.
	const want = 1 + 4 + 12*4 + 7*4
	if len(body) < want {
		return nil, fmt.Errorf("team stats: got %d bytes, want %d", len(body), want)
	}
	st := &TeamStats{Team: int(body[0])}
	le := binary.LittleEndian
	off := 1
	u32 := func() uint32 { v := le.Uint32(body[off:]); off += 4; return v }
	f32 := func() float32 { return math.Float32frombits(u32()) }
	st.Frame = u32()
	st.MetalUsed = f32()
	st.EnergyUsed = f32()
	st.MetalProduced = f32()
	st.EnergyProduced = f32()
	st.MetalExcess = f32()
	st.EnergyExcess = f32()
	st.MetalReceived = f32()
	st.EnergyReceived = f32()
	st.MetalSent = f32()
	st.EnergySent = f32()
	st.DamageDealt = f32()
	st.DamageReceived = f32()
	st.UnitsProduced = u32()
	st.UnitsDied = u32()
	st.UnitsReceived = u32()
	st.UnitsSent = u32()
	st.UnitsCaptured = u32()
	st.UnitsOutCaptured = u32()
	st.UnitsKilled = u32()
	return st, nil
}
