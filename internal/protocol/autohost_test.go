package protocol

import (
	"encoding/binary"
	"math"
	"testing"
)

func TestDecodeAutohostChat(t *testing.T) {
	ev, err := DecodeAutohost(append([]byte{EvPlayerChat, 3, ChatToAll}, []byte("gg wp")...))
	if err != nil {
		t.Fatal(err)
	}
	if ev.Player != 3 || ev.Dest != ChatToAll || ev.Text != "gg wp" {
		t.Errorf("got %+v", ev)
	}

	if _, err := DecodeAutohost([]byte{EvPlayerChat, 3}); err == nil {
		t.Error("short chat datagram must error")
	}
}

func TestDecodeAutohostGameOver(t *testing.T) {
	ev, err := DecodeAutohost([]byte{EvServerGameOver, 7, 0, 2})
	if err != nil {
		t.Fatal(err)
	}
	if ev.Player != 7 {
		t.Errorf("Player = %d", ev.Player)
	}
	if len(ev.Winners) != 2 || ev.Winners[0] != 0 || ev.Winners[1] != 2 {
		t.Errorf("Winners = %v", ev.Winners)
	}
}

func TestDecodeAutohostPlayerEvents(t *testing.T) {
	ev, err := DecodeAutohost([]byte{EvPlayerLeft, 5, 1})
	if err != nil {
		t.Fatal(err)
	}
	if ev.Player != 5 {
		t.Errorf("Player = %d", ev.Player)
	}
	if _, err := DecodeAutohost([]byte{EvPlayerJoined}); err == nil {
		t.Error("player event without a player number must error")
	}
}

func TestDecodeAutohostUnknownAndEmpty(t *testing.T) {
	ev, err := DecodeAutohost([]byte{99, 'x'})
	if err != nil {
		t.Fatal("unknown codes are passed through, not rejected")
	}
	if ev.Code != 99 || ev.Text != "x" {
		t.Errorf("got %+v", ev)
	}
	if _, err := DecodeAutohost(nil); err == nil {
		t.Error("empty datagram must error")
	}
}

func TestDecodeTeamStats(t *testing.T) {
	buf := []byte{EvGameTeamStat, 2}
	le := binary.LittleEndian
	buf = le.AppendUint32(buf, 9000) // frame
	for i := 0; i < 12; i++ {
		buf = le.AppendUint32(buf, math.Float32bits(float32(i)*1.5))
	}
	for i := 0; i < 7; i++ {
		buf = le.AppendUint32(buf, uint32(100+i))
	}

	ev, err := DecodeAutohost(buf)
	if err != nil {
		t.Fatal(err)
	}
	st := ev.Stats
	if st == nil {
		t.Fatal("no stats decoded")
	}
	if st.Team != 2 || st.Frame != 9000 {
		t.Errorf("header: %+v", st)
	}
	if st.MetalUsed != 0 || st.EnergyUsed != 1.5 || st.DamageReceived != 16.5 {
		t.Errorf("floats: %+v", st)
	}
	if st.UnitsProduced != 100 || st.UnitsKilled != 106 {
		t.Errorf("counters: %+v", st)
	}

	if _, err := DecodeAutohost(buf[:10]); err == nil {
		t.Error("truncated stats frame must error")
	}
}
