package battle

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/akoven/autohost/internal/balance"
)

// Member modes.
const (
	ModeSpectator = 0
	ModePlayer    = 1
)

// BattleStatus is the per-member battle state mirrored to the lobby.
type BattleStatus struct {
	Mode  int // player or spectator
	Team  int // allyteam
	ID    int // in-game team
	Ready bool
	Sync  int // 0 unknown, 1 synced, 2 unsynced
	Side  int
	Bonus int
}

// Member is one human in the battle room.
type Member struct {
	Name           string
	Status         BattleStatus
	Color          balance.Color
	ScriptPassword string
	JoinOrder      int
}

// Bot is an AI added to the battle.
type Bot struct {
	Name      string
	Owner     string
	AISpec    string
	Status    BattleStatus
	Color     balance.Color
	JoinOrder int
	Local     bool // added by the host itself
}

// Sender issues lobby commands on behalf of the room. Implemented by the
// connection layer; calls go through the normal-priority queue.
type Sender func(cmd string, args ...string)

// Room is the hosted battle. Owned by the main loop; no internal locking.
type Room struct {
	log  *logrus.Logger
	send Sender

	Founder    string
	BattleID   int
	Opened     bool
	Locked     bool
	Password   string
	MaxPlayers int

	Map     string
	MapHash int
	ModName string
	Engine  string

	members   map[string]*Member
	bots      map[string]*Bot
	rects     map[int]StartRect
	tags      map[string]string // scripttags
	disabled  []string          // disabled units
	joinSeq   int
	bossSet   map[string]bool
	BossSince time.Time

	// battleChange is stamped on every membership or status mutation; the
	// policy loop uses it for cheap change detection.
	battleChange time.Time

	// lastInfo caches the last UPDATEBATTLEINFO payload sent.
	lastInfo string

	// gameType is the current classification, updated by the policy tick.
	gameType string

	now func() time.Time
}

// NewRoom creates an unopened room.
func NewRoom(log *logrus.Logger, send Sender, founder string) *Room {
	return &Room{
		log:     log,
		send:    send,
		Founder: founder,
		members: make(map[string]*Member),
		bots:    make(map[string]*Bot),
		rects:   make(map[int]StartRect),
		tags:    make(map[string]string),
		bossSet: make(map[string]bool),
		now:     time.Now,
	}
}

func (r *Room) touch() { r.battleChange = r.now() }

// LastChange returns the timestamp of the last room mutation.
func (r *Room) LastChange() time.Time { return r.battleChange }

// Open sends OPENBATTLE and pushes the initial battle settings: start
// position type, mod/map options, unit availability and start rects.
func (r *Room) Open(name, password string, port, maxPlayers, natType, rankLimit, mapHash int, engineVersion, modName, mapName string, startposType string, options map[string]string, disabledUnits []string) {
	r.Password = password
	r.MaxPlayers = maxPlayers
	r.Map = mapName
	r.MapHash = mapHash
	r.ModName = modName
	r.Engine = engineVersion
	pw := password
	if pw == "" {
		pw = "*"
	}
	r.send("OPENBATTLE", "0", fmt.Sprint(natType), pw, fmt.Sprint(port), fmt.Sprint(maxPlayers),
		"0", fmt.Sprint(rankLimit), fmt.Sprint(mapHash),
		"engine\tspring\t"+engineVersion+"\t"+mapName+"\t"+name+"\t"+modName)
	r.Opened = true
	r.touch()

	tags := map[string]string{"game/startpostype": startposType}
	for k, v := range options {
		tags[k] = v
	}
	r.SetScriptTags(tags)
	r.send("ENABLEALLUNITS")
	if len(disabledUnits) > 0 {
		r.disabled = append([]string(nil), disabledUnits...)
		r.send("DISABLEUNITS", disabledUnits...)
	}
}

// Close leaves the battle and resets room state.
func (r *Room) Close() {
	if !r.Opened {
		return
	}
	r.send("LEAVEBATTLE")
	r.Opened = false
	r.members = make(map[string]*Member)
	r.bots = make(map[string]*Bot)
	r.rects = make(map[int]StartRect)
	r.tags = make(map[string]string)
	r.lastInfo = ""
	r.Locked = false
	r.touch()
}

// AddMember handles JOINEDBATTLE.
func (r *Room) AddMember(name, scriptPassword string) *Member {
	r.joinSeq++
	m := &Member{
		Name:           name,
		ScriptPassword: scriptPassword,
		JoinOrder:      r.joinSeq,
		Status:         BattleStatus{Mode: ModeSpectator},
	}
	r.members[name] = m
	r.touch()
	return m
}

// RemoveMember handles LEFTBATTLE / KICKFROMBATTLE.
func (r *Room) RemoveMember(name string) {
	if _, ok := r.members[name]; !ok {
		return
	}
	delete(r.members, name)
	for botName, b := range r.bots {
		if b.Owner == name {
			delete(r.bots, botName)
		}
	}
	delete(r.bossSet, name)
	r.touch()
}

// Member returns the member by name.
func (r *Room) Member(name string) (*Member, bool) {
	m, ok := r.members[name]
	return m, ok
}

// Members returns all members, join order preserved.
func (r *Room) Members() []*Member {
	out := make([]*Member, 0, len(r.members))
	for _, m := range r.members {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JoinOrder < out[j].JoinOrder })
	return out
}

// SetMemberStatus applies a CLIENTBATTLESTATUS update.
func (r *Room) SetMemberStatus(name string, st BattleStatus, color balance.Color) {
	m, ok := r.members[name]
	if !ok {
		return
	}
	m.Status = st
	m.Color = color
	r.touch()
}

// AddBot handles ADDBOT. Local marks bots owned by the host.
func (r *Room) AddBot(name, owner, aiSpec string, st BattleStatus, color balance.Color) *Bot {
	r.joinSeq++
	b := &Bot{
		Name: name, Owner: owner, AISpec: aiSpec,
		Status: st, Color: color, JoinOrder: r.joinSeq,
		Local: owner == r.Founder,
	}
	r.bots[name] = b
	r.touch()
	return b
}

// RemoveBot handles REMOVEBOT.
func (r *Room) RemoveBot(name string) {
	if _, ok := r.bots[name]; ok {
		delete(r.bots, name)
		r.touch()
	}
}

// Bots returns all bots, join order preserved.
func (r *Room) Bots() []*Bot {
	out := make([]*Bot, 0, len(r.bots))
	for _, b := range r.bots {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JoinOrder < out[j].JoinOrder })
	return out
}

// Players returns members in player mode, excluding the founder.
func (r *Room) Players() []*Member {
	var out []*Member
	for _, m := range r.Members() {
		if m.Status.Mode == ModePlayer && m.Name != r.Founder {
			out = append(out, m)
		}
	}
	return out
}

// Specs returns spectating members, excluding the founder.
func (r *Room) Specs() []*Member {
	var out []*Member
	for _, m := range r.Members() {
		if m.Status.Mode == ModeSpectator && m.Name != r.Founder {
			out = append(out, m)
		}
	}
	return out
}

// SetScriptTags sends SETSCRIPTTAGS for tags that changed.
func (r *Room) SetScriptTags(tags map[string]string) {
	var changed []string
	for k, v := range tags {
		if r.tags[k] != v {
			r.tags[k] = v
			changed = append(changed, k+"="+v)
		}
	}
	if len(changed) == 0 {
		return
	}
	sort.Strings(changed)
	r.send("SETSCRIPTTAGS", strings.Join(changed, "\t"))
	r.touch()
}

// RemoveScriptTags sends REMOVESCRIPTTAGS for present keys.
func (r *Room) RemoveScriptTags(keys ...string) {
	var present []string
	for _, k := range keys {
		if _, ok := r.tags[k]; ok {
			delete(r.tags, k)
			present = append(present, k)
		}
	}
	if len(present) > 0 {
		r.send("REMOVESCRIPTTAGS", present...)
		r.touch()
	}
}

// ScriptTag reads a current script tag value.
func (r *Room) ScriptTag(key string) string { return r.tags[key] }

// ScriptTags returns a copy of all script tags.
func (r *Room) ScriptTags() map[string]string {
	out := make(map[string]string, len(r.tags))
	for k, v := range r.tags {
		out[k] = v
	}
	return out
}

// SetStartRect applies one allyteam start rect (ADDSTARTRECT).
func (r *Room) SetStartRect(team int, rect StartRect) {
	r.rects[team] = rect
	r.send("ADDSTARTRECT", fmt.Sprint(team), fmt.Sprint(rect.Left), fmt.Sprint(rect.Top), fmt.Sprint(rect.Right), fmt.Sprint(rect.Bottom))
	r.touch()
}

// ClearStartRects removes all start rects, used on map change and whenever
// startpostype leaves "choose in game".
func (r *Room) ClearStartRects() {
	for team := range r.rects {
		r.send("REMOVESTARTRECT", fmt.Sprint(team))
	}
	r.rects = make(map[int]StartRect)
	r.touch()
}

// StartRects returns the current rects keyed by allyteam.
func (r *Room) StartRects() map[int]StartRect {
	out := make(map[int]StartRect, len(r.rects))
	for k, v := range r.rects {
		out[k] = v
	}
	return out
}

// ChangeMap switches the hosted map: rects drop, battle info updates.
func (r *Room) ChangeMap(name string, hash int) {
	r.Map = name
	r.MapHash = hash
	r.ClearStartRects()
	r.touch()
}

// Boss handling. While the boss set is non-empty, all non-boss users have
// effective access level 0.
func (r *Room) SetBoss(name string) {
	if len(r.bossSet) == 0 {
		r.BossSince = r.now()
	}
	r.bossSet[name] = true
	r.touch()
}

func (r *Room) ClearBosses() {
	r.bossSet = make(map[string]bool)
	r.touch()
}

func (r *Room) IsBoss(name string) bool { return r.bossSet[name] }

func (r *Room) BossMode() bool { return len(r.bossSet) > 0 }

func (r *Room) Bosses() []string {
	out := make([]string, 0, len(r.bossSet))
	for n := range r.bossSet {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Kick removes a member via the lobby server.
func (r *Room) Kick(name string) {
	r.send("KICKFROMBATTLE", name)
}

// ForceSpec moves a member to spectator mode.
func (r *Room) ForceSpec(name string) {
	r.send("FORCESPECTATORMODE", name)
}

// CurrentAssignments extracts the (team, id) map used for balance target
// comparison. Spectators are excluded.
func (r *Room) CurrentAssignments() map[string]balance.Assignment {
	out := make(map[string]balance.Assignment)
	for _, m := range r.Players() {
		out[m.Name] = balance.Assignment{Team: m.Status.Team, ID: m.Status.ID}
	}
	for _, b := range r.Bots() {
		out[b.Name] = balance.Assignment{Team: b.Status.Team, ID: b.Status.ID}
	}
	return out
}

// ApplyAssignments sends only the balance commands that change something:
// FORCEALLYNO / FORCETEAMNO for players, UPDATEBOT for bots.
func (r *Room) ApplyAssignments(target map[string]balance.Assignment) int {
	sent := 0
	for _, m := range r.Players() {
		want, ok := target[m.Name]
		if !ok {
			continue
		}
		if m.Status.Team != want.Team {
			r.send("FORCEALLYNO", m.Name, fmt.Sprint(want.Team))
			sent++
		}
		if m.Status.ID != want.ID {
			r.send("FORCETEAMNO", m.Name, fmt.Sprint(want.ID))
			sent++
		}
	}
	for _, b := range r.Bots() {
		want, ok := target[b.Name]
		if !ok {
			continue
		}
		if b.Status.Team != want.Team || b.Status.ID != want.ID {
			st := b.Status
			st.Team, st.ID = want.Team, want.ID
			r.send("UPDATEBOT", b.Name, encodeBotStatus(st), encodeColor(b.Color))
			sent++
		}
	}
	return sent
}

// ApplyColors sends FORCETEAMCOLOR / UPDATEBOT only where colors differ.
func (r *Room) ApplyColors(colors map[int]balance.Color) int {
	sent := 0
	for _, m := range r.Players() {
		want, ok := colors[m.Status.ID]
		if !ok || m.Color == want {
			continue
		}
		r.send("FORCETEAMCOLOR", m.Name, fmt.Sprint(encodeColorInt(want)))
		sent++
	}
	for _, b := range r.Bots() {
		want, ok := colors[b.Status.ID]
		if !ok || b.Color == want {
			continue
		}
		r.send("UPDATEBOT", b.Name, encodeBotStatus(b.Status), encodeColor(want))
		sent++
	}
	return sent
}

// CheckTeamIDConsistency verifies no id is shared by two allyteams.
func (r *Room) CheckTeamIDConsistency() bool {
	teamByID := map[int]int{}
	check := func(st BattleStatus) bool {
		if st.Mode != ModePlayer {
			return true
		}
		if t, ok := teamByID[st.ID]; ok && t != st.Team {
			return false
		}
		teamByID[st.ID] = st.Team
		return true
	}
	for _, m := range r.Members() {
		if m.Name == r.Founder {
			continue
		}
		if !check(m.Status) {
			return false
		}
	}
	for _, b := range r.Bots() {
		if !check(b.Status) {
			return false
		}
	}
	return true
}

func encodeColorInt(c balance.Color) int {
	// Lobby color integers are 0x00BBGGRR.
	return int(c.B)<<16 | int(c.G)<<8 | int(c.R)
}

func encodeColor(c balance.Color) string {
	return fmt.Sprint(encodeColorInt(c))
}

func encodeBotStatus(st BattleStatus) string {
	// Battle status bitfield: bit1 ready, bits 2-5 id, bits 6-9 team,
	// bit 10 mode, bits 18-21 side, bits 22-23 sync.
	v := 0
	if st.Ready {
		v |= 1 << 1
	}
	v |= (st.ID & 0xF) << 2
	v |= (st.Team & 0xF) << 6
	if st.Mode == ModePlayer {
		v |= 1 << 10
	}
	v |= (st.Side & 0xF) << 18
	v |= (st.Sync & 0x3) << 22
	return fmt.Sprint(v)
}

// DecodeBattleStatus parses the CLIENTBATTLESTATUS bitfield.
func DecodeBattleStatus(v int) BattleStatus {
	st := BattleStatus{}
	st.Ready = v&(1<<1) != 0
	st.ID = (v >> 2) & 0xF
	st.Team = (v >> 6) & 0xF
	if v&(1<<10) != 0 {
		st.Mode = ModePlayer
	}
	st.Side = (v >> 18) & 0xF
	st.Sync = (v >> 22) & 0x3
	return st
}

// EncodeBattleStatus renders a status back to the lobby bitfield.
func EncodeBattleStatus(st BattleStatus) int {
	v := 0
	if st.Ready {
		v |= 1 << 1
	}
	v |= (st.ID & 0xF) << 2
	v |= (st.Team & 0xF) << 6
	if st.Mode == ModePlayer {
		v |= 1 << 10
	}
	v |= (st.Side & 0xF) << 18
	v |= (st.Sync & 0x3) << 22
	return v
}

// DecodeColor parses a lobby 0x00BBGGRR color integer.
func DecodeColor(v int) balance.Color {
	return balance.Color{R: uint8(v & 0xFF), G: uint8((v >> 8) & 0xFF), B: uint8((v >> 16) & 0xFF)}
}
