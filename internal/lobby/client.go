package lobby

import (
	"bufio"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/akoven/autohost/internal/protocol"
)

// State is the lobby session state. Only forward transitions happen
// spontaneously; any regression goes through Disconnected.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	LoggedIn
	Synchronized
	OpeningBattle
	BattleOpened
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "Disconnected"
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	case LoggedIn:
		return "LoggedIn"
	case Synchronized:
		return "Synchronized"
	case OpeningBattle:
		return "OpeningBattle"
	default:
		return "BattleOpened"
	}
}

// ErrCertificate is returned when TLS pinning rejects the server.
var ErrCertificate = errors.New("untrusted server certificate")

// ErrReconnectExhausted is surfaced when the reconnect policy forbids
// another attempt (delay 0 after at least one try).
var ErrReconnectExhausted = errors.New("lobby connection failed and reconnection is disabled")

// Handler processes one inbound lobby message on the main loop.
type Handler func(msg protocol.Message)

// Config is the connection-level configuration.
type Config struct {
	Host           string
	Port           int
	TLS            string // on | off | auto
	ReconnectDelay string // seconds or "a-b"
	FollowRedirect bool

	// TrustedCerts maps host -> accepted SHA-256 fingerprints (hex).
	TrustedCerts map[string][]string
	// TrustOnConnect, when non-empty, adds the presented certificate hash
	// for the matching host to the trusted set (--tls-cert-trust).
	TrustOnConnect string
	// PersistTrust is called when a new fingerprint is accepted.
	PersistTrust func(host, hash string)
}

// Client manages the lobby TCP/TLS session. Inbound lines are read by a
// goroutine and handed to the main loop through Lines; everything else is
// main-loop only.
type Client struct {
	log *logrus.Logger
	cfg Config

	state State
	conn  net.Conn
	// Lines delivers inbound protocol lines; ReadErrs delivers the reader's
	// terminal error.
	Lines    chan string
	ReadErrs chan error

	Queues *Queues

	handlers map[string][]Handler

	host string
	port int

	connectedAt time.Time
	lastRecv    time.Time
	lastSend    time.Time
	lastPing    time.Time

	attempts    int
	reconnectAt time.Time

	rng *rand.Rand
}

// NewClient builds a client. queues must be non-nil.
func NewClient(log *logrus.Logger, cfg Config, queues *Queues) *Client {
	return &Client{
		log:      log,
		cfg:      cfg,
		Queues:   queues,
		handlers: make(map[string][]Handler),
		host:     cfg.Host,
		port:     cfg.Port,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// State returns the current session state.
func (c *Client) State() State { return c.state }

// SetState advances the session state (used by the agent for the login and
// battle-opening milestones).
func (c *Client) SetState(s State) {
	if s != c.state {
		c.log.WithFields(logrus.Fields{"from": c.state.String(), "to": s.String()}).Debug("lobby state")
		c.state = s
	}
}

// On registers a handler for a lobby command. Handlers run in registration
// order.
func (c *Client) On(cmd string, h Handler) {
	c.handlers[cmd] = append(c.handlers[cmd], h)
}

// Dispatch routes one inbound line to its handlers. Unhandled commands are
// logged at trace level only.
func (c *Client) Dispatch(line string) {
	c.lastRecv = time.Now()
	msg := protocol.Parse(line)
	if msg.Cmd == "" {
		return
	}
	hs := c.handlers[msg.Cmd]
	if len(hs) == 0 {
		c.log.WithField("cmd", msg.Cmd).Trace("unhandled lobby command")
		return
	}
	for _, h := range hs {
		h(msg)
	}
}

// Connect dials the lobby server, performing TLS setup and certificate
// pinning when enabled. On success the reader goroutine starts and the
// state is Connected.
func (c *Client) Connect() error {
	c.SetState(Connecting)
	c.attempts++
	addr := net.JoinHostPort(c.host, strconv.Itoa(c.port))
	d := net.Dialer{Timeout: 30 * time.Second}
	raw, err := d.Dial("tcp", addr)
	if err != nil {
		c.SetState(Disconnected)
		return fmt.Errorf("connecting to %s: %w", addr, err)
	}
	conn := raw
	if c.cfg.TLS == "on" || c.cfg.TLS == "auto" {
		tc, err := c.wrapTLS(raw)
		if err != nil {
			raw.Close()
			c.SetState(Disconnected)
			if errors.Is(err, ErrCertificate) || c.cfg.TLS == "on" {
				return err
			}
			// auto: retry in clear.
			c.log.WithError(err).Info("TLS unavailable, falling back to plain TCP")
			raw, err = d.Dial("tcp", addr)
			if err != nil {
				return fmt.Errorf("connecting to %s: %w", addr, err)
			}
			conn = raw
		} else if tc != nil {
			conn = tc
		}
	}
	c.conn = conn
	c.connectedAt = time.Now()
	c.lastRecv = c.connectedAt
	c.lastSend = c.connectedAt
	c.lastPing = time.Time{}
	c.Lines = make(chan string, 256)
	c.ReadErrs = make(chan error, 1)
	go c.readLoop(conn, c.Lines, c.ReadErrs)
	c.SetState(Connected)
	c.log.WithField("addr", addr).Info("connected to lobby server")
	return nil
}

func (c *Client) wrapTLS(raw net.Conn) (net.Conn, error) {
	chainOK := false
	tconf := &tls.Config{
		ServerName:         c.host,
		InsecureSkipVerify: true,
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			chainOK = c.chainVerifies(rawCerts)
			return nil
		},
	}
	tc := tls.Client(raw, tconf)
	if err := tc.Handshake(); err != nil {
		return nil, fmt.Errorf("tls handshake: %w", err)
	}
	certs := tc.ConnectionState().PeerCertificates
	if len(certs) == 0 {
		return nil, ErrCertificate
	}
	sum := sha256.Sum256(certs[0].Raw)
	hash := hex.EncodeToString(sum[:])
	switch {
	case c.isTrusted(hash):
	case c.trustOnConnect(hash):
		c.log.WithFields(logrus.Fields{"host": c.host, "hash": hash}).Info("server certificate added to trust store")
	case chainOK:
	default:
		c.log.WithFields(logrus.Fields{"host": c.host, "hash": hash}).Error("server certificate is not trusted")
		return nil, ErrCertificate
	}
	return tc, nil
}

func (c *Client) chainVerifies(rawCerts [][]byte) bool {
	if len(rawCerts) == 0 {
		return false
	}
	leaf, err := x509.ParseCertificate(rawCerts[0])
	if err != nil {
		return false
	}
	inter := x509.NewCertPool()
	for _, rc := range rawCerts[1:] {
		if cert, err := x509.ParseCertificate(rc); err == nil {
			inter.AddCert(cert)
		}
	}
	_, err = leaf.Verify(x509.VerifyOptions{DNSName: c.host, Intermediates: inter})
	return err == nil
}

func (c *Client) isTrusted(hash string) bool {
	for _, h := range c.cfg.TrustedCerts[c.host] {
		if strings.EqualFold(h, hash) {
			return true
		}
	}
	return false
}

func (c *Client) trustOnConnect(hash string) bool {
	t := c.cfg.TrustOnConnect
	if t == "" {
		return false
	}
	// Accepted forms: "", "hash", "host:hash".
	if host, h, ok := strings.Cut(t, ":"); ok {
		if host != c.host || !strings.EqualFold(h, hash) {
			return false
		}
	} else if t != "1" && !strings.EqualFold(t, hash) {
		return false
	}
	if c.cfg.TrustedCerts == nil {
		c.cfg.TrustedCerts = make(map[string][]string)
	}
	c.cfg.TrustedCerts[c.host] = append(c.cfg.TrustedCerts[c.host], hash)
	if c.cfg.PersistTrust != nil {
		c.cfg.PersistTrust(c.host, hash)
	}
	return true
}

func (c *Client) readLoop(conn net.Conn, lines chan<- string, errs chan<- error) {
	sc := bufio.NewScanner(conn)
	sc.Buffer(make([]byte, 0, 4096), 1<<20)
	for sc.Scan() {
		lines <- sc.Text()
	}
	err := sc.Err()
	if err == nil {
		err = fmt.Errorf("lobby connection closed by peer")
	}
	errs <- err
	close(lines)
}

// Disconnect tears the session down and schedules the next reconnect.
func (c *Client) Disconnect() {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.Queues.Clear()
	c.SetState(Disconnected)
	c.scheduleReconnect()
}

var delayRangeRe = regexp.MustCompile(`^(\d+)-(\d+)$`)

// scheduleReconnect draws the next delay; "a-b" picks a fresh uniform
// integer each cycle.
func (c *Client) scheduleReconnect() {
	delay := c.cfg.ReconnectDelay
	if m := delayRangeRe.FindStringSubmatch(delay); m != nil {
		a, _ := strconv.Atoi(m[1])
		b, _ := strconv.Atoi(m[2])
		if b < a {
			a, b = b, a
		}
		secs := a + c.rng.Intn(b-a+1)
		c.reconnectAt = time.Now().Add(time.Duration(secs) * time.Second)
		return
	}
	secs, err := strconv.Atoi(delay)
	if err != nil {
		secs = 20
	}
	c.reconnectAt = time.Now().Add(time.Duration(secs) * time.Second)
}

// ReconnectDue reports whether a reconnect attempt should run now, or an
// error when the policy forbids reconnecting (delay 0 after >=1 attempt).
func (c *Client) ReconnectDue() (bool, error) {
	if c.state != Disconnected {
		return false, nil
	}
	if c.cfg.ReconnectDelay == "0" && c.attempts >= 1 {
		return false, ErrReconnectExhausted
	}
	return !time.Now().Before(c.reconnectAt), nil
}

// Redirect retargets the session to ip:port (REDIRECT command) when the
// follow-redirect policy allows and the arguments are a valid IPv4+port.
func (c *Client) Redirect(ip string, port int) bool {
	if !c.cfg.FollowRedirect {
		c.log.Warn("ignoring lobby redirect (lobbyFollowRedirect disabled)")
		return false
	}
	parsed := net.ParseIP(ip)
	if parsed == nil || parsed.To4() == nil || port <= 0 || port > 65535 {
		c.log.WithFields(logrus.Fields{"ip": ip, "port": port}).Warn("ignoring invalid lobby redirect")
		return false
	}
	c.log.WithFields(logrus.Fields{"ip": ip, "port": port}).Info("following lobby redirect")
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.Queues.Clear()
	c.host, c.port = ip, port
	c.SetState(Disconnected)
	c.reconnectAt = time.Now()
	return true
}

// Send enqueues a command at normal priority.
func (c *Client) Send(cmd string, args ...string) {
	c.Queues.Push(protocol.Format(cmd, args...))
}

// SendLow enqueues at low priority (private messages).
func (c *Client) SendLow(cmd string, args ...string) {
	c.Queues.PushLow(protocol.Format(cmd, args...))
}

// Tick pumps the queues and enforces liveness. Returns an error when the
// link is considered broken.
func (c *Client) Tick() error {
	if c.state == Disconnected || c.conn == nil {
		return nil
	}
	now := time.Now()
	// PING when idle in either direction.
	if (now.Sub(c.lastSend) > 5*time.Second && now.Sub(c.lastPing) > 5*time.Second) ||
		(now.Sub(c.lastRecv) > 28*time.Second && now.Sub(c.lastPing) > 28*time.Second) {
		c.Queues.Push(protocol.Format("PING"))
		c.lastPing = now
	}
	// Broken-link detection.
	if now.Sub(c.connectedAt) > 30*time.Second && now.Sub(c.lastRecv) > 60*time.Second {
		return fmt.Errorf("lobby link timed out (no data for %s)", now.Sub(c.lastRecv).Round(time.Second))
	}
	return c.Queues.Pump(c.write)
}

func (c *Client) write(line string) error {
	if c.conn == nil {
		return fmt.Errorf("not connected")
	}
	c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if _, err := c.conn.Write([]byte(line + "\n")); err != nil {
		return fmt.Errorf("lobby write: %w", err)
	}
	c.lastSend = time.Now()
	return nil
}

// Attempts returns the number of connection attempts so far.
func (c *Client) Attempts() int { return c.attempts }

// Target returns the current lobby endpoint.
func (c *Client) Target() (string, int) { return c.host, c.port }
