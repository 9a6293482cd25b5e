// Package protocol implements the line-oriented lobby command codec and the
// binary autohost datagram decoder consumed by the agent.
package protocol

import "strings"

// Message is one lobby protocol line: a command word followed by
// space-separated parameters. Multi-word trailing parameters ("sentences")
// are reassembled by the caller with Sentence.
type Message struct {
	Cmd  string
	Args []string
}

// Parse splits a raw lobby line. Empty lines yield a Message with empty Cmd.
func Parse(line string) Message {
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return Message{}
	}
	words := strings.Split(line, " ")
	return Message{Cmd: words[0], Args: words[1:]}
}

// Sentence joins the arguments from index i onward back into the original
// space-separated text. Returns "" when i is out of range.
func (m Message) Sentence(i int) string {
	if i >= len(m.Args) {
		return ""
	}
	return strings.Join(m.Args[i:], " ")
}

// Arg returns argument i or "" when absent.
func (m Message) Arg(i int) string {
	if i >= len(m.Args) {
		return ""
	}
	return m.Args[i]
}

// Format renders a command and its parameters as a wire line (without the
// trailing newline). Parameters containing newlines are sanitized since the
// framing is line-based.
func Format(cmd string, args ...string) string {
	var b strings.Builder
	b.WriteString(cmd)
	for _, a := range args {
		b.WriteByte(' ')
		b.WriteString(sanitize(a))
	}
	return b.String()
}

func sanitize(s string) string {
	if !strings.ContainsAny(s, "\r\n") {
		return s
	}
	r := strings.NewReplacer("\r", " ", "\n", " ")
	return r.Replace(s)
}

// Tabbed splits a parameter that packs several sentences with tab
// separators (BATTLEOPENED, OPENBATTLE and friends use this form).
func Tabbed(s string) []string {
	return strings.Split(s, "\t")
}
