package console

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/dkeye/meshroom/internal/core"
	"github.com/dkeye/meshroom/internal/domain"
)

// Console prints session updates to a terminal.
type Console struct {
	out  io.Writer
	sink *Sink

	mu           sync.Mutex
	state        core.State
	signal       core.SignalStatus
	elapsed      time.Duration
	participants []domain.Participant
	typing       map[string]bool
}

var _ core.Observer = (*Console)(nil)

// NewConsole writes to out. sink may be nil; it only adds tile stats to the
// participant table.
func NewConsole(out io.Writer, sink *Sink) *Console {
	return &Console{out: out, sink: sink, typing: make(map[string]bool)}
}

func (c *Console) println(s string) {
	_, _ = fmt.Fprintln(c.out, s)
}

func (c *Console) OnState(s core.State, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = s
	switch {
	case s == core.StateRejected:
		c.println(ErrorStyle.Render(rejectMessage(err)))
	case err != nil:
		c.println(ErrorStyle.Render(fmt.Sprintf("%s: %v", s, err)))
	default:
		c.println(MutedStyle.Render("session " + s.String()))
	}
}

func rejectMessage(err error) string {
	var se *core.SessionError
	if errors.As(err, &se) {
		return se.Reason.Message()
	}
	return "The session was rejected."
}

func (c *Console) OnParticipants(ps []domain.Participant) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.participants = append(c.participants[:0], ps...)
}

func (c *Console) OnChat(m domain.ChatMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	name := m.DisplayName
	if m.Local {
		name = "you"
	}
	c.println(fmt.Sprintf("%s %s %s",
		MutedStyle.Render(m.Timestamp.Format("15:04")),
		NameStyle.Render(name+":"),
		m.Text))
}

func (c *Console) OnTyping(name string, typing bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.typing[name] == typing {
		return
	}
	if typing {
		c.typing[name] = true
		c.println(MutedStyle.Render(name + " is typing..."))
		return
	}
	delete(c.typing, name)
}

func (c *Console) OnSignalStatus(s core.SignalStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s == c.signal {
		return
	}
	c.signal = s
	if s != core.SignalConnected {
		c.println(NoticeStyle.Render("signaling " + s.String()))
	}
}

func (c *Console) OnNotice(msg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.println(NoticeStyle.Render(msg))
}

func (c *Console) OnTick(elapsed time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.elapsed = elapsed
}

// Render prints the header and the participant table.
func (c *Console) Render() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.println(c.view())
}

func (c *Console) view() string {
	header := TitleStyle.Render(fmt.Sprintf("meshroom  %s  %s", c.state, formatElapsed(c.elapsed)))
	if len(c.participants) == 0 {
		return lipgloss.JoinVertical(lipgloss.Left, header, MutedStyle.Render("nobody else is here"))
	}

	stats := map[domain.EndpointID]TileStats{}
	if c.sink != nil {
		for _, s := range c.sink.Stats() {
			stats[s.ID] = s
		}
	}
	rows := make([][]string, 0, len(c.participants))
	for _, p := range c.participants {
		var flags []string
		if p.HandRaised {
			flags = append(flags, "hand")
		}
		if p.ScreenSharing {
			flags = append(flags, "screen")
		}
		media := "-"
		if s, ok := stats[p.ID]; ok {
			media = fmt.Sprintf("%d tracks, %d pkts", s.Tracks, s.Packets)
		}
		rows = append(rows, []string{p.DisplayName, string(p.ID), strings.Join(flags, ","), media})
	}

	tbl := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(Primary)).
		Headers("Name", "Endpoint", "Flags", "Media").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == table.HeaderRow:
				return TableHeaderStyle
			case row%2 == 0:
				return TableRowStyle
			default:
				return TableRowAltStyle
			}
		})
	return lipgloss.JoinVertical(lipgloss.Left, header, tbl.Render())
}

func formatElapsed(d time.Duration) string {
	d = d.Round(time.Second)
	h := int(d / time.Hour)
	m := int(d/time.Minute) % 60
	s := int(d/time.Second) % 60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%02d:%02d", m, s)
}
