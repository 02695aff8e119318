package ui

import (
	"fmt"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/CadiZhang/space-shooter/internal/peer"
)

// SessionSummary is what the stats table shows at the end of a match.
type SessionSummary struct {
	RoomCode string
	Role     peer.Role
	State    peer.State
	Duration time.Duration
	Stats    peer.Stats
}

// SummaryView renders the end-of-match statistics.
func SummaryView(s SessionSummary) string {
	t := table.NewWriter()
	t.SetTitle(IconStats + " Match Summary")
	t.SetStyle(table.StyleRounded)
	t.Style().Title.Align = text.AlignCenter
	t.Style().Color.Header = text.Colors{text.FgCyan, text.Bold}
	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 2, Align: text.AlignRight},
	})

	st := s.Stats
	t.AppendHeader(table.Row{"Metric", "Value"})
	t.AppendRows([]table.Row{
		{"Room", s.RoomCode},
		{"Role", s.Role},
		{"Final state", s.State},
		{"Duration", s.Duration.Round(time.Second)},
	})
	t.AppendSeparator()
	t.AppendRows([]table.Row{
		{"Messages sent", st.MessagesSent},
		{"Messages received", st.MessagesReceived},
		{"Messages dropped", st.MessagesDropped},
		{"Heartbeats sent", st.HeartbeatsSent},
		{"Heartbeat acks", st.HeartbeatAcks},
		{"Last RTT", formatRTT(st.LastRTT)},
	})
	t.AppendSeparator()
	t.AppendRows([]table.Row{
		{"Offers sent", st.OffersSent},
		{"Answers sent", st.AnswersSent},
		{"Candidates sent", st.CandidatesSent},
		{"Candidates received", st.CandidatesReceived},
		{"Restarts", st.Restarts},
	})
	return t.Render()
}

func RenderSummary(s SessionSummary) {
	fmt.Fprintln(Output, SummaryView(s))
}

func formatRTT(d time.Duration) string {
	if d <= 0 {
		return "-"
	}
	return d.Round(100 * time.Microsecond).String()
}

// RoomCodeView is the box shown to the host after the room is created.
func RoomCodeView(code string) string {
	content := fmt.Sprintf("%s Room Created!\n\n%s Code:  %s\n\n%s",
		IconRoom,
		IconCopy, BoldStyle.Foreground(Primary).Render(code),
		MutedStyle.Render("Share it: space-shooter join "+code),
	)
	return RoomBoxStyle.Render(content)
}

func RenderRoomCode(code string) {
	fmt.Fprintln(Output, RoomCodeView(code))
}
