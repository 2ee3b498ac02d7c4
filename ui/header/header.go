package header

import (
	"fmt"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/deemkeen/mammut/ui/common"
	"github.com/deemkeen/mammut/util"
)

type Model struct {
	Width      int
	ServerName string
	StreamId   int64
}

func (m Model) Init() tea.Cmd {
	return nil
}

func (m Model) Update(tea.Msg) (Model, tea.Cmd) {
	return m, nil
}

func (m Model) View() string {
	return GetHeaderStyle(m.ServerName, m.StreamId, m.Width)
}

func GetHeaderStyle(serverName string, streamId int64, width int) string {
	// Each styled box adds 4 chars to the content width:
	// padding(2) + border(2). Three boxes, 12 chars total.
	overhead := 12
	availableWidth := width - overhead

	if availableWidth < 40 {
		availableWidth = 40
	}

	serverWidth := availableWidth / 3
	versionWidth := availableWidth / 3
	streamWidth := availableWidth - serverWidth - versionWidth

	server := lipgloss.
		NewStyle().
		SetString(serverName).
		Align(lipgloss.Left).
		Background(lipgloss.Color(common.COLOR_PURPLE)).
		Padding(1).
		Height(2).
		Width(serverWidth).
		Border(lipgloss.NormalBorder(), true, false, true, false).
		BorderForeground(lipgloss.Color(common.COLOR_MAGENTA)).
		String()

	version := lipgloss.
		NewStyle().
		SetString(util.GetNameAndVersion()).
		Width(versionWidth).
		Height(2).
		Background(lipgloss.Color(common.COLOR_GREY)).
		Padding(1).
		Border(lipgloss.NormalBorder(), true, false, true, false).
		BorderForeground(lipgloss.Color(common.COLOR_MAGENTA)).
		String()

	stream := lipgloss.
		NewStyle().
		SetString(fmt.Sprintf("stream position: %d", streamId)).
		Background(lipgloss.Color(common.COLOR_MAGENTA)).
		Padding(1).
		Align(lipgloss.Left).
		Height(2).
		Width(streamWidth).
		Border(lipgloss.NormalBorder(), true, false, true, false).
		BorderForeground(lipgloss.Color(common.COLOR_MAGENTA)).
		String()

	return lipgloss.JoinHorizontal(
		lipgloss.Left,
		server,
		version,
		stream,
	)
}
