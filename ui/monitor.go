package ui

import (
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/deemkeen/mammut/db"
	"github.com/deemkeen/mammut/domain"
	"github.com/deemkeen/mammut/ui/common"
	"github.com/deemkeen/mammut/ui/header"
	"github.com/deemkeen/mammut/util"
)

const refreshInterval = 5 * time.Second

type MainModel struct {
	width       int
	height      int
	conf        *util.AppConfig
	headerModel header.Model
	table       table.Model
	totals      domain.QueueTotals
	lastRefresh time.Time
	err         string
}

type statsLoadedMsg struct {
	totals domain.QueueTotals
	stats  []domain.OutboxStat
	err    error
}

type tickMsg time.Time

func loadStats() tea.Cmd {
	return func() tea.Msg {
		database := db.GetDB()

		err, totals := database.ReadQueueTotals()
		if err != nil {
			log.Printf("Monitor: Failed to load queue totals: %v", err)
			return statsLoadedMsg{err: err}
		}

		err, stats := database.ReadOutboxStats()
		if err != nil {
			log.Printf("Monitor: Failed to load outbox stats: %v", err)
			return statsLoadedMsg{err: err}
		}

		return statsLoadedMsg{totals: *totals, stats: *stats}
	}
}

func tick() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func newStatsTable(width, height int) table.Model {
	columns := []table.Column{
		{Title: "destination", Width: width / 3},
		{Title: "pending", Width: 8},
		{Title: "stream range", Width: width / 5},
		{Title: "failures", Width: 9},
		{Title: "next retry", Width: width / 4},
	}

	t := table.New(
		table.WithColumns(columns),
		table.WithFocused(true),
		table.WithHeight(height),
	)

	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color(common.COLOR_MAGENTA)).
		BorderBottom(true).
		Bold(true)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color(common.COLOR_GREEN)).
		Bold(true)
	t.SetStyles(s)

	return t
}

func statsToRows(stats []domain.OutboxStat) []table.Row {
	rows := make([]table.Row, 0, len(stats))
	for _, stat := range stats {
		retryAt := "-"
		if stat.RetryAt != nil {
			retryAt = stat.RetryAt.Format(util.DateTimeFormat())
		}
		rows = append(rows, table.Row{
			stat.Destination,
			strconv.Itoa(stat.Pending),
			fmt.Sprintf("%d..%d", stat.MinStreamId, stat.MaxStreamId),
			strconv.Itoa(stat.FailureCount),
			retryAt,
		})
	}
	return rows
}

func NewModel(conf *util.AppConfig, width int, height int) MainModel {

	width = common.DefaultWindowWidth(width)
	height = common.DefaultWindowHeight(height)

	m := MainModel{
		width:  width,
		height: height,
		conf:   conf,
		headerModel: header.Model{
			Width:      width,
			ServerName: conf.Conf.ServerName,
		},
		table: newStatsTable(width, common.DefaultTableHeight(height)),
	}
	return m
}

func (m MainModel) Init() tea.Cmd {
	return tea.Batch(loadStats(), tick())
}

func (m MainModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case statsLoadedMsg:
		if msg.err != nil {
			m.err = msg.err.Error()
			return m, nil
		}
		m.err = ""
		m.totals = msg.totals
		m.headerModel.StreamId = msg.totals.StreamId
		m.lastRefresh = time.Now()
		m.table.SetRows(statsToRows(msg.stats))
		return m, nil

	case tickMsg:
		return m, tea.Batch(loadStats(), tick())

	case tea.WindowSizeMsg:
		m.width = common.DefaultWindowWidth(msg.Width)
		m.height = common.DefaultWindowHeight(msg.Height)
		m.headerModel.Width = m.width
		m.table = newStatsTable(m.width, common.DefaultTableHeight(m.height))
		return m, loadStats()

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "r":
			return m, loadStats()
		}
	}

	var cmd tea.Cmd
	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

func (m MainModel) View() string {
	var s strings.Builder

	s.WriteString(m.headerModel.View())
	s.WriteString("\n\n")

	s.WriteString(common.StatusStyle.Render(fmt.Sprintf(
		"queued: %d  outbox: %d  dedup records: %d",
		m.totals.InboxMessages, m.totals.OutboxEntries, m.totals.InboxRecords)))
	s.WriteString("\n\n")

	if len(m.table.Rows()) == 0 {
		s.WriteString(common.EmptyStyle.Render("No pending destinations."))
	} else {
		s.WriteString(m.table.View())
	}
	s.WriteString("\n")

	if m.err != "" {
		s.WriteString(common.ErrorStyle.Render(m.err))
		s.WriteString("\n")
	}

	if !m.lastRefresh.IsZero() {
		s.WriteString(common.HelpStyle.Render(
			fmt.Sprintf("updated %s", m.lastRefresh.Format(util.DateTimeFormat()))))
		s.WriteString("\n")
	}
	s.WriteString(common.HelpStyle.Render("r: refresh  q: quit"))

	return s.String()
}
