package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/kalambet/triageq/internal/api"
	"github.com/kalambet/triageq/internal/submission"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Live view of queue and sync status",
	Long: `Live view of queue and sync status.

Keys: s sync now, p purge synced, q quit.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		interval, _ := cmd.Flags().GetDuration("interval")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		_, err = tea.NewProgram(newWatchModel(client, interval), tea.WithContext(cmd.Context())).Run()
		return err
	},
}

func init() {
	watchCmd.Flags().Duration("interval", 2*time.Second, "refresh interval")
}

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	labelStyle   = lipgloss.NewStyle().Bold(true).Width(12)
	onlineStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	offlineStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	helpStyle    = lipgloss.NewStyle().Faint(true)
	boxStyle     = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
)

type snapshot struct {
	status  api.Status
	pending []submission.Submission
}

type (
	tickMsg     time.Time
	snapshotMsg snapshot
	noticeMsg   string
	errMsg      struct{ err error }
)

type watchModel struct {
	client   *apiClient
	interval time.Duration

	snap    *snapshot
	notice  string
	err     error
	busy    bool
	updated time.Time
}

func newWatchModel(client *apiClient, interval time.Duration) watchModel {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return watchModel{client: client, interval: interval}
}

func (m watchModel) Init() tea.Cmd {
	return tea.Batch(m.fetch(), m.tick())
}

func (m watchModel) tick() tea.Cmd {
	return tea.Tick(m.interval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m watchModel) fetch() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		var snap snapshot
		resp, err := m.client.get(ctx, "/status")
		if err != nil {
			return errMsg{err}
		}
		if err := decodeJSON(resp, &snap.status); err != nil {
			return errMsg{err}
		}
		resp, err = m.client.get(ctx, "/submissions?status=pending")
		if err != nil {
			return errMsg{err}
		}
		if err := decodeJSON(resp, &snap.pending); err != nil {
			return errMsg{err}
		}
		return snapshotMsg(snap)
	}
}

func (m watchModel) sync() tea.Cmd {
	return func() tea.Msg {
		resp, err := m.client.post(context.Background(), "/sync", nil)
		if err != nil {
			return errMsg{err}
		}
		var res api.SyncResponse
		if err := decodeJSON(resp, &res); err != nil {
			return errMsg{err}
		}
		return noticeMsg(res.Feedback)
	}
}

func (m watchModel) purge() tea.Cmd {
	return func() tea.Msg {
		resp, err := m.client.delete(context.Background(), "/submissions/synced")
		if err != nil {
			return errMsg{err}
		}
		var result struct {
			Purged int `json:"purged"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return errMsg{err}
		}
		return noticeMsg(fmt.Sprintf("Removed %d synced submissions.", result.Purged))
	}
}

func (m watchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		case "s":
			if m.busy {
				return m, nil
			}
			m.busy = true
			m.notice = "Syncing..."
			return m, m.sync()
		case "p":
			if m.busy {
				return m, nil
			}
			m.busy = true
			return m, m.purge()
		case "r":
			return m, m.fetch()
		}
	case tickMsg:
		return m, tea.Batch(m.fetch(), m.tick())
	case snapshotMsg:
		snap := snapshot(msg)
		m.snap = &snap
		m.err = nil
		m.updated = time.Now()
	case noticeMsg:
		m.busy = false
		m.notice = string(msg)
		return m, m.fetch()
	case errMsg:
		m.busy = false
		m.err = msg.err
	}
	return m, nil
}

func (m watchModel) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("triageq") + "\n\n")

	if m.snap == nil {
		if m.err != nil {
			b.WriteString(errorStyle.Render(m.err.Error()) + "\n")
		} else {
			b.WriteString("Loading...\n")
		}
		b.WriteString("\n" + helpStyle.Render("q quit"))
		return b.String()
	}

	st := m.snap.status
	conn := onlineStyle.Render("online")
	if !st.Online {
		conn = offlineStyle.Render("offline")
	}
	rows := []string{
		labelStyle.Render("Endpoint") + conn,
		labelStyle.Render("Queue") + fmt.Sprintf("%d/%d", st.Queue.Total, st.MaxItems),
		labelStyle.Render("Pending") + fmt.Sprint(st.Queue.Pending),
		labelStyle.Render("Failed") + fmt.Sprint(st.Queue.Failed),
		labelStyle.Render("Synced") + fmt.Sprint(st.Queue.Synced),
		labelStyle.Render("Invalid") + fmt.Sprint(st.Queue.Invalid),
	}
	if st.RetryScheduled {
		rows = append(rows, labelStyle.Render("Retry")+"in "+st.NextDelay)
	}
	if st.Feedback != "" {
		rows = append(rows, labelStyle.Render("Last sync")+st.Feedback)
	}
	b.WriteString(boxStyle.Render(strings.Join(rows, "\n")) + "\n")

	if len(m.snap.pending) > 0 {
		b.WriteString("\n" + titleStyle.Render("Waiting") + "\n")
		for _, s := range m.snap.pending {
			fmt.Fprintf(&b, "  %d  [%s]  %s\n", s.ID, s.Locale, truncate(s.Text, 50))
		}
	}

	if m.notice != "" {
		b.WriteString("\n" + m.notice + "\n")
	}
	if m.err != nil {
		b.WriteString("\n" + errorStyle.Render(m.err.Error()) + "\n")
	}
	fmt.Fprintf(&b, "\n%s\n", helpStyle.Render(fmt.Sprintf("updated %s  s sync  p purge  r refresh  q quit", m.updated.Format("15:04:05"))))
	return b.String()
}
