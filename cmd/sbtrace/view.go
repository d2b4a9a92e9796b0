package main

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/zboralski/sbtrace/internal/trace"
)

var (
	viewBorder = lipgloss.NewStyle().
			BorderStyle(lipgloss.NormalBorder()).
			BorderForeground(lipgloss.Color("240"))
	viewTitle = lipgloss.NewStyle().Foreground(lipgloss.Color("57")).Bold(true)
	viewHelp  = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
)

// viewModel browses a trace: a record table and a hex dump of the
// selected payload.
type viewModel struct {
	path      string
	records   []trace.Record
	shown     []int // indexes into records
	table     table.Model
	filter    textinput.Model
	filtering bool
	height    int
}

func newViewModel(path string, records []trace.Record) viewModel {
	ti := textinput.New()
	ti.Placeholder = "payload text"
	ti.Prompt = "/ "

	t := table.New(
		table.WithColumns([]table.Column{
			{Title: "Seq", Width: 7},
			{Title: "Buffer", Width: 14},
			{Title: "Cursor", Width: 8},
			{Title: "Len", Width: 6},
			{Title: "Payload", Width: 48},
		}),
		table.WithFocused(true),
		table.WithHeight(12),
	)
	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(false)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("57")).
		Bold(true)
	t.SetStyles(s)

	m := viewModel{path: path, records: records, table: t, filter: ti, height: 30}
	m.updateRows()
	return m
}

func (m *viewModel) updateRows() {
	needle := strings.ToLower(m.filter.Value())
	m.shown = nil
	rows := make([]table.Row, 0, len(m.records))
	for i, rec := range m.records {
		text := rec.Printable()
		if needle != "" && !strings.Contains(strings.ToLower(text), needle) {
			continue
		}
		m.shown = append(m.shown, i)
		rows = append(rows, table.Row{
			strconv.FormatUint(rec.Seq, 10),
			rec.Buf,
			strconv.FormatUint(rec.Cursor, 10),
			strconv.FormatUint(rec.Len, 10),
			text,
		})
	}
	m.table.SetRows(rows)
	if m.table.Cursor() >= len(rows) {
		m.table.SetCursor(max(len(rows)-1, 0))
	}
}

func (m viewModel) selected() (trace.Record, bool) {
	c := m.table.Cursor()
	if c < 0 || c >= len(m.shown) {
		return trace.Record{}, false
	}
	return m.records[m.shown[c]], true
}

func (m viewModel) Init() tea.Cmd { return nil }

func (m viewModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	if m.filtering {
		if msg, ok := msg.(tea.KeyMsg); ok {
			switch msg.String() {
			case "enter", "esc":
				m.filtering = false
				m.filter.Blur()
				m.table.Focus()
				return m, nil
			}
		}
		m.filter, cmd = m.filter.Update(msg)
		m.updateRows()
		return m, cmd
	}

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "/":
			m.filtering = true
			m.table.Blur()
			return m, m.filter.Focus()
		case "c":
			m.filter.SetValue("")
			m.updateRows()
			return m, nil
		}
	case tea.WindowSizeMsg:
		m.height = msg.Height
		m.table.SetHeight(max(msg.Height/2-4, 3))
	}
	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

func (m viewModel) View() string {
	var b strings.Builder
	var total uint64
	for _, rec := range m.records {
		total += rec.Len
	}
	b.WriteString(viewTitle.Render(fmt.Sprintf(" %s  %d records, %s ", m.path, len(m.records), humanize.IBytes(total))) + "\n")
	if m.filtering || m.filter.Value() != "" {
		b.WriteString(m.filter.View() + "\n")
	}
	b.WriteString(viewBorder.Render(m.table.View()) + "\n")

	if rec, ok := m.selected(); ok {
		data, err := rec.Bytes()
		var dump string
		if err != nil {
			dump = err.Error()
		} else {
			dump = strings.TrimSuffix(hex.Dump(data), "\n")
		}
		label := "-"
		if rec.Input != nil {
			label = *rec.Input
		}
		b.WriteString(viewTitle.Render(fmt.Sprintf(" seq %d  input %s ", rec.Seq, label)) + "\n")
		b.WriteString(viewBorder.Render(dump) + "\n")
	}
	b.WriteString(viewHelp.Render("  ↑/↓ move  / filter  c clear  q quit"))
	return b.String()
}

func newViewCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "view <file>",
		Short: "Browse a trace file interactively",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return &exitError{code: exitNoInput, err: err}
			}
			records, err := trace.ReadAll(f)
			f.Close()
			if err != nil {
				return err
			}
			p := tea.NewProgram(newViewModel(args[0], records), tea.WithAltScreen())
			_, err = p.Run()
			return err
		},
	}
}
