// Command overlaydebug is a terminal stand-in for the graphical damage
// meter overlay: it tails a real combat log directory through the same
// pkg/service/pkg/overlaybridge pipeline combatlogd uses and renders
// the DPS and Personal channels as Bubble Tea bar charts, so the
// channel contract in pkg/overlaybridge can be exercised and watched
// without a graphical overlay host.
//
// Model/Update/View shape and the stat-box rendering are grounded on
// the teacher's pack-mate quarry/cli/tui's StatsModel (the only Bubble
// Tea model anywhere in the retrieval pack); listenForUpdates's
// send-then-requeue tea.Cmd is the standard Bubble Tea idiom for
// bridging an external channel into the Update loop.
package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"combatlog/pkg/interner"
	"combatlog/pkg/overlaybridge"
	"combatlog/pkg/service"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#3B82F6"))
	barStyle   = lipgloss.NewStyle().Bold(true)
	helpStyle  = lipgloss.NewStyle().Faint(true)
)

type model struct {
	dpsCh      <-chan overlaybridge.Command
	personalCh <-chan overlaybridge.Command

	dps      *overlaybridge.MetricsCommand
	personal *overlaybridge.PersonalCommand
	quitting bool
}

func listenForUpdates(ch <-chan overlaybridge.Command) tea.Cmd {
	return func() tea.Msg {
		cmd, ok := <-ch
		if !ok {
			return nil
		}
		return cmd
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(listenForUpdates(m.dpsCh), listenForUpdates(m.personalCh))
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() == "q" || msg.String() == "ctrl+c" {
			m.quitting = true
			return m, tea.Quit
		}
	case overlaybridge.Command:
		if msg.Metrics != nil && msg.Metrics.Kind == overlaybridge.OverlayDPS {
			m.dps = msg.Metrics
			return m, listenForUpdates(m.dpsCh)
		}
		if msg.Personal != nil {
			m.personal = msg.Personal
			return m, listenForUpdates(m.personalCh)
		}
	}
	return m, nil
}

func (m model) View() string {
	if m.quitting {
		return ""
	}

	var b strings.Builder
	b.WriteString(titleStyle.Render("DPS"))
	b.WriteString("\n")
	if m.dps == nil {
		b.WriteString("(waiting for combat)\n")
	} else {
		for _, e := range m.dps.Entries {
			width := int(40 * e.Value / m.dps.MaxValue)
			bar := barStyle.Foreground(lipgloss.Color(e.Color)).Render(strings.Repeat("#", width))
			b.WriteString(fmt.Sprintf("%-12s %s %.0f\n", e.Name, bar, e.Value))
		}
	}

	if m.personal != nil {
		b.WriteString("\n")
		b.WriteString(titleStyle.Render("Personal"))
		b.WriteString("\n")
		b.WriteString(fmt.Sprintf("DPS %.0f  HPS %.0f  TPS %.0f\n", m.personal.DPS, m.personal.HPS, m.personal.TPS))
	}

	b.WriteString("\n")
	b.WriteString(helpStyle.Render("press q to quit"))
	return b.String()
}

func main() {
	if len(os.Args) != 2 {
		fmt.Fprintln(os.Stderr, "usage: overlaydebug <log-directory>")
		os.Exit(1)
	}

	in := interner.New()
	sess, err := service.New(service.Config{LogDirectory: os.Args[1], TopN: 8}, in, nil, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "overlaydebug: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sess.Run(ctx)

	bridge := sess.Bridge()
	m := model{
		dpsCh:      bridge.Register(overlaybridge.OverlayDPS, 4),
		personalCh: bridge.Register(overlaybridge.OverlayPersonal, 4),
	}

	sess.Commands() <- service.Command{Kind: service.CommandRefreshIndex}

	p := tea.NewProgram(m, tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "overlaydebug: %v\n", err)
		os.Exit(1)
	}
}
