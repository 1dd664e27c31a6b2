package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-machine/machine"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).
			Padding(0, 1)

	nameStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#98FB98"))

	entryStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#87CEEB"))

	paneStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#7D56F4"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF6B6B"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#666666"))
)

// stateStyles colours the context table by lifecycle state.
var stateStyles = map[machine.State]lipgloss.Style{
	machine.StateCreated:       helpStyle,
	machine.StateInstantiating: entryStyle,
	machine.StateRunning:       nameStyle,
	machine.StateExited:        helpStyle,
	machine.StateFaulted:       errorStyle,
}

const inspectDefaultLen = 256

type consoleMsg string

type contextMsg machine.Event

type exitMsg int

type bootedMsg struct {
	m   *machine.Machine
	err error
}

type bootReturnedMsg struct {
	err error
}

// programWriter forwards guest console output to the program.
type programWriter struct {
	p *tea.Program
}

func (w programWriter) Write(b []byte) (int, error) {
	w.p.Send(consoleMsg(b))
	return len(b), nil
}

type monitorModel struct {
	err      error
	opts     machine.Options
	machine  *machine.Machine
	contexts []machine.Info
	console  strings.Builder
	view     viewport.Model
	input    textinput.Model
	inspect  string
	status   string
	exitCode int
	exited   bool
	ready    bool
}

func newMonitorModel(opts machine.Options) *monitorModel {
	ti := textinput.New()
	ti.Prompt = "inspect> "
	ti.Placeholder = "address [length]"
	ti.Width = 40

	return &monitorModel{
		opts:   opts,
		input:  ti,
		status: "booting " + opts.ModulePath,
	}
}

func (m *monitorModel) Init() tea.Cmd {
	return m.boot
}

func (m *monitorModel) boot() tea.Msg {
	mach, err := machine.New(context.Background(), m.opts)
	return bootedMsg{m: mach, err: err}
}

func (m *monitorModel) run() tea.Msg {
	return bootReturnedMsg{err: m.machine.Run(context.Background())}
}

func (m *monitorModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		height := msg.Height - 8 - len(m.contexts)
		if height < 3 {
			height = 3
		}
		if !m.ready {
			m.view = viewport.New(msg.Width-2, height)
			m.ready = true
		} else {
			m.view.Width = msg.Width - 2
			m.view.Height = height
		}
		m.view.SetContent(m.console.String())

	case tea.KeyMsg:
		if m.input.Focused() {
			switch msg.String() {
			case "enter":
				m.inspect = m.inspectMemory(m.input.Value())
				m.input.Reset()
				m.input.Blur()
			case "esc":
				m.input.Reset()
				m.input.Blur()
			default:
				var cmd tea.Cmd
				m.input, cmd = m.input.Update(msg)
				cmds = append(cmds, cmd)
			}
			return m, tea.Batch(cmds...)
		}

		switch msg.String() {
		case "ctrl+c", "q":
			return m, tea.Quit
		case ":", "x":
			if m.machine != nil {
				cmds = append(cmds, m.input.Focus())
			}
		case "esc":
			m.inspect = ""
		}

	case bootedMsg:
		if msg.err != nil {
			m.err = msg.err
			m.status = "setup failed"
			return m, nil
		}
		m.machine = msg.m
		m.status = "running"
		cmds = append(cmds, m.run)

	case bootReturnedMsg:
		switch {
		case m.exited:
		case msg.err != nil:
			m.status = "boot failed"
		default:
			m.status = "boot returned"
		}

	case consoleMsg:
		m.console.WriteString(string(msg))
		if m.ready {
			atBottom := m.view.AtBottom()
			m.view.SetContent(m.console.String())
			if atBottom {
				m.view.GotoBottom()
			}
		}

	case contextMsg:
		m.updateContext(msg.Info)

	case exitMsg:
		if !m.exited {
			m.exited = true
			m.exitCode = int(msg)
			m.status = fmt.Sprintf("machine exited with status %d, press q to quit", m.exitCode)
		}
	}

	if m.ready {
		var cmd tea.Cmd
		m.view, cmd = m.view.Update(msg)
		cmds = append(cmds, cmd)
	}
	return m, tea.Batch(cmds...)
}

func (m *monitorModel) updateContext(info machine.Info) {
	for i := range m.contexts {
		if m.contexts[i].Handle == info.Handle {
			m.contexts[i] = info
			return
		}
	}
	m.contexts = append(m.contexts, info)
}

// inspectMemory renders a hex dump of shared memory for "address [length]".
func (m *monitorModel) inspectMemory(cmd string) string {
	fields := strings.Fields(cmd)
	if len(fields) == 0 || len(fields) > 2 {
		return errorStyle.Render("usage: address [length]")
	}
	addr, err := strconv.ParseUint(fields[0], 0, 32)
	if err != nil {
		return errorStyle.Render(fmt.Sprintf("bad address %q", fields[0]))
	}
	length := uint64(inspectDefaultLen)
	if len(fields) == 2 {
		if length, err = strconv.ParseUint(fields[1], 0, 32); err != nil {
			return errorStyle.Render(fmt.Sprintf("bad length %q", fields[1]))
		}
	}

	data, err := m.machine.Memory().Read(uint32(addr), uint32(length))
	if err != nil {
		return errorStyle.Render(err.Error())
	}
	return fmt.Sprintf("%#08x:\n%s", addr, hex.Dump(data))
}

func (m *monitorModel) View() string {
	if m.err != nil {
		return errorStyle.Render(fmt.Sprintf("Error: %v\n\nPress q to quit.", m.err))
	}

	var b strings.Builder
	b.WriteString(titleStyle.Render("wasm machine"))
	b.WriteString(" ")
	b.WriteString(m.opts.ModulePath)
	b.WriteString("\n\n")

	for _, c := range m.contexts {
		style, ok := stateStyles[c.State]
		if !ok {
			style = helpStyle
		}
		fmt.Fprintf(&b, "  %-16s %-28s %s",
			nameStyle.Render(c.Name),
			entryStyle.Render(c.Entry),
			style.Render(c.State.String()))
		if c.Err != nil {
			b.WriteString("  ")
			b.WriteString(errorStyle.Render(c.Err.Error()))
		}
		b.WriteString("\n")
	}
	b.WriteString("\n")

	if m.ready {
		b.WriteString(paneStyle.Render(m.view.View()))
		b.WriteString("\n")
	}
	if m.inspect != "" {
		b.WriteString(m.inspect)
		b.WriteString("\n")
	}
	if m.input.Focused() {
		b.WriteString(m.input.View())
		b.WriteString("\n")
	}

	b.WriteString(m.status)
	b.WriteString("\n")
	b.WriteString(helpStyle.Render("↑/↓ scroll console • : inspect memory • esc clear • q quit"))
	return b.String()
}

// runInteractive boots the machine under a terminal monitor. A fatal exit is
// held until the user quits; its status becomes the returned code.
func runInteractive(opts machine.Options) (int, error) {
	model := newMonitorModel(opts)
	p := tea.NewProgram(model, tea.WithAltScreen())

	opts.Console = programWriter{p: p}
	opts.Observer = machine.ObserverFunc(func(e machine.Event) {
		p.Send(contextMsg(e))
	})
	// every context is already stopped when the hook runs; only the screen
	// stays up
	opts.Exit = func(code int) {
		p.Send(exitMsg(code))
	}
	// log lines would tear the alternate screen
	opts.Logger = zap.NewNop()
	model.opts = opts

	if _, err := p.Run(); err != nil {
		return 1, err
	}
	if model.exited {
		return model.exitCode, nil
	}
	if model.err != nil {
		return 1, model.err
	}
	return 0, nil
}
