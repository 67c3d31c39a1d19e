package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"github.com/wippyai/componentize/abi"
	"github.com/wippyai/componentize/bind"
	"github.com/wippyai/componentize/wasm"
	"github.com/wippyai/componentize/world"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).
			Padding(0, 1)

	funcStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#98FB98"))

	typeStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#87CEEB"))

	selectedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#888888"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF6B6B"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#666666"))
)

// fnEntry is one world function with its derived calling convention.
type fnEntry struct {
	iface    string
	imported bool
	binding  *bind.Binding
}

type inspectorModel struct {
	err        error
	worldName  string
	filename   string
	abiVersion string
	funcs      []fnEntry
	filter     textinput.Model
	selected   int
	state      inspectorState
}

type inspectorState int

const (
	stateSelectFunc inspectorState = iota
	stateFilter
	stateShowDetail
)

type inspectLoadedMsg struct {
	err       error
	worldName string
	funcs     []fnEntry
}

func newInspectorModel(filename, abiVersion string) *inspectorModel {
	ti := textinput.New()
	ti.Placeholder = "filter"
	ti.Prompt = "/ "
	ti.Width = 40
	return &inspectorModel{filename: filename, abiVersion: abiVersion, filter: ti}
}

// visible returns the functions matching the current filter.
func (m *inspectorModel) visible() []fnEntry {
	query := strings.ToLower(m.filter.Value())
	if query == "" {
		return m.funcs
	}
	var out []fnEntry
	for _, f := range m.funcs {
		if strings.Contains(strings.ToLower(f.binding.CoreName), query) {
			out = append(out, f)
		}
	}
	return out
}

func (m *inspectorModel) Init() tea.Cmd {
	return m.loadWorld
}

func (m *inspectorModel) loadWorld() tea.Msg {
	name, funcs, err := inspectWorld(m.filename, m.abiVersion)
	return inspectLoadedMsg{err: err, worldName: name, funcs: funcs}
}

func inspectWorld(filename, abiVersion string) (string, []fnEntry, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return "", nil, err
	}
	w, err := world.Decode(data)
	if err != nil {
		return "", nil, err
	}
	if err := world.Validate(w); err != nil {
		return "", nil, err
	}

	policy, err := abi.PolicyFor(abiVersion)
	if err != nil {
		return "", nil, err
	}
	binder := bind.NewBinder(abi.NewMapper(policy))
	var funcs []fnEntry
	err = w.EachFunction(func(iface *world.Interface, fn *world.Function, imported bool) error {
		dir := bind.Lift
		if imported {
			dir = bind.Lower
		}
		b, err := binder.Bind(iface, fn, dir)
		if err != nil {
			return err
		}
		funcs = append(funcs, fnEntry{iface: iface.Name, imported: imported, binding: b})
		return nil
	})
	if err != nil {
		return "", nil, err
	}
	return w.Name, funcs, nil
}

func (m *inspectorModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if m.state == stateFilter {
			switch msg.String() {
			case "ctrl+c":
				return m, tea.Quit
			case "enter", "esc":
				m.filter.Blur()
				m.state = stateSelectFunc
				m.selected = 0
				return m, nil
			}
			var cmd tea.Cmd
			m.filter, cmd = m.filter.Update(msg)
			return m, cmd
		}

		switch msg.String() {
		case "ctrl+c", "q":
			return m, tea.Quit

		case "/":
			if m.state == stateSelectFunc {
				m.state = stateFilter
				m.filter.Focus()
			}

		case "up", "k":
			if m.state == stateSelectFunc && m.selected > 0 {
				m.selected--
			}

		case "down", "j":
			if m.state == stateSelectFunc && m.selected < len(m.visible())-1 {
				m.selected++
			}

		case "enter":
			if m.state == stateSelectFunc && len(m.visible()) > 0 {
				m.state = stateShowDetail
			}

		case "esc":
			if m.state == stateShowDetail {
				m.state = stateSelectFunc
			}
		}

	case inspectLoadedMsg:
		m.err = msg.err
		m.worldName = msg.worldName
		m.funcs = msg.funcs
	}
	return m, nil
}

func (m *inspectorModel) View() string {
	if m.err != nil {
		return errorStyle.Render(fmt.Sprintf("Error: %v\n\nPress q to quit.", m.err))
	}
	if len(m.funcs) == 0 {
		return "Loading world..."
	}

	var b strings.Builder
	b.WriteString(titleStyle.Render("World Inspector"))
	b.WriteString(" " + m.worldName)
	b.WriteString("\n\n")

	vis := m.visible()
	if m.selected >= len(vis) {
		m.selected = 0
	}

	switch m.state {
	case stateSelectFunc, stateFilter:
		if m.state == stateFilter || m.filter.Value() != "" {
			b.WriteString(m.filter.View())
			b.WriteString("\n\n")
		}
		for i, f := range vis {
			line := formatEntry(f)
			if i == m.selected && m.state == stateSelectFunc {
				b.WriteString(selectedStyle.Render("> " + line))
			} else {
				b.WriteString("  " + line)
			}
			b.WriteString("\n")
		}
		if len(vis) == 0 {
			b.WriteString(dimStyle.Render("  no functions match"))
			b.WriteString("\n")
		}
		b.WriteString("\n")
		if m.state == stateFilter {
			b.WriteString(helpStyle.Render("enter apply • esc clear focus"))
		} else {
			b.WriteString(helpStyle.Render("↑/↓ select • enter detail • / filter • q quit"))
		}

	case stateShowDetail:
		f := vis[m.selected]
		b.WriteString(formatDetail(f))
		b.WriteString("\n")
		b.WriteString(helpStyle.Render("esc back • q quit"))
	}
	return b.String()
}

func formatEntry(f fnEntry) string {
	dir := "export"
	if f.imported {
		dir = "import"
	}
	return dimStyle.Render(dir) + " " + funcStyle.Render(f.binding.CoreName) +
		" " + typeStyle.Render(coreSig(f.binding))
}

func formatDetail(f fnEntry) string {
	b := f.binding
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s\n\n", funcStyle.Render(b.CoreName))
	fmt.Fprintf(&sb, "direction:  %s\n", b.Direction)
	fmt.Fprintf(&sb, "core:       %s\n", coreSig(b))
	if b.ParamsIndirect {
		fmt.Fprintf(&sb, "params:     spilled to memory (size %d, align %d)\n",
			b.ParamArea.Size, b.ParamArea.Align)
	}
	if b.ResultIndirect {
		fmt.Fprintf(&sb, "result:     indirect (size %d, align %d)\n",
			b.RetArea.Size, b.RetArea.Align)
	}
	sb.WriteString("\nparameters:\n")
	for i, d := range b.ParamDescs {
		fmt.Fprintf(&sb, "  %-2d %s  size=%d align=%d flat=%d\n",
			i, typeStyle.Render(d.Fingerprint), d.Size, d.Align, len(d.Flat))
	}
	if b.ResultDesc != nil {
		fmt.Fprintf(&sb, "\nresult:\n   %s  size=%d align=%d flat=%d\n",
			typeStyle.Render(b.ResultDesc.Fingerprint),
			b.ResultDesc.Size, b.ResultDesc.Align, len(b.ResultDesc.Flat))
	}
	return sb.String()
}

func coreSig(b *bind.Binding) string {
	return "(" + valTypes(b.Params) + ") -> (" + valTypes(b.Results) + ")"
}

func valTypes(ts []wasm.ValType) string {
	names := make([]string, len(ts))
	for i, t := range ts {
		switch t {
		case wasm.ValI32:
			names[i] = "i32"
		case wasm.ValI64:
			names[i] = "i64"
		case wasm.ValF32:
			names[i] = "f32"
		case wasm.ValF64:
			names[i] = "f64"
		default:
			names[i] = fmt.Sprintf("0x%02x", byte(t))
		}
	}
	return strings.Join(names, ", ")
}

// runInspector opens the TUI, or dumps a plain listing when stdout is not a
// terminal.
func runInspector(filename, abiVersion string) error {
	if !term.IsTerminal(int(os.Stdout.Fd())) {
		name, funcs, err := inspectWorld(filename, abiVersion)
		if err != nil {
			return err
		}
		fmt.Printf("world %s\n", name)
		for _, f := range funcs {
			dir := "export"
			if f.imported {
				dir = "import"
			}
			fmt.Printf("  %s %s %s\n", dir, f.binding.CoreName, coreSig(f.binding))
		}
		return nil
	}

	p := tea.NewProgram(newInspectorModel(filename, abiVersion), tea.WithAltScreen())
	_, err := p.Run()
	return err
}
