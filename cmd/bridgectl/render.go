package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/danmuck/edgelink/internal/mirror"
	"github.com/fatih/color"
	"github.com/goccy/go-yaml"
	"github.com/mattn/go-isatty"
)

// colorEnabled reports whether out is a terminal that should get color.
func colorEnabled(out io.Writer, disabled bool) bool {
	if disabled || os.Getenv("NO_COLOR") != "" {
		return false
	}
	f, ok := out.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

type printer struct {
	out     io.Writer
	added   *color.Color
	removed *color.Color
	changed *color.Color
	state   *color.Color
	dim     *color.Color
}

func newPrinter(out io.Writer, colorize bool) *printer {
	p := &printer{
		out:     out,
		added:   color.New(color.FgGreen),
		removed: color.New(color.FgRed),
		changed: color.New(color.FgCyan),
		state:   color.New(color.FgYellow, color.Bold),
		dim:     color.New(color.Faint),
	}
	for _, c := range []*color.Color{p.added, p.removed, p.changed, p.state, p.dim} {
		if colorize {
			c.EnableColor()
		} else {
			c.DisableColor()
		}
	}
	return p
}

func (p *printer) notification(n mirror.Notification) {
	switch n.Kind {
	case mirror.NotifyAdded:
		p.added.Fprintf(p.out, "+ %s", n.Address)
		p.entity(n.Entity)
	case mirror.NotifyRemoved:
		p.removed.Fprintf(p.out, "- %s", n.Address)
		p.entity(n.Entity)
	case mirror.NotifyUpdated:
		p.changed.Fprintf(p.out, "~ %s", n.Address)
		p.entity(n.Entity)
	case mirror.NotifyValueChanged:
		p.changed.Fprintf(p.out, "= %s", n.Address)
		fmt.Fprintf(p.out, " %s", formatValues(n.Values))
	case mirror.NotifyBulkInitialized:
		p.state.Fprintf(p.out, "* mirror initialized")
		p.dim.Fprintf(p.out, " (%d entities)", len(n.Entities))
	case mirror.NotifyConnectivity:
		p.state.Fprintf(p.out, "* %s", n.State)
		if n.Err != nil {
			p.dim.Fprintf(p.out, " (%v)", n.Err)
		}
	default:
		fmt.Fprintf(p.out, "? %s %s", n.Kind, n.Address)
	}
	fmt.Fprintln(p.out)
}

func (p *printer) entity(e *mirror.Entity) {
	if e == nil {
		return
	}
	p.dim.Fprintf(p.out, " [%s %s]", e.Kind, e.Name())
}

// tree prints n and its descendants, one node per line, children sorted.
func (p *printer) tree(n *mirror.Node) {
	p.node(n, n.Address, 0)
}

func (p *printer) node(n *mirror.Node, label string, depth int) {
	indent := strings.Repeat("  ", depth)
	if n.IsContainer() {
		fmt.Fprintf(p.out, "%s%s/\n", indent, label)
		names := make([]string, 0, len(n.Children))
		for name := range n.Children {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			p.node(n.Children[name], name, depth+1)
		}
		return
	}
	fmt.Fprintf(p.out, "%s%s", indent, label)
	if n.Type != "" {
		p.dim.Fprintf(p.out, " <%s>", n.Type)
	}
	if len(n.Value) > 0 {
		p.changed.Fprintf(p.out, " %s", formatValues(n.Value))
	}
	fmt.Fprintln(p.out)
}

func formatValues(values []any) string {
	parts := make([]string, len(values))
	for i, v := range values {
		switch x := v.(type) {
		case string:
			parts[i] = fmt.Sprintf("%q", x)
		case []byte:
			parts[i] = fmt.Sprintf("<blob %d bytes>", len(x))
		case nil:
			parts[i] = "nil"
		default:
			parts[i] = fmt.Sprint(x)
		}
	}
	return strings.Join(parts, " ")
}

// notificationView is the watch -json line format.
type notificationView struct {
	Kind     string         `json:"kind"`
	Address  string         `json:"address,omitempty"`
	Entity   *mirror.Entity `json:"entity,omitempty"`
	Values   []any          `json:"values,omitempty"`
	Entities int            `json:"entities,omitempty"`
	State    string         `json:"state,omitempty"`
	Error    string         `json:"error,omitempty"`
}

func viewOf(n mirror.Notification) notificationView {
	v := notificationView{
		Kind:     n.Kind.String(),
		Address:  n.Address,
		Entity:   n.Entity,
		Values:   n.Values,
		Entities: len(n.Entities),
		State:    n.State,
	}
	if n.Err != nil {
		v.Error = n.Err.Error()
	}
	return v
}

// writeYAML goes through JSON so meta attributes keep their device shape
// instead of rendering as byte slices.
func writeYAML(w io.Writer, n *mirror.Node) error {
	data, err := json.Marshal(n)
	if err != nil {
		return err
	}
	out, err := yaml.JSONToYAML(data)
	if err != nil {
		return fmt.Errorf("render yaml: %w", err)
	}
	_, err = w.Write(out)
	return err
}
