package telemetry

import (
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"

	"github.com/ShayCichocki/workforce/pkg/models"
)

// TreeNode is a task with its subtasks, for rendering.
type TreeNode struct {
	*TaskView
	Children []*TreeNode `json:"children,omitempty"`
}

// Tree builds the hierarchy under rootID from a snapshot. It returns nil if
// the root is unknown.
func Tree(snap *Snapshot, rootID string) *TreeNode {
	v := snap.Task(rootID)
	if v == nil {
		return nil
	}
	node := &TreeNode{TaskView: v}
	for _, childID := range v.Children {
		if child := Tree(snap, childID); child != nil {
			node.Children = append(node.Children, child)
		}
	}
	return node
}

// Count returns the number of nodes in the tree.
func (n *TreeNode) Count() int {
	if n == nil {
		return 0
	}
	total := 1
	for _, c := range n.Children {
		total += c.Count()
	}
	return total
}

// RenderOptions controls Render output.
type RenderOptions struct {
	// Color enables ANSI status colours.
	Color bool
	// MaxContent truncates task content; zero means 60 runes.
	MaxContent int
}

// Render writes a hierarchical text view of the tree:
//
//	r [succeeded] Match patients to trials (worker-a, 1 attempt)
//	├── r.1 [succeeded] Parse patient record (worker-a)
//	└── r.2 [failed] Rank trials: worker worker-b: timeout
func Render(w io.Writer, root *TreeNode, opts RenderOptions) error {
	if root == nil {
		_, err := fmt.Fprintln(w, "(empty)")
		return err
	}
	if opts.MaxContent <= 0 {
		opts.MaxContent = 60
	}
	var b strings.Builder
	renderNode(&b, root, "", "", opts)
	_, err := io.WriteString(w, b.String())
	return err
}

func renderNode(b *strings.Builder, n *TreeNode, prefix, childPrefix string, opts RenderOptions) {
	b.WriteString(prefix)
	b.WriteString(n.ID)
	b.WriteString(" ")
	b.WriteString(statusLabel(n.Status, opts.Color))
	b.WriteString(" ")
	b.WriteString(truncate(n.Content, opts.MaxContent))

	var meta []string
	if n.Worker != "" {
		meta = append(meta, n.Worker)
	}
	if n.Attempts > 1 {
		meta = append(meta, fmt.Sprintf("%d attempts", n.Attempts))
	}
	if len(meta) > 0 {
		fmt.Fprintf(b, " (%s)", strings.Join(meta, ", "))
	}
	if n.Reason != "" && (n.Status == models.TaskStatusFailed || n.Status == models.TaskStatusCancelled) {
		b.WriteString(": ")
		b.WriteString(n.Reason)
	}
	b.WriteString("\n")

	for i, child := range n.Children {
		branch, next := "├── ", "│   "
		if i == len(n.Children)-1 {
			branch, next = "└── ", "    "
		}
		renderNode(b, child, childPrefix+branch, childPrefix+next, opts)
	}
}

func statusLabel(s models.TaskStatus, colored bool) string {
	var attr color.Attribute
	switch s {
	case models.TaskStatusSucceeded:
		attr = color.FgGreen
	case models.TaskStatusFailed:
		attr = color.FgRed
	case models.TaskStatusCancelled:
		attr = color.FgYellow
	case models.TaskStatusRunning:
		attr = color.FgCyan
	case models.TaskStatusBlocked:
		attr = color.FgMagenta
	default:
		attr = color.FgWhite
	}
	c := color.New(attr)
	if colored {
		c.EnableColor()
	} else {
		c.DisableColor()
	}
	return c.Sprintf("[%s]", s)
}

func truncate(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max-3]) + "..."
}
