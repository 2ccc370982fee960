package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/ShayCichocki/workforce/internal/telemetry"
	"github.com/ShayCichocki/workforce/pkg/models"
)

// TreeView renders task trees with per-status styling.
type TreeView struct {
	maxContent int

	idStyle       lipgloss.Style
	contentStyle  lipgloss.Style
	metaStyle     lipgloss.Style
	branchStyle   lipgloss.Style
	statusStyles  map[models.TaskStatus]lipgloss.Style
	statusDefault lipgloss.Style
}

// NewTreeView creates a TreeView.
func NewTreeView() *TreeView {
	return &TreeView{
		maxContent: 60,

		idStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("39")).
			Bold(true),
		contentStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("252")),
		metaStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("240")),
		branchStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("238")),
		statusStyles: map[models.TaskStatus]lipgloss.Style{
			models.TaskStatusSucceeded: lipgloss.NewStyle().Foreground(lipgloss.Color("28")),
			models.TaskStatusFailed:    lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
			models.TaskStatusCancelled: lipgloss.NewStyle().Foreground(lipgloss.Color("208")),
			models.TaskStatusRunning:   lipgloss.NewStyle().Foreground(lipgloss.Color("226")),
			models.TaskStatusBlocked:   lipgloss.NewStyle().Foreground(lipgloss.Color("141")),
		},
		statusDefault: lipgloss.NewStyle().
			Foreground(lipgloss.Color("245")),
	}
}

// SetWidth fits task content to the terminal.
func (v *TreeView) SetWidth(width int) {
	v.maxContent = width - 40
	if v.maxContent < 20 {
		v.maxContent = 20
	}
}

// Render draws one tree. spin is shown in front of running tasks.
func (v *TreeView) Render(root *telemetry.TreeNode, spin string) string {
	if root == nil {
		return ""
	}
	var b strings.Builder
	v.renderNode(&b, root, "", "", spin)
	return b.String()
}

func (v *TreeView) renderNode(b *strings.Builder, n *telemetry.TreeNode, prefix, childPrefix, spin string) {
	b.WriteString(v.branchStyle.Render(prefix))
	if n.Status == models.TaskStatusRunning {
		b.WriteString(spin)
		b.WriteString(" ")
	}
	b.WriteString(v.idStyle.Render(n.ID))
	b.WriteString(" ")
	b.WriteString(v.statusStyle(n.Status).Render(fmt.Sprintf("[%s]", n.Status)))
	b.WriteString(" ")
	b.WriteString(v.contentStyle.Render(clip(n.Content, v.maxContent)))

	var meta []string
	if n.Worker != "" {
		meta = append(meta, n.Worker)
	}
	if n.Attempts > 1 {
		meta = append(meta, fmt.Sprintf("attempt %d", n.Attempts))
	}
	if len(meta) > 0 {
		b.WriteString(v.metaStyle.Render(" (" + strings.Join(meta, ", ") + ")"))
	}
	b.WriteString("\n")

	for i, child := range n.Children {
		branch, next := "├── ", "│   "
		if i == len(n.Children)-1 {
			branch, next = "└── ", "    "
		}
		v.renderNode(b, child, childPrefix+branch, childPrefix+next, spin)
	}
}

func (v *TreeView) statusStyle(s models.TaskStatus) lipgloss.Style {
	if st, ok := v.statusStyles[s]; ok {
		return st
	}
	return v.statusDefault
}

// clip flattens whitespace and shortens s to max runes.
func clip(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max-3]) + "..."
}
