package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"

	"modelhist/internal/history"
)

var (
	activeMark = color.New(color.FgGreen, color.Bold).SprintFunc()
	undoneText = color.New(color.Faint).SprintFunc()
	nameText   = color.CyanString
	headerText = color.New(color.Bold).SprintFunc()
)

// printTree renders the delta state tree of s, children most recently
// visited first. The active state is starred; undone states are dimmed.
func printTree(w io.Writer, s *history.Stream) {
	fmt.Fprintf(w, "%s  state %d  %d states", headerText(s.Name()), s.State(), len(s.States()))
	if merged := s.MergedStates(); len(merged) > 0 {
		fmt.Fprintf(w, "  merged %v", merged)
	}
	fmt.Fprintln(w)

	active := s.Active()
	fmt.Fprintln(w, describeState(s.Root(), active))
	printChildren(w, s.Root(), active, "")

	if p := s.Pending(); p.Valid() && p.Len() > 0 {
		fmt.Fprintf(w, "pending: %d records in %d checkpoints\n", p.Len(), len(p.Checkpoints()))
	}
}

func printChildren(w io.Writer, d, active history.DeltaState, indent string) {
	kids := d.Children()
	for i, kid := range kids {
		branch, next := "├── ", "│   "
		if i == len(kids)-1 {
			branch, next = "└── ", "    "
		}
		fmt.Fprintln(w, indent+branch+describeState(kid, active))
		printChildren(w, kid, active, indent+next)
	}
}

func describeState(d, active history.DeltaState) string {
	var b strings.Builder
	if d.Equal(active) {
		b.WriteString(activeMark("*"))
	}
	fmt.Fprintf(&b, "%d", d.ID())
	if d.IsRoot() {
		b.WriteString(" root")
	}
	if name := d.Name(); name != "" {
		b.WriteString(" " + nameText("%q", name))
	}
	if n := d.Len(); n > 0 || !d.IsRoot() {
		fmt.Fprintf(&b, " [%d %s]", n, plural(n, "record"))
	}
	if merged := d.Merged(); len(merged) > 0 {
		fmt.Fprintf(&b, " merged %v", merged)
	}
	if d.Hidden() {
		b.WriteString(" (hidden)")
	}
	if d.RollsBack() {
		return undoneText(b.String())
	}
	return b.String()
}

func plural(n int, word string) string {
	if n == 1 {
		return word
	}
	return word + "s"
}
