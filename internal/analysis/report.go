package analysis

import (
	"fmt"
	"io"
	"strings"
)

// Report bundles the results printed by the sweep command.
type Report struct {
	Title         string
	Drops         *DropReport
	Profiles      []*Profile
	Decomposition *Decomposition
	// DecompositionLabel names the (v, u) pair, e.g. "L18 vs L10".
	DecompositionLabel string
}

// WriteText renders r as fixed-width text.
func (r *Report) WriteText(w io.Writer) error {
	var sb strings.Builder
	rule := strings.Repeat("=", 60)

	if r.Title != "" {
		fmt.Fprintf(&sb, "%s\n%s\n%s\n", rule, r.Title, rule)
	}

	if r.Drops != nil {
		fmt.Fprintf(&sb, "\n%-12s %-10s %s\n", "Layers", "Cosine", "Note")
		sb.WriteString(strings.Repeat("-", 42) + "\n")
		for _, p := range r.Drops.Pairs {
			note := ""
			switch {
			case p.Sharp:
				note = "*** SHARP DROP ***"
			case p.Zone:
				note = "* transition zone *"
			}
			pair := fmt.Sprintf("L%d->L%d", p.Layer-1, p.Layer)
			sb.WriteString(strings.TrimRight(fmt.Sprintf("%-12s %-10.4f %s", pair, p.Cosine, note), " ") + "\n")
		}
		fmt.Fprintf(&sb, "\nIdentified %d transition layers (cosine < %.2f)\n", len(r.Drops.Zones()), r.Drops.Threshold)
	}

	for _, p := range r.Profiles {
		fmt.Fprintf(&sb, "\nAlignment with %s (|cosine|)\n", p.Name)
		for _, a := range p.Entries {
			fmt.Fprintf(&sb, "  L%-4d %.4f\n", a.Layer, a.Abs)
		}
		if p.Peak >= 0 {
			fmt.Fprintf(&sb, "  peak: L%d (%.4f)\n", p.Peak, p.PeakAbs)
		}
	}

	if d := r.Decomposition; d != nil {
		label := r.DecompositionLabel
		if label == "" {
			label = "v vs u"
		}
		fmt.Fprintf(&sb, "\nDecomposition (%s):\n", label)
		fmt.Fprintf(&sb, "  residue component: %.4f\n", d.Residue)
		fmt.Fprintf(&sb, "  new component:     %.4f\n", d.New)
		if d.Orthogonal != nil {
			fmt.Fprintf(&sb, "  orthogonal check:  %.6f\n", d.OrthogonalCheck)
		}
	}

	_, err := io.WriteString(w, sb.String())
	return err
}
