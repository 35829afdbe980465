package diag

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/docker/go-units"

	"github.com/chazu/codever/versioning"
)

// Format writes a human-readable listing of s to w.
func Format(w io.Writer, s *Snapshot) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "snapshot format %s taken %s\n\n", s.Format, time.Unix(0, s.TakenAt).Format(time.RFC3339))

	fmt.Fprintln(tw, "IL VERSIONS")
	fmt.Fprintln(tw, "method\tid\tstate\tflags\tsize\t")
	for _, k := range s.ILKeys {
		for _, v := range k.Versions {
			marker := " "
			if v.ID == k.Active {
				marker = "*"
			}
			state := versioning.RejitState(v.State).String()
			if v.Suppressed {
				state += "/suppressed"
			}
			if v.Deoptimized {
				state += "/deopt"
			}
			fmt.Fprintf(tw, "%s!%08x\t%s%d\t%s\t%#x\t%s\t\n",
				k.Module, k.Token, marker, v.ID, state, v.JitFlags, units.HumanSize(float64(v.ILSize)))
		}
	}

	fmt.Fprintln(tw, "\nNATIVE VERSIONS")
	fmt.Fprintln(tw, "method\tid\til\ttier\tcode\t")
	for _, m := range s.Methods {
		for _, v := range m.Versions {
			marker := " "
			if v.Active {
				marker = "*"
			}
			tier := versioning.OptimizationTier(v.Tier).String()
			if v.IsOSR {
				tier = fmt.Sprintf("%s@%d", tier, v.OSROffset)
			}
			fmt.Fprintf(tw, "%s!%s\t%s%d\t%d\t%s\t%#x\t\n", m.Module, m.Name, marker, v.ID, v.ILVersion, tier, v.Code)
		}
	}
	return tw.Flush()
}
