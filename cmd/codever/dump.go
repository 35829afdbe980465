package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/chazu/codever/diag"
)

func runDump(path string) error {
	s, err := diag.ReadFile(path)
	if err != nil {
		return err
	}
	return diag.Format(os.Stdout, s)
}

func runEvents(path string, limit int) error {
	j, err := diag.OpenJournal(path)
	if err != nil {
		return err
	}
	defer j.Close()

	entries, err := j.Recent(limit)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SEQ\tTIME\tEVENT\tMETHOD\tREJIT\tNATIVE\tTIER\tCODE")
	for _, e := range entries {
		method := e.Method
		if method == "" {
			method = fmt.Sprintf("%s!%08x", e.Module, uint32(e.Token))
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%d\t%d\t%s\t%#x\n",
			e.Seq, e.At.Format(time.TimeOnly), e.Kind, method, e.ReJITID, e.NativeID, e.Tier, uintptr(e.Code))
	}
	return w.Flush()
}
