package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"rtk-rover/internal/nmea"
	"rtk-rover/internal/telemetry"
)

type decodeSummary struct {
	Lines      int
	Invalid    int
	KindCounts map[telemetry.Kind]int
}

func newDecodeCommand() *cobra.Command {
	var summaryOnly bool
	cmd := &cobra.Command{
		Use:   "decode <nmea-file>",
		Short: "Render a captured NMEA log the way the telemetry view would",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := strings.TrimSpace(args[0])
			if path == "" {
				return fmt.Errorf("path is empty")
			}
			f, err := os.Open(path)
			if err != nil {
				return err
			}
			defer f.Close()
			return printDecode(cmd.OutOrStdout(), f, summaryOnly)
		},
	}
	cmd.Flags().BoolVar(&summaryOnly, "summary", false, "Print only the summary")
	return cmd
}

func decodeLines(r io.Reader, each func(telemetry.Rendered)) (decodeSummary, error) {
	s := decodeSummary{KindCounts: map[telemetry.Kind]int{}}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 256), 64*1024)
	now := time.Now().UTC()
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		s.Lines++
		msg, err := nmea.Decode(now, line)
		if err != nil {
			s.Invalid++
			continue
		}
		out := telemetry.Route(msg)
		s.KindCounts[out.Kind]++
		if each != nil {
			each(out)
		}
	}
	return s, sc.Err()
}

func printDecode(w io.Writer, r io.Reader, summaryOnly bool) error {
	var each func(telemetry.Rendered)
	if !summaryOnly {
		each = func(out telemetry.Rendered) {
			fmt.Fprintf(w, "[%s]\n%s\n", out.Channel, strings.TrimRight(out.Text, "\n"))
		}
	}
	s, err := decodeLines(r, each)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "lines: %d\n", s.Lines)
	fmt.Fprintf(w, "invalid_lines: %d\n", s.Invalid)
	kinds := make([]string, 0, len(s.KindCounts))
	for k := range s.KindCounts {
		kinds = append(kinds, string(k))
	}
	sort.Strings(kinds)
	fmt.Fprintf(w, "kind_counts:\n")
	for _, k := range kinds {
		fmt.Fprintf(w, "  %s: %d\n", k, s.KindCounts[telemetry.Kind(k)])
	}
	return nil
}
