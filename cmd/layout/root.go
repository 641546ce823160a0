package layout

import (
	"fmt"
	"strconv"

	"github.com/ValentinKolb/dStripe/cmd/util"
	"github.com/ValentinKolb/dStripe/lib/descr"
	"github.com/ValentinKolb/dStripe/lib/stripe"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	MapCmd = &cobra.Command{
		Use:   "map <start> <end|eof>",
		Short: "Show how a file range is split into stripe extents",
		Long:  `Show the stripe extents a lock on the page range [start, end] of a striped file consists of, and the file range every stripe extent maps back to. The layout can be set via command line flags or environment variables (e.g. DSTRIPE_STRIPE_COUNT=8)`,
		Args:  cobra.ExactArgs(2),
		RunE:  run,
	}
)

func init() {
	util.SetupLayoutFlags(MapCmd)

	key := "obj"
	MapCmd.PersistentFlags().Uint64(key, 1, util.WrapString("Object id of the file"))

	key = "mode"
	MapCmd.PersistentFlags().String(key, "read", util.WrapString("Lock mode (read, write)"))
}

func parsePage(s string) (uint64, error) {
	if s == "eof" || s == "EOF" {
		return descr.EOF, nil
	}
	return strconv.ParseUint(s, 10, 64)
}

func run(cmd *cobra.Command, args []string) error {
	layout, err := util.GetLayout()
	if err != nil {
		return err
	}
	mode, err := descr.ParseMode(viper.GetString("mode"))
	if err != nil {
		return err
	}
	start, err := parsePage(args[0])
	if err != nil {
		return fmt.Errorf("invalid start %q: %w", args[0], err)
	}
	end, err := parsePage(args[1])
	if err != nil {
		return fmt.Errorf("invalid end %q: %w", args[1], err)
	}
	d, err := descr.New(viper.GetUint64("obj"), start, end, mode)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	_, _ = fmt.Fprintf(out, "%s on layout %s\n\n", d, layout)

	table := tablewriter.NewWriter(out)
	table.SetHeader([]string{"Stripe", "Sub-Object", "Stripe Extent", "File Extent"})
	table.SetAutoWrapText(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetTablePadding("  ")
	table.SetNoWhiteSpace(true)

	for _, idx := range layout.Stripes(d) {
		sd, ok := layout.UnmapExtent(d, idx)
		if !ok {
			continue
		}
		sd.Obj = stripe.SubObject(d.Obj, idx)
		fd := layout.MapExtent(sd, idx)
		fd.Obj = d.Obj
		table.Append([]string{strconv.Itoa(idx), strconv.FormatUint(sd.Obj, 10), sd.String(), fd.String()})
	}
	table.Render()
	return nil
}
