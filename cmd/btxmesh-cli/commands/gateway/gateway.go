package gateway

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/skycoin/btxmesh/cmd/btxmesh-cli/internal"
	"github.com/skycoin/btxmesh/internal/color"
)

var historyLimit int

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "number of records to show, 0 for all")

	RootCmd.AddCommand(
		summaryCmd,
		pendingCmd,
		historyCmd,
		submitCmd,
	)
}

var summaryCmd = &cobra.Command{
	Use:   "summary",
	Short: "Summary of the gateway state and counters",
	Run: func(_ *cobra.Command, _ []string) {
		s, err := rpcClient().Summary()
		internal.Catch(err)

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 5, ' ', tabwriter.TabIndent)
		rows := [][2]string{
			{"node", s.Node},
			{"version", s.Version},
			{"uptime", s.Uptime},
			{"mesh connected", color.Bool(s.MeshConnected)},
			{"backend", fmt.Sprintf("%s (%s)", s.Backend, s.Network)},
			{"private", color.Bool(s.Private)},
			{"privacy verified", color.Bool(s.PrivacyVerified)},
			{"received", fmt.Sprint(s.Received)},
			{"dispatched", fmt.Sprint(s.Dispatched)},
			{"failed", fmt.Sprint(s.Failed)},
			{"duplicates", fmt.Sprint(s.Duplicates)},
			{"rejected", fmt.Sprint(s.Rejected)},
			{"expired", fmt.Sprint(s.Expired)},
			{"dropped", fmt.Sprint(s.Dropped)},
			{"pending", fmt.Sprint(s.Pending)},
		}
		for _, r := range rows {
			_, err = fmt.Fprintf(w, "%s:\t%s\n", r[0], r[1])
			internal.Catch(err)
		}
		internal.Catch(w.Flush())
	},
}

var pendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "Lists transactions being reassembled",
	Run: func(_ *cobra.Command, _ []string) {
		pending, err := rpcClient().Pending()
		internal.Catch(err)

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 5, ' ', tabwriter.TabIndent)
		_, err = fmt.Fprintln(w, "origin\tid\tpath\tbytes\treceived\tage")
		internal.Catch(err)

		for _, p := range pending {
			path := "frames"
			if p.Text {
				path = "text"
			}
			_, err = fmt.Fprintf(w, "%s\t%d\t%s\t%d\t%d/%d\t%s\n", p.Origin, p.ID, path, p.Total,
				p.Received, p.Expected, time.Since(p.Created).Truncate(time.Second))
			internal.Catch(err)
		}
		internal.Catch(w.Flush())
	},
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Lists recent broadcast attempts",
	Run: func(_ *cobra.Command, _ []string) {
		records, err := rpcClient().Broadcasts(historyLimit)
		internal.Catch(err)

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 5, ' ', tabwriter.TabIndent)
		_, err = fmt.Fprintln(w, "time\torigin\tbackend\tstatus\ttxid/error")
		internal.Catch(err)

		for _, r := range records {
			detail := r.TxID
			if r.Error != "" {
				detail = r.Error
			}
			_, err = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", r.Time.Local().Format(time.RFC3339),
				r.Origin, r.Backend, color.Outcome(r.Error, r.Duplicate), detail)
			internal.Catch(err)
		}
		internal.Catch(w.Flush())
	},
}

var submitCmd = &cobra.Command{
	Use:   "submit [tx-hex|-]",
	Short: "Broadcasts a complete transaction through the gateway",
	Args:  cobra.MaximumNArgs(1),
	Run: func(_ *cobra.Command, args []string) {
		res, err := rpcClient().Submit(internal.ReadHexArg(args))
		internal.Catch(err, "submit failed:")

		fmt.Printf("%s %s via %s\n", color.Outcome("", res.Duplicate), res.TxID, res.Backend)
	},
}
