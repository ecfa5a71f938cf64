package tools

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/skycoin/btxmesh/cmd/btxmesh-cli/internal"
	"github.com/skycoin/btxmesh/internal/color"
	"github.com/skycoin/btxmesh/pkg/frame"
	"github.com/skycoin/btxmesh/pkg/meshlink"
	"github.com/skycoin/btxmesh/pkg/textchunk"
)

var (
	frameID      uint8
	bridgeAddr   string
	gatewayAddr  string
	sendText     bool
	replyTimeout time.Duration
)

func init() {
	for _, c := range []*cobra.Command{frameSplitCmd, frameSendCmd} {
		c.Flags().Uint8VarP(&frameID, "id", "", 1, "transaction id carried by every frame")
	}
	frameSendCmd.Flags().StringVarP(&bridgeAddr, "bridge", "b", "127.0.0.1:4403", "radio companion address")
	frameSendCmd.Flags().StringVarP(&gatewayAddr, "to", "", "^all", "mesh address of the gateway")
	frameSendCmd.Flags().BoolVarP(&sendText, "text", "", false, "send BTX text lines instead of binary frames")
	frameSendCmd.Flags().DurationVarP(&replyTimeout, "timeout", "", 2*time.Minute, "how long to wait for the gateway reply")

	FrameCmd.AddCommand(frameSplitCmd, frameSendCmd)
}

// FrameCmd contains commands for the binary frame protocol.
var FrameCmd = &cobra.Command{
	Use:   "frame",
	Short: "Binary frames for the mesh application port",
}

var frameSplitCmd = &cobra.Command{
	Use:   "split [tx-hex|-]",
	Short: "Prints the frames a sender transmits, hex encoded",
	Args:  cobra.MaximumNArgs(1),
	Run: func(_ *cobra.Command, args []string) {
		msgs := splitFrames(internal.ReadHexArg(args))
		for _, m := range msgs {
			fmt.Printf("%-40s %s\n", m, hex.EncodeToString(frame.Encode(m)))
		}
	},
}

var frameSendCmd = &cobra.Command{
	Use:   "send [tx-hex|-]",
	Short: "Sends a transaction over the mesh and waits for the gateway reply",
	Args:  cobra.MaximumNArgs(1),
	Run: func(_ *cobra.Command, args []string) {
		txHex := internal.ReadHexArg(args)

		ctx, cancel := context.WithTimeout(context.Background(), replyTimeout)
		defer cancel()

		link, err := meshlink.DialBridge(ctx, bridgeAddr, meshlink.DefaultQueueSize)
		internal.Catch(err, "bridge connection failed:")
		defer link.Close() // nolint: errcheck

		if sendText {
			for _, line := range textchunk.Split(txHex, textchunk.TextChunkSize) {
				internal.Catch(link.Send(ctx, gatewayAddr, frame.TextPort, []byte(line)))
			}
		} else {
			for _, m := range splitFrames(txHex) {
				internal.Catch(link.Send(ctx, gatewayAddr, frame.AppPort, frame.Encode(m)))
			}
		}
		fmt.Println("Sent, waiting for the gateway...")

		for {
			select {
			case <-ctx.Done():
				internal.Catch(ctx.Err(), "no reply:")
			case p, ok := <-link.Packets():
				if !ok {
					internal.Catch(meshlink.ErrClosed)
				}
				if done := printReply(p); done {
					return
				}
			}
		}
	},
}

func splitFrames(txHex string) []frame.Message {
	tx, err := hex.DecodeString(txHex)
	internal.Catch(err, "invalid hex:")
	msgs, err := frame.Split(frameID, tx, frame.FragmentBudget)
	internal.Catch(err)
	return msgs
}

func printReply(p meshlink.Packet) bool {
	switch p.Port {
	case frame.AppPort:
		msg, err := frame.Decode(p.Payload)
		if err != nil || msg.TxID() != frameID {
			return false
		}
		switch m := msg.(type) {
		case *frame.Ack:
			fmt.Printf("%s broadcast accepted\n", color.Green.ColorizeText("ACK"))
			return true
		case *frame.Error:
			fmt.Printf("%s %s\n", color.Red.ColorizeText("ERROR"), m.Code)
			return true
		}
	case frame.TextPort:
		line := string(p.Payload)
		switch {
		case strings.HasPrefix(line, textchunk.Ack("")):
			fmt.Printf("%s %s\n", color.Green.ColorizeText("ACK"), strings.TrimPrefix(line, textchunk.Ack("")))
			return true
		case strings.HasPrefix(line, textchunk.Nack("")):
			fmt.Printf("%s %s\n", color.Red.ColorizeText("ERROR"), strings.TrimPrefix(line, textchunk.Nack("")))
			return true
		}
	}
	return false
}
