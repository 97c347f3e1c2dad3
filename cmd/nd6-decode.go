package cmd

import (
	"encoding/hex"
	"fmt"
	"net/netip"
	"strings"

	"github.com/davecgh/go-spew/spew"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/kube-vip/nd6/pkg/ndmsg"
)

var decodeSrc, decodeDst string
var decodeHWSize int
var decodeVerbose bool

func init() {
	nd6Decode.Flags().StringVar(&decodeSrc, "src", "", "IPv6 source address, enables checksum verification with --dst")
	nd6Decode.Flags().StringVar(&decodeDst, "dst", "", "IPv6 destination address, enables checksum verification with --src")
	nd6Decode.Flags().IntVar(&decodeHWSize, "hwsize", 6, "Size of the link-layer addresses carried in options")
	nd6Decode.Flags().BoolVarP(&decodeVerbose, "verbose", "v", false, "Dump every decoded field")
}

var nd6Decode = &cobra.Command{
	Use:   "decode <hex>",
	Short: "Decode a Neighbor Discovery message given as hex, starting at the ICMPv6 header",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		log.SetLevel(log.Level(logLevel))

		b, err := hex.DecodeString(strings.NewReplacer(" ", "", ":", "", "\n", "").Replace(args[0]))
		if err != nil {
			return fmt.Errorf("message is not hex: %w", err)
		}

		if decodeSrc != "" || decodeDst != "" {
			src, err := netip.ParseAddr(decodeSrc)
			if err != nil {
				return fmt.Errorf("--src: %w", err)
			}
			dst, err := netip.ParseAddr(decodeDst)
			if err != nil {
				return fmt.Errorf("--dst: %w", err)
			}
			if !ndmsg.VerifyChecksum(src, dst, b) {
				return fmt.Errorf("checksum mismatch, expected %#04x", ndmsg.Checksum(src, dst, zeroChecksum(b)))
			}
			fmt.Println("checksum ok")
		}

		msg, err := ndmsg.Parse(b, decodeHWSize)
		if err != nil {
			return err
		}
		fmt.Printf("%s: %s\n", ndmsg.TypeName(msg.Type()), msg)
		if decodeVerbose {
			spew.Dump(msg)
		}
		return nil
	},
}

func zeroChecksum(b []byte) []byte {
	out := append([]byte(nil), b...)
	if len(out) >= 4 {
		out[2], out[3] = 0, 0
	}
	return out
}
