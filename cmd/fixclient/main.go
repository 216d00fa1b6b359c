// Package main provides a minimal FIX test client: it dials a gateway,
// drives a pusher/popper pair over the connection and reports what comes
// back. Intended for poking at a running fixgate instance.
package main

import (
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/rishav/fix-gateway/internal/fixmsg"
	"github.com/rishav/fix-gateway/internal/popper"
	"github.com/rishav/fix-gateway/internal/pusher"
)

func main() {
	var (
		addr     string
		version  string
		journal  string
		msgType  string
		fields   []string
		count    int
		sender   string
		target   string
		waitTime time.Duration
	)

	root := &cobra.Command{
		Use:           "fixclient",
		Short:         "minimal FIX test client",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := zap.NewDevelopment()
			if err != nil {
				return err
			}
			defer log.Sync() //nolint:errcheck

			conn, err := net.Dial("tcp", addr)
			if err != nil {
				return err
			}
			defer conn.Close()

			push := pusher.New(fixmsg.SOH, log)
			pop := popper.New(fixmsg.SOH, log)
			defer func() {
				_ = pop.Stop()
				_ = push.Stop()
				pop.Shutdown()
				push.Shutdown()
			}()

			if err := push.Start(journal, version, conn); err != nil {
				return err
			}
			if err := pop.Start(journal, version, push, conn); err != nil {
				return err
			}

			// Print whatever application messages come back.
			handle, cursor, err := pop.RegisterPopper()
			if err != nil {
				return err
			}
			defer pop.UnregisterPopper(handle)
			go func() {
				for {
					for _, msg := range pop.PopBatch(handle, &cursor) {
						fmt.Printf("<- %s\n", renderFrame(msg.Data))
					}
				}
			}()

			ver := fixmsg.ParseBeginString(version)
			for i := 0; i < count; i++ {
				tx := fixmsg.NewMessageTX(ver, fixmsg.SOH)
				tx.AppendField(fixmsg.TagMsgType, []byte(msgType))
				tx.AppendField(49, []byte(sender))
				tx.AppendField(56, []byte(target))
				for _, f := range fields {
					tag, value, found := strings.Cut(f, "=")
					if !found {
						return fmt.Errorf("bad field %q, want tag=value", f)
					}
					t, ok := fixmsg.ParseUint([]byte(tag))
					if !ok {
						return fmt.Errorf("bad tag in %q", f)
					}
					tx.AppendField(int(t), []byte(value))
				}

				mt, partial, ok := tx.Expose(time.Now())
				if !ok {
					return fmt.Errorf("could not compose message")
				}
				if err := push.Push(time.Minute, partial, mt); err != nil {
					return err
				}
			}

			time.Sleep(waitTime)
			return nil
		},
	}

	root.Flags().StringVarP(&addr, "addr", "a", "localhost:9898", "gateway address")
	root.Flags().StringVar(&version, "fix-version", "FIX.4.2", "BeginString value")
	root.Flags().StringVar(&journal, "journal", ":memory:", "client journal path")
	root.Flags().StringVarP(&msgType, "type", "t", "0", "MsgType of the pushed messages")
	root.Flags().StringArrayVarP(&fields, "field", "f", nil, "extra tag=value fields (repeatable)")
	root.Flags().IntVarP(&count, "count", "n", 1, "number of messages to push")
	root.Flags().StringVar(&sender, "sender", "FIXCLIENT", "SenderCompID")
	root.Flags().StringVar(&target, "target", "FIXGATE", "TargetCompID")
	root.Flags().DurationVar(&waitTime, "wait", 2*time.Second, "time to wait for responses before exiting")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// renderFrame makes a frame printable by swapping SOH for '|'.
func renderFrame(frame []byte) string {
	return strings.Map(func(r rune) rune {
		if r == rune(fixmsg.SOH) {
			return '|'
		}
		return r
	}, string(frame))
}
