// Command action-demo registers a single "ping" action against a
// standalone registry/dispatcher pair and prints the encoded mailbox.ack
// for a hand-built request, mirroring how share/apps/actions.c registers
// an action against the cloud library in isolation.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/montagao/iot-device-agent/internal/agent/action"
	"github.com/montagao/iot-device-agent/internal/agent/cloudproto"
	"github.com/montagao/iot-device-agent/pkg/executer"
	"github.com/montagao/iot-device-agent/pkg/log"
)

type printAckPublisher struct{ codec *cloudproto.Codec }

func (p *printAckPublisher) PublishAck(_ context.Context, req *cloudproto.ActionRequest, code int, message string) error {
	payload, err := p.codec.EncodeMailboxAck(req, code, message)
	if err != nil {
		return err
	}
	fmt.Println(string(payload))
	return nil
}

func main() {
	logger := log.NewPrefixLogger("action-demo")
	codec := cloudproto.NewCodec("action-demo", 0, logger)
	registry := action.NewRegistry()

	err := registry.Register(&action.Action{
		Name: "ping",
		Params: []action.ParamSpec{
			{Name: "message", Direction: action.In, Type: cloudproto.TypeString},
			{Name: "reply", Direction: action.Out, Type: cloudproto.TypeString},
		},
		Target: action.Target{
			Callback: func(req *cloudproto.ActionRequest) (map[string]cloudproto.Value, error) {
				msg, _ := req.Params["message"].String()
				return map[string]cloudproto.Value{"reply": cloudproto.StringValue("pong: " + msg)}, nil
			},
		},
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "registering ping: %v\n", err)
		os.Exit(1)
	}
	registry.SetEnabled("ping", true)

	dispatcher := action.NewDispatcher(registry, executer.NewCommonExecuter(), &printAckPublisher{codec: codec}, os.TempDir(), logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		if err := dispatcher.Run(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "dispatcher stopped: %v\n", err)
		}
	}()

	dispatcher.Submit(&cloudproto.ActionRequest{
		ID:     "demo-1",
		Method: "ping",
		Params: map[string]cloudproto.Value{"message": cloudproto.StringValue("hello")},
	})

	time.Sleep(200 * time.Millisecond)
}
