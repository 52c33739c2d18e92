// Command telemetry-demo exercises the telemetry codec (C2/C4) by sampling
// a handful of system stats and printing the encoded property.publish
// envelopes, the way share/apps/telemetry.c samples cpu/memory and pushes
// them through the cloud library without standing up a full agent.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/mackerelio/go-osstat/cpu"
	"github.com/mackerelio/go-osstat/memory"

	"github.com/montagao/iot-device-agent/internal/agent/cloudproto"
	"github.com/montagao/iot-device-agent/pkg/log"
)

func main() {
	codec := cloudproto.NewCodec("telemetry-demo", 0, log.NewPrefixLogger("telemetry-demo"))
	now := time.Now()

	if mem, err := memory.Get(); err == nil {
		payload, err := codec.EncodePropertyPublish("mem.used", cloudproto.UintValue(cloudproto.TypeU64, mem.Used), now)
		if err != nil {
			fmt.Fprintf(os.Stderr, "encoding mem.used: %v\n", err)
		} else {
			fmt.Println(string(payload))
		}
	} else {
		fmt.Fprintf(os.Stderr, "reading memory stats: %v\n", err)
	}

	if c, err := cpu.Get(); err == nil {
		payload, err := codec.EncodePropertyPublish("cpu.user", cloudproto.UintValue(cloudproto.TypeU64, c.User), now)
		if err != nil {
			fmt.Fprintf(os.Stderr, "encoding cpu.user: %v\n", err)
		} else {
			fmt.Println(string(payload))
		}
	} else {
		fmt.Fprintf(os.Stderr, "reading cpu stats: %v\n", err)
	}
}
