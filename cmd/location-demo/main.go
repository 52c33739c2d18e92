// Command location-demo encodes a single fixed-position location.publish
// envelope, mirroring share/apps/location.c's one-shot "report a fixed
// location" sample against the cloud library.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/montagao/iot-device-agent/internal/agent/cloudproto"
	"github.com/montagao/iot-device-agent/pkg/log"
)

func main() {
	codec := cloudproto.NewCodec("location-demo", 0, log.NewPrefixLogger("location-demo"))

	loc := cloudproto.Location{Lat: 45.5231, Lng: -122.6765, Source: cloudproto.SourceFixed}
	loc.SetAccuracy(5).SetTag("office")

	payload, err := codec.EncodeLocationPublish(loc, time.Now())
	if err != nil {
		fmt.Fprintf(os.Stderr, "encoding location.publish: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(string(payload))
}
