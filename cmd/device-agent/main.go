// Command device-agent runs the IoT device agent: it connects to the
// configured MQTT broker, registers the built-in actions, and drives the
// scheduler's tick loop until an interrupt or terminate signal arrives.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/montagao/iot-device-agent/internal/agent"
	"github.com/montagao/iot-device-agent/internal/agent/action"
	"github.com/montagao/iot-device-agent/internal/agent/cloudproto"
	"github.com/montagao/iot-device-agent/internal/agent/config"
	"github.com/montagao/iot-device-agent/internal/agent/ota"
	"github.com/montagao/iot-device-agent/internal/agent/telemetry"
	"github.com/montagao/iot-device-agent/internal/agent/transfer"
	"github.com/montagao/iot-device-agent/internal/agent/transport"
	"github.com/montagao/iot-device-agent/pkg/executer"
	"github.com/montagao/iot-device-agent/pkg/log"
	"github.com/montagao/iot-device-agent/pkg/version"
)

const otaActionName = "ota.update"

func main() {
	args := os.Args[1:]
	if len(args) == 0 {
		args = []string{"run"}
	}

	switch args[0] {
	case "version":
		printVersion()
		return
	case "check-config":
		runCheckConfig(args[1:])
		return
	case "run":
		runAgent(args[1:])
		return
	case "-h", "--help", "help":
		printUsage()
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown subcommand %q\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: device-agent <run|version|check-config> [flags]")
}

func printVersion() {
	v := version.Get()
	fmt.Printf("device-agent %s (%s)\n", v.String(), v.GitCommit)
}

func runCheckConfig(args []string) {
	fs := flag.NewFlagSet("check-config", flag.ExitOnError)
	fs.Parse(args)
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: device-agent check-config <path>")
		os.Exit(1)
	}
	cfg, err := config.Load(fs.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "config invalid: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(cfg.String())
}

func runAgent(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configFile := fs.String("config", config.DefaultConfigFile, "path to iot-device-manager.cfg")
	fs.Parse(args)

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "loading config: %v\n", err)
		os.Exit(1)
	}

	logger := log.NewPrefixLogger("agent")
	logger.Level(cfg.LogLevel)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := build(cfg, logger)
	if err != nil {
		logger.Errorf("building agent: %v", err)
		os.Exit(1)
	}

	if err := a.Run(ctx); err != nil {
		logger.Errorf("agent exited with error: %v", err)
		os.Exit(1)
	}
}

// build wires every component the scheduler drives: transport, codec,
// action registry/dispatcher, telemetry publisher, the file transfer
// engine, and the OTA orchestrator registered as an action.
func build(cfg *config.Config, logger *log.PrefixLogger) (*agent.Agent, error) {
	codec := cloudproto.NewCodec(cfg.DeviceID, time.Duration(cfg.MailboxDedupWindow), logger.AddPrefix("codec"))
	t := transport.New(logger.AddPrefix("transport"))

	registry := action.NewRegistry()
	exec := executer.NewCommonExecuter()

	engine := transfer.NewEngine(logger.AddPrefix("transfer"), transfer.WithMaxSlots(cfg.TransferMaxSlots))
	orchestrator := ota.New(cfg.RuntimeDir, engine, exec, logger.AddPrefix("ota"))

	if err := registry.Register(&action.Action{
		Name:  otaActionName,
		Flags: action.NoReturn | action.ExclusiveDevice,
		Params: []action.ParamSpec{
			{Name: "url", Direction: action.InRequired, Type: cloudproto.TypeString},
			{Name: "checksum", Direction: action.In, Type: cloudproto.TypeString},
			{Name: "updater_path", Direction: action.In, Type: cloudproto.TypeString},
		},
		Target: action.Target{Callback: otaCallback(orchestrator)},
	}); err != nil {
		return nil, fmt.Errorf("registering %s: %w", otaActionName, err)
	}
	registry.SetEnabled(otaActionName, cfg.ActionsEnabled[otaActionName] || len(cfg.ActionsEnabled) == 0)

	publisher := agent.NewMailboxPublisher(codec, t, cfg.MQTT.CommandTopic())
	dispatcher := action.NewDispatcher(registry, exec, publisher, cfg.RuntimeDir, logger.AddPrefix("dispatcher"))

	var pub *telemetry.Publisher
	if time.Duration(cfg.TelemetryInterval) > 0 {
		publish := func(ctx context.Context, payload []byte) error {
			return t.Publish(ctx, cfg.MQTT.CommandTopic(), payload, 1, false, 10*time.Second)
		}
		backoff := wait.Backoff{Duration: time.Second, Factor: 2, Steps: 5}
		pub = telemetry.New(codec, publish, defaultCollector, time.Duration(cfg.TelemetryInterval), backoff, logger.AddPrefix("telemetry"))
	}

	sched := agent.New(cfg, t, codec, registry, dispatcher, pub, logger)

	t.SetOnMessage(sched.OnMessage)
	t.SetOnDisconnect(func(unexpected bool) {
		if unexpected {
			logger.Warn("transport disconnected unexpectedly")
		}
	})

	return sched, nil
}

func otaCallback(o *ota.Orchestrator) action.CallbackFunc {
	return func(req *cloudproto.ActionRequest) (map[string]cloudproto.Value, error) {
		url, _ := req.Params["url"].String()
		checksum, _ := req.Params["checksum"].String()
		updaterPath, _ := req.Params["updater_path"].String()

		go func() {
			otaReq := ota.Request{
				ID:          req.ID,
				URL:         url,
				UpdaterPath: updaterPath,
				Checksum:    transfer.Checksum{Algorithm: transfer.ChecksumSHA256, Value: checksum},
			}
			if err := o.Run(context.Background(), otaReq); err != nil {
				logrus.WithError(err).Error("OTA cycle failed")
			}
		}()
		return nil, nil
	}
}

// defaultCollector reports no telemetry samples; a real deployment supplies
// a device-specific Collector built around its own sensors.
func defaultCollector(ctx context.Context) ([]telemetry.Sample, error) {
	return nil, nil
}
