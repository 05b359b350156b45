package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"vnet/pkg/ipnode"
	"vnet/pkg/lnxconfig"
	"vnet/pkg/nodeinit"
	"vnet/pkg/repl"
	"vnet/pkg/rip"
)

func main() {
	configPath := flag.String("config", "", "path to .lnx config file")
	flag.Parse()
	if *configPath == "" {
		fmt.Fprintf(os.Stderr, "usage: %s --config <lnx file>\n", os.Args[0])
		os.Exit(1)
	}

	cfg, err := lnxconfig.ParseFile(*configPath)
	if err != nil {
		logrus.WithError(err).Fatal("parsing config")
	}

	node := ipnode.New(true)
	node.RegisterHandler(ipnode.ProtocolTest, ipnode.TestProtocolHandler)

	if err := nodeinit.AttachInterfaces(node, cfg); err != nil {
		logrus.WithError(err).Fatal("attaching interfaces")
	}
	nodeinit.AttachStaticRoutes(node, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var ripEngine *rip.Engine
	if cfg.RoutingMode == lnxconfig.RoutingRIP {
		ripEngine = rip.NewEngine(node, cfg.RipNeighbors, cfg.RipPeriodicUpdateRate, cfg.RipTimeoutThreshold)
		node.RegisterHandler(ipnode.ProtocolRIP, ripEngine.HandlePacket)
	}

	node.Start()
	defer node.Stop()

	if ripEngine != nil {
		go ripEngine.Run(ctx)
	}

	repl.StartRouterRepl(node, ripEngine)
}
