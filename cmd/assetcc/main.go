package main

import (
	"fmt"
	"os"

	"github.com/GwanWingYan/ccshim/pkg/infra"
	"github.com/GwanWingYan/ccshim/pkg/sample"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"gopkg.in/alecthomas/kingpin.v2"
)

const (
	logLevelEnv = "CCSHIM_LOGLEVEL"
)

var (
	logger  *log.Logger
	config  infra.Config
	fullCmd string
)

var (
	app = kingpin.New("assetcc", "An asset registry chaincode served over the chaincode shim")

	run     = app.Command("run", "Connect to the peer and serve transactions").Default()
	version = app.Command("version", "Show version information")

	configFile  = run.Flag("config", "Path to config file").Short('c').String()
	peerAddress = run.Flag("peer.address", "Peer chaincode listener address, overrides peer.address").String()
	ccID        = run.Flag("id", "Chaincode name to register, overrides chaincode.id.name").String()
)

// newLogger honours CCSHIM_LOGLEVEL first, then chaincode.logging.level.
func newLogger(configLevel string) *log.Logger {
	logger = log.New()
	logger.SetLevel(log.InfoLevel)
	if level, err := log.ParseLevel(configLevel); err == nil {
		logger.SetLevel(level)
	}
	if value, ok := os.LookupEnv(logLevelEnv); ok {
		if level, err := log.ParseLevel(value); err == nil {
			logger.SetLevel(level)
		}
	}
	return logger
}

func loadConfig() infra.Config {
	overrides := map[string]interface{}{}
	if *peerAddress != "" {
		overrides["peer.address"] = *peerAddress
	}
	if *ccID != "" {
		overrides["chaincode.id.name"] = *ccID
	}

	c, err := infra.LoadConfig(*configFile, overrides)
	if err != nil {
		log.Fatalf("load config error: %v\n", err)
	}
	return c
}

func main() {
	var err error

	fullCmd = kingpin.MustParse(app.Parse(os.Args[1:]))

	switch fullCmd {
	case run.FullCommand():
		config = loadConfig()
		logger = newLogger(config.Chaincode.Logging.Level)
		err = infra.Process(&config, sample.NewAssetChaincode(logger), logger)
	case version.FullCommand():
		fmt.Print(infra.GetVersionInfo())
	default:
		err = errors.Errorf("invalid command: %s", fullCmd)
	}

	if err != nil {
		if logger == nil {
			logger = newLogger("")
		}
		logger.Errorln(err)
		os.Exit(1)
	}
	os.Exit(0)
}
