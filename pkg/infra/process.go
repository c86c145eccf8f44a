package infra

import (
	"context"

	"github.com/GwanWingYan/ccshim/pkg/shim"
	"github.com/pkg/errors"
	prom "github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
)

// Process dials the peer described by c and serves cc until the stream ends.
func Process(c *Config, cc shim.Chaincode, logger *log.Logger) error {
	conn, err := DialConnection(*c, logger)
	if err != nil {
		return err
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, err := CreateChaincodeStream(ctx, conn)
	if err != nil {
		return err
	}

	return Start(c, stream, cc, logger, prom.NewRegistry())
}

// Start runs the shim handler for cc over an already open stream. When an
// operations address is configured, the operations server runs alongside it
// and reports the series registered with reg.
func Start(c *Config, stream shim.PeerChaincodeStream, cc shim.Chaincode, logger *log.Logger, reg *prom.Registry) error {
	policy, err := shim.ParseUnknownMessagePolicy(c.Shim.UnknownMessagePolicy)
	if err != nil {
		return err
	}
	if reg == nil {
		reg = prom.NewRegistry()
	}

	handler := shim.NewHandler(stream, cc,
		shim.WithLogger(logger),
		shim.WithMetrics(shim.NewMetrics(reg)),
		shim.WithUnknownMessagePolicy(policy),
		shim.WithKeepPendingOnClose(c.Shim.KeepPendingOnClose),
	)

	if c.Operations.ListenAddress != "" {
		ops := NewOperationsServer(c.Operations.ListenAddress, reg, handler, logger)
		if err = ops.Start(); err != nil {
			return err
		}
		defer ops.Stop()
	}

	logger.Infof("Starting chaincode %s against %s", c.Chaincode.ID.Name, c.Peer.Address)
	if err = handler.Chat(c.Chaincode.ID.Name); err != nil {
		return errors.WithMessagef(err, "chaincode %s stopped", c.Chaincode.ID.Name)
	}
	return nil
}
