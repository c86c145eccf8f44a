package infra

import (
	"context"
	"crypto/tls"
	"crypto/x509"

	"github.com/GwanWingYan/fabric-protos-go/peer"
	grpc_middleware "github.com/grpc-ecosystem/go-grpc-middleware"
	grpc_logrus "github.com/grpc-ecosystem/go-grpc-middleware/logging/logrus"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
)

const (
	MAX_TRY = 3

	maxMessageSize = 100 * 1024 * 1024
)

// CreateGRPCDialOptions builds the dial options for the peer connection:
// keepalive, message limits, transport security and stream logging.
func CreateGRPCDialOptions(c Config, logger *log.Logger) ([]grpc.DialOption, error) {
	opts := []grpc.DialOption{
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                c.Peer.KeepAlive.Interval,
			Timeout:             c.Peer.KeepAlive.Timeout,
			PermitWithoutStream: true,
		}),
		grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(maxMessageSize),
			grpc.MaxCallSendMsgSize(maxMessageSize),
		),
		grpc.WithStreamInterceptor(grpc_middleware.ChainStreamClient(
			grpc_logrus.StreamClientInterceptor(log.NewEntry(logger)),
		)),
		grpc.WithBlock(),
	}

	if !c.Peer.TLS.Enabled {
		return append(opts, grpc.WithTransportCredentials(insecure.NewCredentials())), nil
	}

	tlsConfig, err := createTLSConfig(c)
	if err != nil {
		return nil, err
	}
	return append(opts, grpc.WithTransportCredentials(credentials.NewTLS(tlsConfig))), nil
}

func createTLSConfig(c Config) (*tls.Config, error) {
	roots := x509.NewCertPool()
	if !roots.AppendCertsFromPEM(c.Peer.RootCertByte) {
		return nil, errors.Errorf("no valid certificate in %s", c.Peer.TLS.RootCert.File)
	}

	tlsConfig := &tls.Config{
		RootCAs:    roots,
		MinVersion: tls.VersionTLS12,
	}

	if c.TLS.KeyByte != nil {
		cert, err := tls.X509KeyPair(c.TLS.CertByte, c.TLS.KeyByte)
		if err != nil {
			return nil, errors.Wrap(err, "error parsing client key pair")
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	return tlsConfig, nil
}

func DialConnection(c Config, logger *log.Logger) (*grpc.ClientConn, error) {
	opts, err := CreateGRPCDialOptions(c, logger)
	if err != nil {
		return nil, err
	}

	var connError error
	var conn *grpc.ClientConn
	for i := 1; i <= MAX_TRY; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), c.Peer.DialTimeout)
		conn, connError = grpc.DialContext(ctx, c.Peer.Address, opts...)
		cancel()
		if connError == nil {
			return conn, nil
		}
		logger.Warnf("Dial attempt %d to %s failed: %s", i, c.Peer.Address, connError)
	}
	return nil, errors.Wrapf(connError, "failed to dial %s", c.Peer.Address)
}

// CreateChaincodeStream opens the bidirectional Register stream the shim
// handler chats over.
func CreateChaincodeStream(ctx context.Context, conn *grpc.ClientConn) (peer.ChaincodeSupport_RegisterClient, error) {
	stream, err := peer.NewChaincodeSupportClient(conn).Register(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "error opening chaincode stream")
	}
	return stream, nil
}
