package infra

import (
	"io/ioutil"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v2"
)

const envPrefix = "CORE"

var (
	noSuchItemError = errors.New("No such item")
)

// Config is the chaincode process configuration. Keys follow the peer's
// naming, so CORE_CHAINCODE_ID_NAME overrides chaincode.id.name and so on.
type Config struct {
	Chaincode  ChaincodeConfig  `mapstructure:"chaincode"`
	Peer       PeerConfig       `mapstructure:"peer"`
	TLS        TLSConfig        `mapstructure:"tls"`
	Shim       ShimConfig       `mapstructure:"shim"`
	Operations OperationsConfig `mapstructure:"operations"`
}

type ChaincodeConfig struct {
	ID struct {
		Name string `mapstructure:"name"` // name the chaincode registers with
	} `mapstructure:"id"`
	Logging struct {
		Level string `mapstructure:"level"`
	} `mapstructure:"logging"`
}

type PeerConfig struct {
	Address string `mapstructure:"address"` // host:port of the peer chaincode listener
	TLS     struct {
		Enabled  bool `mapstructure:"enabled"`
		RootCert struct {
			File string `mapstructure:"file"`
		} `mapstructure:"rootcert"`
	} `mapstructure:"tls"`
	KeepAlive struct {
		Interval time.Duration `mapstructure:"interval"`
		Timeout  time.Duration `mapstructure:"timeout"`
	} `mapstructure:"keepalive"`
	DialTimeout time.Duration `mapstructure:"dialTimeout"`

	RootCertByte []byte `mapstructure:"-"`
}

// TLSConfig holds the client key pair presented to the peer when mutual TLS
// is required.
type TLSConfig struct {
	Client struct {
		Key struct {
			Path string `mapstructure:"path"`
		} `mapstructure:"key"`
		Cert struct {
			Path string `mapstructure:"path"`
		} `mapstructure:"cert"`
	} `mapstructure:"client"`

	KeyByte  []byte `mapstructure:"-"`
	CertByte []byte `mapstructure:"-"`
}

type ShimConfig struct {
	UnknownMessagePolicy string `mapstructure:"unknownMessagePolicy"` // fatal or reject
	KeepPendingOnClose   bool   `mapstructure:"keepPendingOnClose"`
}

type OperationsConfig struct {
	ListenAddress string `mapstructure:"listenAddress"` // empty disables the endpoint
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("chaincode.id.name", "")
	v.SetDefault("chaincode.logging.level", "info")
	v.SetDefault("peer.address", "")
	v.SetDefault("peer.tls.enabled", false)
	v.SetDefault("peer.tls.rootcert.file", "")
	v.SetDefault("peer.keepalive.interval", "60s")
	v.SetDefault("peer.keepalive.timeout", "20s")
	v.SetDefault("peer.dialTimeout", "10s")
	v.SetDefault("tls.client.key.path", "")
	v.SetDefault("tls.client.cert.path", "")
	v.SetDefault("shim.unknownMessagePolicy", "fatal")
	v.SetDefault("shim.keepPendingOnClose", false)
	v.SetDefault("operations.listenAddress", "")
}

// LoadConfigFromFile loads f, applies CORE_ environment overrides and
// validates the result.
func LoadConfigFromFile(f string) (Config, error) {
	return LoadConfig(f, nil)
}

// LoadConfig is LoadConfigFromFile with explicit overrides, as given on the
// command line, applied last. An empty f loads defaults and environment only.
func LoadConfig(f string, overrides map[string]interface{}) (Config, error) {
	config := Config{}

	v := viper.New()
	setDefaults(v)

	if f != "" {
		raw, err := ioutil.ReadFile(f)
		if err != nil {
			return config, errors.Wrapf(err, "error loading %s", f)
		}
		values := map[string]interface{}{}
		if err = yaml.Unmarshal(raw, &values); err != nil {
			return config, errors.Wrapf(err, "error unmarshal %s", f)
		}
		if err = v.MergeConfigMap(values); err != nil {
			return config, errors.Wrapf(err, "error merging %s", f)
		}
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for key, value := range overrides {
		v.Set(key, value)
	}

	err := v.Unmarshal(&config, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)), func(dc *mapstructure.DecoderConfig) {
		dc.WeaklyTypedInput = true
	})
	if err != nil {
		return config, errors.Wrap(err, "error decoding configuration")
	}

	if err = config.validate(); err != nil {
		return config, err
	}
	if err = config.loadCrypto(); err != nil {
		return config, err
	}

	return config, nil
}

func (c Config) validate() error {
	if c.Chaincode.ID.Name == "" {
		return errors.New("chaincode.id.name must be set")
	}
	if c.Peer.Address == "" {
		return errors.New("peer.address must be set")
	}
	return nil
}

// loadCrypto reads the TLS material named in the configuration.
func (c *Config) loadCrypto() error {
	if !c.Peer.TLS.Enabled {
		return nil
	}

	rootByte, err := GetTLSCACerts(c.Peer.TLS.RootCert.File)
	if err != nil {
		return errors.Wrapf(err, "fail to load TLS root cert %s", c.Peer.TLS.RootCert.File)
	}

	keyByte, err := GetTLSCACerts(c.TLS.Client.Key.Path)
	if err != nil && err != noSuchItemError {
		return errors.Wrapf(err, "fail to load TLS client key %s", c.TLS.Client.Key.Path)
	}

	certByte, err := GetTLSCACerts(c.TLS.Client.Cert.Path)
	if err != nil && err != noSuchItemError {
		return errors.Wrapf(err, "fail to load TLS client cert %s", c.TLS.Client.Cert.Path)
	}

	if (keyByte == nil) != (certByte == nil) {
		return errors.New("tls.client.key.path and tls.client.cert.path must be set together")
	}

	c.Peer.RootCertByte = rootByte
	c.TLS.KeyByte = keyByte
	c.TLS.CertByte = certByte

	return nil
}

func GetTLSCACerts(file string) ([]byte, error) {
	if len(file) == 0 {
		return nil, noSuchItemError
	}

	in, err := ioutil.ReadFile(file)
	if err != nil {
		return nil, errors.Wrapf(err, "error loading %s", file)
	}

	return in, nil
}
