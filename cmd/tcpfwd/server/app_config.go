package server

import (
	"fmt"
	"net"
	"path"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/OnitiFR/tcpfwd/common"
	"github.com/c2h5oh/datasize"
)

// AppConfigFilename is the name of the (optional) settings file in the config path
const AppConfigFilename = "tcpfwd.toml"

// AppConfig describes the general configuration of an App
type AppConfig struct {
	// forwarding rules file (listen_port,backend_host,backend_port lines)
	RulesFile string

	// IPv4 address listeners are bound to
	ListenAddress net.IP

	// size of a relay buffer unit, it's also the maximum amount of
	// pending (unsent) bytes per direction of a connection pair
	BufferSize datasize.ByteSize

	// max number of events per epoll_wait call
	MaxEvents int

	// close pairs without any traffic for this duration (0 = never)
	IdleTimeout time.Duration

	// Prometheus metrics HTTP address (empty = disabled)
	MetricsAddress string

	// per client IP accept control
	RateControl RateControllerConfig

	// global configuration path
	configPath string
}

type tomlAppConfig struct {
	RulesFile           string            `toml:"rules_file"`
	ListenAddress       string            `toml:"listen_address"`
	BufferSize          datasize.ByteSize `toml:"buffer_size"`
	MaxEvents           int               `toml:"max_events"`
	IdleTimeout         string            `toml:"idle_timeout"`
	MetricsListen       string            `toml:"metrics_listen"`
	AcceptRateEnable    bool              `toml:"accept_rate_enable"`
	AcceptRatePerSecond float64           `toml:"accept_rate_per_second"`
	AcceptRateBurst     int               `toml:"accept_rate_burst"`
	AcceptConcurrentMax int32             `toml:"accept_concurrent_max"`
	AcceptVIPList       []string          `toml:"accept_vip_list"`
}

// Defaults for AppConfig
const (
	DefaultBufferSize = 16 * datasize.KB
	DefaultMaxEvents  = 256
)

// NewAppConfig returns an AppConfig with default values and
// rules file located in configPath
func NewAppConfig(configPath string) *AppConfig {
	return &AppConfig{
		RulesFile:     path.Clean(configPath + "/port_forwarder.conf"),
		ListenAddress: net.IPv4zero,
		BufferSize:    DefaultBufferSize,
		MaxEvents:     DefaultMaxEvents,
		configPath:    configPath,
	}
}

// NewAppConfigFromTomlFile return a AppConfig using
// tcpfwd.toml config file in the given configPath. If the file does not
// exist, defaults are used.
func NewAppConfigFromTomlFile(configPath string) (*AppConfig, error) {
	configPath, err := common.ExpandPath(configPath)
	if err != nil {
		return nil, err
	}

	filename := path.Clean(configPath + "/" + AppConfigFilename)
	appConfig := NewAppConfig(configPath)

	// defaults (if not in the file)
	tConfig := &tomlAppConfig{
		RulesFile:           appConfig.RulesFile,
		ListenAddress:       appConfig.ListenAddress.String(),
		BufferSize:          appConfig.BufferSize,
		MaxEvents:           appConfig.MaxEvents,
		IdleTimeout:         "0",
		AcceptRatePerSecond: 50,
		AcceptRateBurst:     100,
	}

	if common.PathExist(filename) {
		meta, err := toml.DecodeFile(filename, tConfig)
		if err != nil {
			return nil, err
		}

		undecoded := meta.Undecoded()
		if len(undecoded) > 0 {
			return nil, fmt.Errorf("%s: unknown setting '%s'", filename, undecoded[0])
		}
	}

	appConfig.RulesFile, err = common.ExpandPath(tConfig.RulesFile)
	if err != nil {
		return nil, err
	}

	appConfig.ListenAddress = net.ParseIP(tConfig.ListenAddress).To4()
	if appConfig.ListenAddress == nil {
		return nil, fmt.Errorf("invalid listen_address '%s' (IPv4 expected)", tConfig.ListenAddress)
	}

	if tConfig.BufferSize < 512*datasize.B {
		return nil, fmt.Errorf("buffer_size is too small (%s < 512B)", tConfig.BufferSize.HR())
	}
	if tConfig.BufferSize > 16*datasize.MB {
		return nil, fmt.Errorf("buffer_size is too large (%s > 16MB)", tConfig.BufferSize.HR())
	}
	appConfig.BufferSize = tConfig.BufferSize

	if tConfig.MaxEvents < 1 {
		return nil, fmt.Errorf("max_events must be > 0")
	}
	appConfig.MaxEvents = tConfig.MaxEvents

	appConfig.IdleTimeout, err = time.ParseDuration(tConfig.IdleTimeout)
	if err != nil {
		return nil, fmt.Errorf("idle_timeout: %s", err)
	}
	if appConfig.IdleTimeout < 0 {
		return nil, fmt.Errorf("idle_timeout must be positive")
	}

	appConfig.MetricsAddress = tConfig.MetricsListen

	if tConfig.AcceptRateEnable {
		if tConfig.AcceptRatePerSecond <= 0 || tConfig.AcceptRateBurst <= 0 {
			return nil, fmt.Errorf("accept_rate_per_second and accept_rate_burst must be > 0")
		}
	}
	if tConfig.AcceptConcurrentMax < 0 {
		return nil, fmt.Errorf("accept_concurrent_max must be >= 0")
	}

	appConfig.RateControl = RateControllerConfig{
		ConcurrentMaxConnections: tConfig.AcceptConcurrentMax,
		RateEnable:               tConfig.AcceptRateEnable,
		RateBurst:                tConfig.AcceptRateBurst,
		RateConnectionsPerSecond: tConfig.AcceptRatePerSecond,
		VipList:                  tConfig.AcceptVIPList,
	}

	return appConfig, nil
}
