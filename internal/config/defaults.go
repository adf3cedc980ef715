package config

// Default values for configuration options. These are "layer 0" of the
// override chain.
const (
	defaultService        = "drive"
	defaultConcurrency    = 20
	defaultBandwidthLimit = "0"
	defaultPrimaryAlbum   = "All Photos"
	defaultPageSize       = 100
	defaultAlbumLinks     = "symlink"
	defaultMaxPageErrors  = 10
	defaultLogLevel       = "info"
	defaultLogFormat      = "auto"
	defaultLogRetention   = 30
	defaultConnectTimeout = "10s"
	defaultDataTimeout    = "60s"
)

// DefaultConfig returns a Config populated with all default values. It is
// the starting point for TOML decoding, so unset fields keep their defaults.
func DefaultConfig() *Config {
	return &Config{
		Services: []string{defaultService},
		Transfers: TransfersConfig{
			Concurrency:    defaultConcurrency,
			BandwidthLimit: defaultBandwidthLimit,
		},
		Photos: PhotosConfig{
			PrimaryAlbum:  defaultPrimaryAlbum,
			PageSize:      defaultPageSize,
			AlbumLinks:    defaultAlbumLinks,
			Albums:        true,
			MaxPageErrors: defaultMaxPageErrors,
		},
		Logging: LoggingConfig{
			LogLevel:         defaultLogLevel,
			LogFormat:        defaultLogFormat,
			LogRetentionDays: defaultLogRetention,
		},
		Network: NetworkConfig{
			ConnectTimeout: defaultConnectTimeout,
			DataTimeout:    defaultDataTimeout,
		},
	}
}
