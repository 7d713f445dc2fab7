package core

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Config contains all of the configuration options available to the headless
// host and its components.
type Config struct {
	// Hostname or IP address on which the server will listen for connections.
	Hostname string `mapstructure:"hostname"`
	// Address (host:port) broadcast to clients and the event log. When unset
	// the first non-loopback IPv4 address of the machine is used instead.
	PublicAddress string `mapstructure:"public_address"`
	// Port on which the direct-connect transport will listen.
	ServerPort int `mapstructure:"server_port"`
	// Maximum number of concurrent player connections the server will allow.
	MaxPlayers int `mapstructure:"max_players"`

	// Whether the direct-connect transport should replace the engine's
	// relay transport. Leaving this off disables hosting entirely.
	EnableDirectConnect bool `mapstructure:"enable_direct_connect"`
	// Indicates the engine is running without a display; enables the
	// redundant heartbeat sources and the forced readiness fallbacks.
	HeadlessMode bool `mapstructure:"headless_mode"`
	// Start hosting automatically once the session has loaded.
	AutoStartServer bool `mapstructure:"auto_start_server"`
	// Full path to a save file to load on startup. Takes precedence over
	// auto_load_slot when both are set.
	AutoLoadSave string `mapstructure:"auto_load_save"`
	// Numbered save slot from which the most recent save will be loaded.
	// -1 disables slot loading.
	AutoLoadSlot int `mapstructure:"auto_load_slot"`

	Logging struct {
		// Full path to file to which logs will be written. Blank will write to stdout.
		LogFilePath string `mapstructure:"log_file_path"`
		// Minimum level of a log required to be written. Options: debug, info, warn, error
		LogLevel string `mapstructure:"log_level"`
	} `mapstructure:"logging"`

	Events struct {
		// Path of the append-only JSONL event log consumed by the admin console.
		LogPath string `mapstructure:"log_path"`
		// Optional sqlite database mirroring the event log for querying.
		// Blank disables the mirror.
		DatabasePath string `mapstructure:"database_path"`
	} `mapstructure:"events"`

	Session struct {
		// Directory containing the numbered save slot directories.
		SavesDir string `mapstructure:"saves_dir"`
		// Number of ticks to wait for the engine's session facility to appear
		// before giving up on the bootstrap.
		EngineReadyAttempts int `mapstructure:"engine_ready_attempts"`
		// Number of ticks to wait for the world probes to pass after a load.
		WorldReadyAttempts int `mapstructure:"world_ready_attempts"`
		// Seconds to wait after the load call before the first world probe,
		// giving the engine time to construct world objects.
		WorldReadyDelaySeconds int `mapstructure:"world_ready_delay_seconds"`
		// Seconds the readiness screen may sit on the same state before the
		// transition to hosting is forced anyway.
		ScreenStallSeconds int `mapstructure:"screen_stall_seconds"`
	} `mapstructure:"session"`

	Transfer struct {
		// Number of payload characters per world state chunk. Conservatively
		// under the transport's practical packet limit; tuned empirically.
		ChunkSize int `mapstructure:"chunk_size"`
		// Seconds after spawn before the state transfer begins.
		BeginDelaySeconds int `mapstructure:"begin_delay_seconds"`
	} `mapstructure:"transfer"`

	Admission struct {
		// Seconds to wait for the engine authenticator before the manual
		// handshake fallback is attempted.
		AuthFallbackDelaySeconds int `mapstructure:"auth_fallback_delay_seconds"`
		// Seconds after which authentication is forced regardless, so that
		// connections never hang in the authenticating state.
		AuthForceTimeoutSeconds int `mapstructure:"auth_force_timeout_seconds"`
	} `mapstructure:"admission"`
}

const envVarPrefix = "VEILBREAK"

// LoadConfig initializes Viper with the contents of the config file under configPath.
func LoadConfig(configPath string) *Config {
	viper.AddConfigPath(configPath)
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	viper.SetEnvPrefix(envVarPrefix)
	viper.AutomaticEnv()

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		if errors.Is(err, viper.ConfigFileNotFoundError{}) {
			fmt.Printf("error reading config file: no config file in path %s", configPath)
		} else {
			fmt.Printf("error reading config file: %v", err)
		}
		os.Exit(1)
	}

	// This allows us to set nested yaml config options through environment
	// variables. For example, session.saves_dir can be set using:
	// <envVarPrefix>_SESSION_SAVES_DIR
	for _, k := range viper.AllKeys() {
		envVar := strings.ReplaceAll(strings.ToUpper(k), ".", "_")
		if err := viper.BindEnv(k, envVarPrefix+"_"+envVar); err != nil {
			fmt.Printf("error binding %s to %s", k, envVarPrefix+"_"+envVar)
			os.Exit(1)
		}
	}

	config := &Config{}
	if err := viper.Unmarshal(config); err != nil {
		fmt.Printf("error unmarshaling config object: %v", err)
		os.Exit(1)
	}
	return config
}

// The delay and chunk size defaults are empirically tuned against the
// engine/transport pairing we actually run; treat them as starting points.
func setDefaults() {
	viper.SetDefault("hostname", "0.0.0.0")
	viper.SetDefault("server_port", 26900)
	viper.SetDefault("max_players", 8)
	viper.SetDefault("auto_load_slot", -1)
	viper.SetDefault("logging.log_level", "info")
	viper.SetDefault("events.log_path", "events.log")
	viper.SetDefault("session.engine_ready_attempts", 30)
	viper.SetDefault("session.world_ready_attempts", 30)
	viper.SetDefault("session.world_ready_delay_seconds", 5)
	viper.SetDefault("session.screen_stall_seconds", 10)
	viper.SetDefault("transfer.chunk_size", 30000)
	viper.SetDefault("transfer.begin_delay_seconds", 5)
	viper.SetDefault("admission.auth_fallback_delay_seconds", 2)
	viper.SetDefault("admission.auth_force_timeout_seconds", 5)
}

// ListenAddress returns the local address the direct transport should bind.
func (c *Config) ListenAddress() string {
	return fmt.Sprintf("%s:%v", c.Hostname, c.ServerPort)
}

// SessionConfigured reports whether any save source has been configured.
// When false the bootstrap stays idle permanently.
func (c *Config) SessionConfigured() bool {
	return c.AutoLoadSave != "" || c.AutoLoadSlot >= 0
}
