// Package config loads the options SPEC_FULL.md §6 names as a single
// config.Config, bound from BACSTACK_-prefixed environment variables
// and an optional YAML file, following the config-layer pattern the
// retrieved corpus uses for its own daemon. No command-line flag is
// bound to an option.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Config is the full set of recognised BACnet stack options.
//
// Configuration sources, in order of precedence:
//  1. Environment variables (BACSTACK_*) (highest priority)
//  2. Configuration file (YAML)
//  3. Default values (lowest priority)
//
// Command-line flags are not bound to any option; the daemon's --config
// flag only selects which file is read.
type Config struct {
	// APDUTimeout reloads the TSM's per-transaction retransmit timer.
	APDUTimeout time.Duration `mapstructure:"apdu_timeout_ms" yaml:"apdu_timeout_ms"`

	// APDURetries caps the TSM's retransmit count before a transaction aborts.
	APDURetries int `mapstructure:"apdu_retries" validate:"gte=0" yaml:"apdu_retries"`

	// BIPPort is the UDP port the BACnet/IP datalink binds.
	BIPPort int `mapstructure:"bip_port" validate:"gt=0,lt=65536" yaml:"bip_port"`

	// BBMDPort is the UDP port used when registering as a foreign
	// device with a remote BBMD. Zero means this node is not
	// registering with a BBMD.
	BBMDPort int `mapstructure:"bbmd_port" validate:"gte=0,lt=65536" yaml:"bbmd_port"`

	// BBMDAddress is the remote BBMD's IPv4 address ("host:port" or
	// bare host using BBMDPort), empty when not registering.
	BBMDAddress string `mapstructure:"bbmd_address" yaml:"bbmd_address"`

	// BBMDTimeToLive is the foreign-device registration lifetime
	// (ASHRAE 135 Annex J.5.2.3).
	BBMDTimeToLive time.Duration `mapstructure:"bbmd_time_to_live_seconds" yaml:"bbmd_time_to_live_seconds"`

	// MSTPMac is this node's MS/TP MAC address, 0-127.
	MSTPMac uint8 `mapstructure:"mstp_mac" validate:"lte=127" yaml:"mstp_mac"`

	// MSTPMaxMaster bounds the highest possible master address on the segment.
	MSTPMaxMaster uint8 `mapstructure:"mstp_max_master" validate:"lte=127" yaml:"mstp_max_master"`

	// MSTPMaxInfoFrames is Nmax_info_frames: frames sent per token hold.
	MSTPMaxInfoFrames int `mapstructure:"mstp_max_info_frames" validate:"gte=1" yaml:"mstp_max_info_frames"`

	// MSTPBaud is the RS-485 line rate; must be one of the standard
	// MS/TP baud rates.
	MSTPBaud int `mapstructure:"mstp_baud" validate:"oneof=9600 19200 38400 57600 76800 115200" yaml:"mstp_baud"`

	// DeviceInstance is this node's Device object instance number,
	// ASHRAE 135's network-wide device identifier.
	DeviceInstance uint32 `mapstructure:"device_instance" yaml:"device_instance"`

	// DeviceName seeds the Device object's Object-Name property.
	DeviceName string `mapstructure:"device_name" yaml:"device_name"`

	// VendorName seeds the Device object's Vendor-Name property.
	VendorName string `mapstructure:"vendor_name" yaml:"vendor_name"`

	// VendorIdentifier seeds the Device object's Vendor-Identifier property.
	VendorIdentifier uint32 `mapstructure:"vendor_identifier" yaml:"vendor_identifier"`

	// ModelName seeds the Device object's Model-Name property.
	ModelName string `mapstructure:"model_name" yaml:"model_name"`

	// FirmwareRevision seeds the Device object's Firmware-Revision property.
	FirmwareRevision string `mapstructure:"firmware_revision" yaml:"firmware_revision"`

	// ReinitializePassword gates ReinitializeDevice requests. Empty
	// accepts a request carrying no password.
	ReinitializePassword string `mapstructure:"reinitialize_password" yaml:"reinitialize_password"`

	// CommunicationPassword gates DeviceCommunicationControl requests.
	// Empty accepts a request carrying no password.
	CommunicationPassword string `mapstructure:"communication_password" yaml:"communication_password"`
}

var validMSTPBaud = map[int]bool{
	9600: true, 19200: true, 38400: true,
	57600: true, 76800: true, 115200: true,
}

// Load reads configuration from an optional file at configPath, then
// environment variables, applying defaults for anything unset.
// A missing configPath is not an error: defaults apply.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v, configPath)
	applyDefaultsToViper(v)

	if _, err := readConfigFile(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(durationDecodeHook())); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

// MustLoad loads configuration from configPath, or from the default
// location when configPath is empty. An explicit configPath that does
// not exist is an error; when no file is found at the default location,
// the built-in defaults and any environment overrides apply.
func MustLoad(configPath string) (*Config, error) {
	if configPath != "" {
		if _, err := os.Stat(configPath); os.IsNotExist(err) {
			return nil, fmt.Errorf("configuration file not found: %s", configPath)
		}
	}
	return Load(configPath)
}

// Validate checks value ranges Viper's unmarshal alone can't enforce.
func Validate(cfg *Config) error {
	if cfg.BIPPort <= 0 || cfg.BIPPort > 65535 {
		return fmt.Errorf("bip_port %d out of range", cfg.BIPPort)
	}
	if cfg.MSTPMac > 127 {
		return fmt.Errorf("mstp_mac %d exceeds 127", cfg.MSTPMac)
	}
	if cfg.MSTPMaxMaster > 127 {
		return fmt.Errorf("mstp_max_master %d exceeds 127", cfg.MSTPMaxMaster)
	}
	if cfg.MSTPMaxInfoFrames < 1 {
		return fmt.Errorf("mstp_max_info_frames must be at least 1, got %d", cfg.MSTPMaxInfoFrames)
	}
	if !validMSTPBaud[cfg.MSTPBaud] {
		return fmt.Errorf("mstp_baud %d is not a standard MS/TP baud rate", cfg.MSTPBaud)
	}
	if cfg.APDURetries < 0 {
		return fmt.Errorf("apdu_retries must be non-negative, got %d", cfg.APDURetries)
	}
	if cfg.DeviceInstance > 4194302 {
		return fmt.Errorf("device_instance %d exceeds the 22-bit maximum 4194302", cfg.DeviceInstance)
	}
	return nil
}

func defaultConfig() *Config {
	return &Config{
		APDUTimeout:       3 * time.Second,
		APDURetries:       3,
		BIPPort:           0xBAC0,
		BBMDPort:          0,
		BBMDAddress:       "",
		BBMDTimeToLive:    300 * time.Second,
		MSTPMac:           0,
		MSTPMaxMaster:     127,
		MSTPMaxInfoFrames: 1,
		MSTPBaud:          38400,
		DeviceInstance:    260001,
		DeviceName:        "bacstack-device",
		VendorName:        "bacstack",
		VendorIdentifier:  0,
		ModelName:         "bacstackd",
		FirmwareRevision:  "0.1.0",
	}
}

func applyDefaultsToViper(v *viper.Viper) {
	d := defaultConfig()
	v.SetDefault("apdu_timeout_ms", d.APDUTimeout)
	v.SetDefault("apdu_retries", d.APDURetries)
	v.SetDefault("bip_port", d.BIPPort)
	v.SetDefault("bbmd_port", d.BBMDPort)
	v.SetDefault("bbmd_address", d.BBMDAddress)
	v.SetDefault("bbmd_time_to_live_seconds", d.BBMDTimeToLive)
	v.SetDefault("mstp_mac", d.MSTPMac)
	v.SetDefault("mstp_max_master", d.MSTPMaxMaster)
	v.SetDefault("mstp_max_info_frames", d.MSTPMaxInfoFrames)
	v.SetDefault("mstp_baud", d.MSTPBaud)
	v.SetDefault("device_instance", d.DeviceInstance)
	v.SetDefault("device_name", d.DeviceName)
	v.SetDefault("vendor_name", d.VendorName)
	v.SetDefault("vendor_identifier", d.VendorIdentifier)
	v.SetDefault("model_name", d.ModelName)
	v.SetDefault("firmware_revision", d.FirmwareRevision)
	v.SetDefault("reinitialize_password", d.ReinitializePassword)
	v.SetDefault("communication_password", d.CommunicationPassword)
}

func setupViper(v *viper.Viper, configPath string) {
	v.SetEnvPrefix("BACSTACK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		return
	}
	v.AddConfigPath(getConfigDir())
	v.SetConfigName("config")
	v.SetConfigType("yaml")
}

func readConfigFile(v *viper.Viper) (bool, error) {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return false, nil
		}
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("reading config file: %w", err)
	}
	return true, nil
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	return func(from, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return time.ParseDuration(v)
		case int:
			return time.Duration(v) * time.Second, nil
		case int64:
			return time.Duration(v) * time.Second, nil
		case float64:
			return time.Duration(v) * time.Second, nil
		default:
			return data, nil
		}
	}
}

// GetConfigDir returns the configuration directory: $XDG_CONFIG_HOME/bacstack,
// falling back to ~/.config/bacstack, or "." if the home directory can't be found.
func GetConfigDir() string { return getConfigDir() }

func getConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "bacstack")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "bacstack")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}

// DefaultConfigExists reports whether a config file exists at the default location.
func DefaultConfigExists() bool {
	_, err := os.Stat(GetDefaultConfigPath())
	return err == nil
}
